package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mudun.org/internal/rbac"
)

// Resolve loads the user's profile and derives the activity signals the
// auto-approval rules consume. Tenure comes from the registration timestamp;
// the activity count is the number of access-log events in the trailing 90
// days, which approximates "how engaged is this user" without a separate
// counter to keep in sync.
func (s *Store) Resolve(ctx context.Context, userID string) (rbac.Profile, error) {
	if s.db == nil {
		return rbac.Profile{}, errors.New("database connection unavailable")
	}
	var (
		p            rbac.Profile
		email        sql.NullString
		orgType      sql.NullString
		registeredAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		select user_id, email, organization_type, onboarding_complete, registered_at
		from user_profiles
		where user_id = $1
	`, userID).Scan(&p.UserID, &email, &orgType, &p.OnboardingComplete, &registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Profile{}, rbac.ErrUnknownIdentity
	}
	if err != nil {
		return rbac.Profile{}, err
	}
	p.Email = fromNull(email)
	p.OrganizationType = fromNull(orgType)
	p.TenureDays = int(time.Since(registeredAt).Hours() / 24)

	err = s.db.QueryRowContext(ctx, `
		select count(*)
		from access_log
		where actor_id = $1 and occurred_at >= now() - interval '90 days'
	`, userID).Scan(&p.ActivityCount)
	if err != nil {
		return rbac.Profile{}, err
	}
	return p, nil
}
