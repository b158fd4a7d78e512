package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mudun.org/internal/rbac"
)

type delegationStore struct {
	db *sql.DB
}

func (s delegationStore) Create(ctx context.Context, d *rbac.Delegation) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into delegations (id, delegator_id, delegate_id, role_id, scope, starts_at, ends_at, status, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, d.ID, d.DelegatorID, d.DelegateID, d.RoleID, nullIfEmpty(d.Scope), d.StartsAt, d.EndsAt, d.Status, d.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.ErrStorageConflict
		}
		return err
	}
	return nil
}

func (s delegationStore) Find(ctx context.Context, delegationID string) (rbac.Delegation, error) {
	if s.db == nil {
		return rbac.Delegation{}, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, delegationSelect+` where id = $1`, delegationID)
	d, err := scanDelegation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Delegation{}, rbac.ErrDelegationNotFound
	}
	return d, err
}

// Transition applies a guarded status change. The `from` list becomes a
// status in (...) predicate so the update only wins when the row is still in
// an allowed state; zero matched rows with an existing row means a concurrent
// actor got there first.
func (s delegationStore) Transition(ctx context.Context, delegationID string, from []string, to, actorID, note string, at time.Time) (rbac.Delegation, error) {
	if s.db == nil {
		return rbac.Delegation{}, errors.New("database connection unavailable")
	}
	if len(from) == 0 {
		return rbac.Delegation{}, rbac.ErrInvalidState
	}

	sets := []string{"status = $2"}
	args := []any{delegationID, to}
	idx := 3
	switch to {
	case rbac.DelegationApproved, rbac.DelegationRejected:
		sets = append(sets, fmt.Sprintf("approved_by = $%d", idx), fmt.Sprintf("decided_at = $%d", idx+1))
		args = append(args, nullIfEmpty(actorID), at)
		idx += 2
	case rbac.DelegationRevoked:
		sets = append(sets, fmt.Sprintf("revoked_by = $%d", idx), fmt.Sprintf("revoke_note = nullif($%d, '')", idx+1), fmt.Sprintf("decided_at = $%d", idx+2))
		args = append(args, nullIfEmpty(actorID), note, at)
		idx += 3
	}

	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = fmt.Sprintf("$%d", idx)
		args = append(args, st)
		idx++
	}

	query := fmt.Sprintf(`
		update delegations
		set %s
		where id = $1 and status in (%s)
		returning id, delegator_id, delegate_id, role_id, scope, starts_at, ends_at, status, approved_by, revoked_by, revoke_note, created_at, decided_at
	`, strings.Join(sets, ", "), strings.Join(placeholders, ", "))

	row := s.db.QueryRowContext(ctx, query, args...)
	d, err := scanDelegation(row)
	if errors.Is(err, sql.ErrNoRows) {
		var current string
		err := s.db.QueryRowContext(ctx, `select status from delegations where id = $1`, delegationID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.Delegation{}, rbac.ErrDelegationNotFound
		}
		if err != nil {
			return rbac.Delegation{}, err
		}
		return rbac.Delegation{}, rbac.ErrInvalidState
	}
	return d, err
}

// ListForDelegate returns delegations that may grant the delegate access now
// or in the future. Terminal states are excluded; permission resolution
// filters the rest by window.
func (s delegationStore) ListForDelegate(ctx context.Context, delegateID string) ([]rbac.Delegation, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, delegationSelect+`
		where delegate_id = $1 and status in ('approved', 'active')
		order by starts_at
	`, delegateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDelegations(rows)
}

func (s delegationStore) ListByStatus(ctx context.Context, status string) ([]rbac.Delegation, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, delegationSelect+`
		where status = $1
		order by starts_at
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDelegations(rows)
}

const delegationSelect = `
	select id, delegator_id, delegate_id, role_id, scope, starts_at, ends_at, status, approved_by, revoked_by, revoke_note, created_at, decided_at
	from delegations`

func scanDelegation(row rowScanner) (rbac.Delegation, error) {
	var (
		d          rbac.Delegation
		scope      sql.NullString
		approvedBy sql.NullString
		revokedBy  sql.NullString
		revokeNote sql.NullString
		decidedAt  sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.DelegatorID, &d.DelegateID, &d.RoleID, &scope, &d.StartsAt, &d.EndsAt, &d.Status, &approvedBy, &revokedBy, &revokeNote, &d.CreatedAt, &decidedAt); err != nil {
		return rbac.Delegation{}, err
	}
	d.Scope = fromNull(scope)
	d.ApprovedBy = fromNull(approvedBy)
	d.RevokedBy = fromNull(revokedBy)
	d.RevokeNote = fromNull(revokeNote)
	d.DecidedAt = timePtr(decidedAt)
	return d, nil
}

func scanDelegations(rows *sql.Rows) ([]rbac.Delegation, error) {
	var delegations []rbac.Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		delegations = append(delegations, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return delegations, nil
}
