package rbac

import "context"

// Profile carries the requester attributes the auto-approval evaluator needs.
// TenureDays and ActivityCount are computed by the resolver over its own
// records; the core treats them as read-only facts.
type Profile struct {
	UserID             string
	Email              string
	OrganizationType   string
	OnboardingComplete bool
	TenureDays         int
	ActivityCount      int
}

// IdentityResolver maps an opaque caller identity to profile attributes.
// Implementations return ErrUnknownIdentity for identities that do not
// resolve; the core never substitutes silent defaults.
type IdentityResolver interface {
	Resolve(ctx context.Context, userID string) (Profile, error)
}
