package rbac

import (
	"context"
	"time"
)

// Store describes the persistence operations the RBAC core requires. The
// implementation is expected to enforce the uniqueness constraint on the
// active (user, role, scope) tuple; ActivateAssignment relies on it for
// idempotency under concurrent callers.
type Store interface {
	Roles(ctx context.Context) RoleStore
	Assignments(ctx context.Context) AssignmentStore
	Requests(ctx context.Context) RequestStore
	Delegations(ctx context.Context) DelegationStore
	Audits(ctx context.Context) AuditStore
	AccessLog(ctx context.Context) AccessLogStore
}

// RoleStore manages the role catalog.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, roleID string) (Role, error)
	List(ctx context.Context) ([]Role, error)
	Update(ctx context.Context, roleID string, upd RoleUpdate) (Role, error)
}

// RoleUpdate describes a partial catalog mutation. Nil fields are left as-is.
type RoleUpdate struct {
	Name        *string
	Permissions []string
	Privileged  *bool
}

// AssignmentStore manages role assignments.
type AssignmentStore interface {
	// Activate ensures an active row exists for the (user, role, scope)
	// tuple. Re-activating an already-active tuple is a success no-op; the
	// returned bool reports whether a new row was created.
	Activate(ctx context.Context, a RoleAssignment) (RoleAssignment, bool, error)
	// Revoke marks the active tuple revoked. ErrAssignmentNotFound when no
	// active row matches.
	Revoke(ctx context.Context, userID, roleID, scope, revokedBy string, at time.Time) error
	ListForUser(ctx context.Context, userID string, includeRevoked bool) ([]RoleAssignment, error)
	// ListActive returns active assignments, optionally filtered by scope
	// (empty scope means all). Input to the security audit engine.
	ListActive(ctx context.Context, scope string) ([]RoleAssignment, error)
}

// RequestStore manages role requests.
type RequestStore interface {
	Create(ctx context.Context, req *RoleRequest) error
	Find(ctx context.Context, requestID string) (RoleRequest, error)
	// Decide transitions a pending request to approved or rejected. A request
	// that exists but already left pending yields ErrInvalidState, so a
	// losing concurrent approver sees "someone else already decided this".
	Decide(ctx context.Context, requestID, status, decidedBy, reason string, at time.Time) (RoleRequest, error)
	ListByStatus(ctx context.Context, status string) ([]RoleRequest, error)
}

// DelegationStore manages delegations.
type DelegationStore interface {
	Create(ctx context.Context, d *Delegation) error
	Find(ctx context.Context, delegationID string) (Delegation, error)
	// Transition moves a delegation from one of the listed statuses to the
	// target status. ErrInvalidState when the row exists outside `from`.
	Transition(ctx context.Context, delegationID string, from []string, to, actorID, note string, at time.Time) (Delegation, error)
	ListForDelegate(ctx context.Context, delegateID string) ([]Delegation, error)
	ListByStatus(ctx context.Context, status string) ([]Delegation, error)
}

// AuditStore persists completed security audit runs.
type AuditStore interface {
	Create(ctx context.Context, audit *SecurityAudit) error
	List(ctx context.Context, scope string, limit int) ([]SecurityAudit, error)
}

// AccessLogStore appends immutable access-control events and serves them back
// as activity signals for the audit engine.
type AccessLogStore interface {
	Append(ctx context.Context, entry *AccessLogEntry) error
	EventsSince(ctx context.Context, since time.Time) ([]AccessLogEntry, error)
	// LastActivity returns the most recent event timestamp per actor.
	LastActivity(ctx context.Context) (map[string]time.Time, error)
}
