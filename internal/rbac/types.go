package rbac

import "time"

// ScopeClass constrains where a role may be assigned.
type ScopeClass string

const (
	ScopeGlobal       ScopeClass = "global"
	ScopeOrganization ScopeClass = "organization"
	ScopeMunicipality ScopeClass = "municipality"
)

// Role groups permissions under an administrator-managed name.
// Privileged marks administrator-class roles; the security audit engine
// applies stricter checks to their holders.
type Role struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	ScopeClass  ScopeClass `json:"scope_class"`
	Privileged  bool       `json:"privileged"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Assignment statuses.
const (
	AssignmentActive  = "active"
	AssignmentRevoked = "revoked"
)

// Assignment methods.
const (
	MethodManual    = "manual"
	MethodAuto      = "auto"
	MethodDelegated = "delegated"
)

// RoleAssignment links a user to a role within an optional scope.
// Scope is empty for global grants. Rows are never hard-deleted; revocation
// flips Status and records who revoked and when.
type RoleAssignment struct {
	UserID     string     `json:"user_id"`
	RoleID     string     `json:"role_id"`
	Scope      string     `json:"scope,omitempty"`
	Status     string     `json:"status"`
	Method     string     `json:"method"`
	AssignedAt time.Time  `json:"assigned_at"`
	AssignedBy string     `json:"assigned_by"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	RevokedBy  string     `json:"revoked_by,omitempty"`
}

// Role request statuses.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

// RoleRequest tracks a user's ask for elevated access. Mutated exactly once:
// pending -> approved or pending -> rejected. Immutable after decision.
type RoleRequest struct {
	ID              string     `json:"id"`
	RequesterID     string     `json:"requester_id"`
	RoleID          string     `json:"role_id"`
	Scope           string     `json:"scope,omitempty"`
	Justification   string     `json:"justification"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	DecidedBy       string     `json:"decided_by,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
}

// Delegation statuses.
const (
	DelegationPending  = "pending"
	DelegationApproved = "approved"
	DelegationRejected = "rejected"
	DelegationActive   = "active"
	DelegationExpired  = "expired"
	DelegationRevoked  = "revoked"
)

// Delegation is a time-boxed transfer of a role's permissions from one user
// to another. It requires approval before it can take effect, activates once
// the window opens and expires when the window closes. An admin may revoke it
// from approved or active at any point inside the window.
type Delegation struct {
	ID          string     `json:"id"`
	DelegatorID string     `json:"delegator_id"`
	DelegateID  string     `json:"delegate_id"`
	RoleID      string     `json:"role_id"`
	Scope       string     `json:"scope,omitempty"`
	StartsAt    time.Time  `json:"starts_at"`
	EndsAt      time.Time  `json:"ends_at"`
	Status      string     `json:"status"`
	ApprovedBy  string     `json:"approved_by,omitempty"`
	RevokedBy   string     `json:"revoked_by,omitempty"`
	RevokeNote  string     `json:"revoke_note,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

// EffectiveAt reports whether the delegation grants access at the given
// instant. An approved delegation inside its window counts: the durable
// approved -> active transition is performed by the periodic sweep, and
// permission resolution must not depend on the sweep having run.
func (d Delegation) EffectiveAt(now time.Time) bool {
	switch d.Status {
	case DelegationApproved, DelegationActive:
	default:
		return false
	}
	return !now.Before(d.StartsAt) && now.Before(d.EndsAt)
}

// Finding severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Finding is one observation produced by a security audit check.
type Finding struct {
	Category       string `json:"category"`
	Severity       string `json:"severity"`
	Message        string `json:"message"`
	Recommendation string `json:"recommendation"`
}

// SecurityAudit is a persisted audit run for historical trend comparison.
type SecurityAudit struct {
	ID          string    `json:"id"`
	Scope       string    `json:"scope,omitempty"`
	Findings    []Finding `json:"findings"`
	Score       int       `json:"score"`
	CompletedAt time.Time `json:"completed_at"`
}

// AccessLogEntry is one append-only record of an access-control action or a
// data-access event. Assignment mutations and request/delegation decisions are
// logged here; the security audit engine reads them back as activity signals.
type AccessLogEntry struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	ActorID    string    `json:"actor_id"`
	SubjectID  string    `json:"subject_id,omitempty"`
	Action     string    `json:"action"`
	Category   string    `json:"category,omitempty"`
	Before     string    `json:"before,omitempty"`
	After      string    `json:"after,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// PermissionSet is the resolved union of permissions a user currently holds.
type PermissionSet map[string]struct{}

// Has reports whether the set contains the permission key.
func (p PermissionSet) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Keys returns the permissions in no particular order.
func (p PermissionSet) Keys() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	return out
}
