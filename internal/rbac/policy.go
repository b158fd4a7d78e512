package rbac

import "time"

// AuditPolicy holds the thresholds applied by the security audit engine.
// The defaults mirror platform operating practice but carry no deeper
// rationale; they are deliberately configuration, not constants.
type AuditPolicy struct {
	// PrivilegedHolderLimit is the number of distinct active holders of
	// privileged roles tolerated before a finding is raised.
	PrivilegedHolderLimit int
	// StaleAccessWindow is how long an assignment holder may be inactive
	// before their access is considered stale.
	StaleAccessWindow time.Duration
	// SensitiveCategory is the access-log category treated as sensitive.
	SensitiveCategory string
	// SensitiveAccessLimit caps sensitive-category events inside
	// SensitiveAccessWindow before an observational finding is raised.
	SensitiveAccessLimit  int
	SensitiveAccessWindow time.Duration
}

// DefaultAuditPolicy returns the platform's standing thresholds.
func DefaultAuditPolicy() AuditPolicy {
	return AuditPolicy{
		PrivilegedHolderLimit: 5,
		StaleAccessWindow:     30 * 24 * time.Hour,
		SensitiveCategory:     "sensitive",
		SensitiveAccessLimit:  100,
		SensitiveAccessWindow: 7 * 24 * time.Hour,
	}
}

// DelegationPolicy bounds delegation windows.
type DelegationPolicy struct {
	// StartGrace tolerates clock skew between the proposer and the server:
	// a window may start up to this long in the past.
	StartGrace time.Duration
}

// DefaultDelegationPolicy returns the standard window tolerance.
func DefaultDelegationPolicy() DelegationPolicy {
	return DelegationPolicy{StartGrace: 5 * time.Minute}
}
