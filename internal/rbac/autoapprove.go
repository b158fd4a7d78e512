package rbac

import "strings"

// ApprovalInput is everything a rule may inspect. Existing holds the
// requester's currently resolved permissions so rules can detect no-op
// upgrades without touching storage.
type ApprovalInput struct {
	Profile  Profile
	Role     Role
	Existing PermissionSet
}

// Decision is the outcome of evaluating the rule table for one request.
type Decision struct {
	AutoApprove bool   `json:"auto_approve"`
	Rule        string `json:"rule,omitempty"`
	Reason      string `json:"reason"`
}

// ApprovalRule is one declarative auto-approval criterion. Evaluate returns
// the decision and true when the rule matches the input; a non-matching rule
// returns false and the evaluator moves on. Rules must be pure.
type ApprovalRule interface {
	Name() string
	Evaluate(in ApprovalInput) (Decision, bool)
}

// Evaluator runs an ordered rule table; the first matching rule wins. With no
// match the request falls through to human review.
type Evaluator struct {
	rules []ApprovalRule
}

// NewEvaluator builds an evaluator over the given rules, in priority order.
func NewEvaluator(rules ...ApprovalRule) *Evaluator {
	return &Evaluator{rules: rules}
}

// Evaluate applies the rule table to the input. Side-effect free.
func (e *Evaluator) Evaluate(in ApprovalInput) Decision {
	for _, rule := range e.rules {
		if d, ok := rule.Evaluate(in); ok {
			d.Rule = rule.Name()
			return d
		}
	}
	return Decision{AutoApprove: false, Reason: "no auto-approval rule matched; pending human review"}
}

// TrustedDomainRule auto-approves when the requester's email domain carries a
// suffix trusted for the requested role. Keyed by role name.
type TrustedDomainRule struct {
	// Suffixes maps role name to trusted email-domain suffixes, compared
	// case-insensitively (".gov.sa" matches "staff@xyz.gov.sa").
	Suffixes map[string][]string
}

func (TrustedDomainRule) Name() string { return "trusted_email_domain" }

func (r TrustedDomainRule) Evaluate(in ApprovalInput) (Decision, bool) {
	suffixes := r.Suffixes[in.Role.Name]
	if len(suffixes) == 0 {
		return Decision{}, false
	}
	email := strings.ToLower(strings.TrimSpace(in.Profile.Email))
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return Decision{}, false
	}
	domain := email[at+1:]
	for _, suffix := range suffixes {
		suffix = strings.ToLower(strings.TrimSpace(suffix))
		if suffix == "" {
			continue
		}
		if !strings.HasPrefix(suffix, ".") {
			suffix = "." + suffix
		}
		// Leading dot on both sides so "gov.sa" itself matches ".gov.sa"
		// while "notgov.sa" does not.
		if strings.HasSuffix("."+domain, suffix) {
			return Decision{
				AutoApprove: true,
				Reason:      "email domain " + domain + " is trusted for role " + in.Role.Name,
			}, true
		}
	}
	return Decision{}, false
}

// ImpliedRoleRule auto-approves when the requester's existing permissions
// already cover everything the requested role grants: the upgrade is a no-op.
type ImpliedRoleRule struct{}

func (ImpliedRoleRule) Name() string { return "implied_by_existing_roles" }

func (ImpliedRoleRule) Evaluate(in ApprovalInput) (Decision, bool) {
	if len(in.Role.Permissions) == 0 || len(in.Existing) == 0 {
		return Decision{}, false
	}
	for _, perm := range in.Role.Permissions {
		if !in.Existing.Has(perm) {
			return Decision{}, false
		}
	}
	return Decision{
		AutoApprove: true,
		Reason:      "existing roles already grant every permission of " + in.Role.Name,
	}, true
}

// ActivityThreshold is the per-role bar for the activity rule.
type ActivityThreshold struct {
	RequireOnboarding bool
	MinTenureDays     int
	MinActivityCount  int
}

// ActivityRule auto-approves requesters whose verified platform activity
// crosses a role-specific threshold. Keyed by role name.
type ActivityRule struct {
	Thresholds map[string]ActivityThreshold
}

func (ActivityRule) Name() string { return "activity_threshold" }

func (r ActivityRule) Evaluate(in ApprovalInput) (Decision, bool) {
	th, ok := r.Thresholds[in.Role.Name]
	if !ok {
		return Decision{}, false
	}
	if th.RequireOnboarding && !in.Profile.OnboardingComplete {
		return Decision{}, false
	}
	if in.Profile.TenureDays < th.MinTenureDays {
		return Decision{}, false
	}
	if in.Profile.ActivityCount < th.MinActivityCount {
		return Decision{}, false
	}
	return Decision{
		AutoApprove: true,
		Reason:      "activity history meets the threshold for " + in.Role.Name,
	}, true
}

// DefaultApprovalRules returns the platform rule table in priority order.
func DefaultApprovalRules() []ApprovalRule {
	return []ApprovalRule{
		TrustedDomainRule{Suffixes: map[string][]string{
			"Government Agency Lead": {".gov.sa"},
			"Municipality Reviewer":  {".gov.sa"},
		}},
		ImpliedRoleRule{},
		ActivityRule{Thresholds: map[string]ActivityThreshold{
			"Pilot Contributor": {RequireOnboarding: true, MinTenureDays: 30},
			"Program Mentor":    {RequireOnboarding: true, MinTenureDays: 90, MinActivityCount: 10},
		}},
	}
}
