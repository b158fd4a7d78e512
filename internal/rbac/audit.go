package rbac

import (
	"fmt"
	"sort"
	"time"
)

// Snapshot is the immutable view of access-control state an audit runs over.
// The facade assembles it from the store and identity resolver; the engine
// itself performs no I/O, so identical snapshots always produce identical
// findings and score.
type Snapshot struct {
	Scope        string
	Assignments  []RoleAssignment
	Roles        map[string]Role
	KnownUsers   map[string]struct{}
	LastActivity map[string]time.Time
	AccessEvents []AccessLogEntry
}

// Severity weights. Info findings never affect the score.
const (
	weightCritical = 25
	weightHigh     = 15
	weightWarning  = 5
)

type auditCheck struct {
	category string
	run      func(snap Snapshot, policy AuditPolicy, now time.Time) []Finding
}

// The fixed check table, evaluated in order. Each check yields zero or more
// findings; adding a check means adding a row here and a test next to it.
var auditChecks = []auditCheck{
	{category: "excessive_privileged_holders", run: checkPrivilegedHolders},
	{category: "stale_privileged_access", run: checkStaleAccess},
	{category: "orphaned_assignments", run: checkOrphanedAssignments},
	{category: "sensitive_access_volume", run: checkSensitiveAccessVolume},
}

// EvaluateAudit runs every check against the snapshot and scores the result.
// An empty findings list with score 100 is a valid, desirable outcome.
func EvaluateAudit(snap Snapshot, policy AuditPolicy, now time.Time) ([]Finding, int) {
	var findings []Finding
	for _, check := range auditChecks {
		findings = append(findings, check.run(snap, policy, now)...)
	}
	return findings, ScoreFindings(findings)
}

// ScoreFindings maps findings to the 0-100 hygiene score:
// 100 - 25*critical - 15*high - 5*warning, clamped at zero.
func ScoreFindings(findings []Finding) int {
	score := 100
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			score -= weightCritical
		case SeverityHigh:
			score -= weightHigh
		case SeverityWarning:
			score -= weightWarning
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

func checkPrivilegedHolders(snap Snapshot, policy AuditPolicy, _ time.Time) []Finding {
	holders := map[string]struct{}{}
	for _, a := range snap.Assignments {
		if a.Status != AssignmentActive {
			continue
		}
		role, ok := snap.Roles[a.RoleID]
		if !ok || !role.Privileged {
			continue
		}
		holders[a.UserID] = struct{}{}
	}
	if len(holders) <= policy.PrivilegedHolderLimit {
		return nil
	}
	return []Finding{{
		Category: "excessive_privileged_holders",
		Severity: SeverityWarning,
		Message: fmt.Sprintf("%d users hold privileged roles; limit is %d",
			len(holders), policy.PrivilegedHolderLimit),
		Recommendation: "review privileged role holders and revoke assignments that are no longer needed",
	}}
}

func checkStaleAccess(snap Snapshot, policy AuditPolicy, now time.Time) []Finding {
	cutoff := now.Add(-policy.StaleAccessWindow)

	type staleness struct {
		privileged bool
	}
	stale := map[string]*staleness{}
	for _, a := range snap.Assignments {
		if a.Status != AssignmentActive {
			continue
		}
		if last, ok := snap.LastActivity[a.UserID]; ok && last.After(cutoff) {
			continue
		}
		s, ok := stale[a.UserID]
		if !ok {
			s = &staleness{}
			stale[a.UserID] = s
		}
		if role, ok := snap.Roles[a.RoleID]; ok && role.Privileged {
			s.privileged = true
		}
	}

	users := make([]string, 0, len(stale))
	for u := range stale {
		users = append(users, u)
	}
	sort.Strings(users)

	var findings []Finding
	for _, u := range users {
		severity := SeverityWarning
		if stale[u].privileged {
			severity = SeverityHigh
		}
		findings = append(findings, Finding{
			Category: "stale_privileged_access",
			Severity: severity,
			Message: fmt.Sprintf("user %s holds active assignments with no recorded activity in the last %d days",
				u, int(policy.StaleAccessWindow.Hours()/24)),
			Recommendation: "confirm the user still needs access or revoke the assignments",
		})
	}
	return findings
}

func checkOrphanedAssignments(snap Snapshot, _ AuditPolicy, _ time.Time) []Finding {
	var findings []Finding
	for _, a := range snap.Assignments {
		if a.Status != AssignmentActive {
			continue
		}
		if _, ok := snap.KnownUsers[a.UserID]; ok {
			continue
		}
		findings = append(findings, Finding{
			Category: "orphaned_assignments",
			Severity: SeverityHigh,
			Message: fmt.Sprintf("assignment of role %s references user %s which no longer resolves",
				a.RoleID, a.UserID),
			Recommendation: "revoke the assignment and investigate how the identity was removed without cleanup",
		})
	}
	return findings
}

func checkSensitiveAccessVolume(snap Snapshot, policy AuditPolicy, now time.Time) []Finding {
	if policy.SensitiveCategory == "" {
		return nil
	}
	cutoff := now.Add(-policy.SensitiveAccessWindow)
	count := 0
	for _, e := range snap.AccessEvents {
		if e.Category == policy.SensitiveCategory && e.OccurredAt.After(cutoff) {
			count++
		}
	}
	if count <= policy.SensitiveAccessLimit {
		return nil
	}
	return []Finding{{
		Category: "sensitive_access_volume",
		Severity: SeverityInfo,
		Message: fmt.Sprintf("%d accesses to %s data in the last %d days exceed the expected volume of %d",
			count, policy.SensitiveCategory, int(policy.SensitiveAccessWindow.Hours()/24), policy.SensitiveAccessLimit),
		Recommendation: "verify the access pattern is expected; no action required if it is",
	}}
}
