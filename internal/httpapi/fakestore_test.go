package httpapi

import (
	"context"
	"sort"
	"sync"
	"time"

	"mudun.org/internal/rbac"
)

// fakeStore backs handler tests with an in-memory rbac.Store honoring the
// same contracts as the Postgres implementation.
type fakeStore struct {
	mu          sync.Mutex
	roles       map[string]rbac.Role
	assignments []rbac.RoleAssignment
	requests    map[string]rbac.RoleRequest
	delegations map[string]rbac.Delegation
	audits      []rbac.SecurityAudit
	accessLog   []rbac.AccessLogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roles:       map[string]rbac.Role{},
		requests:    map[string]rbac.RoleRequest{},
		delegations: map[string]rbac.Delegation{},
	}
}

func (f *fakeStore) Roles(context.Context) rbac.RoleStore             { return fakeRoles{f} }
func (f *fakeStore) Assignments(context.Context) rbac.AssignmentStore { return fakeAssignments{f} }
func (f *fakeStore) Requests(context.Context) rbac.RequestStore       { return fakeRequests{f} }
func (f *fakeStore) Delegations(context.Context) rbac.DelegationStore { return fakeDelegations{f} }
func (f *fakeStore) Audits(context.Context) rbac.AuditStore           { return fakeAudits{f} }
func (f *fakeStore) AccessLog(context.Context) rbac.AccessLogStore    { return fakeAccessLog{f} }

type fakeRoles struct{ s *fakeStore }

func (r fakeRoles) Create(_ context.Context, role *rbac.Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.roles {
		if existing.Name == role.Name {
			return rbac.ErrStorageConflict
		}
	}
	r.s.roles[role.ID] = *role
	return nil
}

func (r fakeRoles) Find(_ context.Context, roleID string) (rbac.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[roleID]
	if !ok {
		return rbac.Role{}, rbac.ErrRoleNotFound
	}
	return role, nil
}

func (r fakeRoles) List(context.Context) ([]rbac.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	roles := make([]rbac.Role, 0, len(r.s.roles))
	for _, role := range r.s.roles {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (r fakeRoles) Update(_ context.Context, roleID string, upd rbac.RoleUpdate) (rbac.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[roleID]
	if !ok {
		return rbac.Role{}, rbac.ErrRoleNotFound
	}
	if upd.Name != nil {
		role.Name = *upd.Name
	}
	if upd.Permissions != nil {
		role.Permissions = upd.Permissions
	}
	if upd.Privileged != nil {
		role.Privileged = *upd.Privileged
	}
	r.s.roles[roleID] = role
	return role, nil
}

type fakeAssignments struct{ s *fakeStore }

func (a fakeAssignments) Activate(_ context.Context, assignment rbac.RoleAssignment) (rbac.RoleAssignment, bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for _, existing := range a.s.assignments {
		if existing.Status == rbac.AssignmentActive &&
			existing.UserID == assignment.UserID &&
			existing.RoleID == assignment.RoleID &&
			existing.Scope == assignment.Scope {
			return existing, false, nil
		}
	}
	a.s.assignments = append(a.s.assignments, assignment)
	return assignment, true, nil
}

func (a fakeAssignments) Revoke(_ context.Context, userID, roleID, scope, revokedBy string, at time.Time) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for i, existing := range a.s.assignments {
		if existing.Status == rbac.AssignmentActive &&
			existing.UserID == userID && existing.RoleID == roleID && existing.Scope == scope {
			existing.Status = rbac.AssignmentRevoked
			existing.RevokedAt = &at
			existing.RevokedBy = revokedBy
			a.s.assignments[i] = existing
			return nil
		}
	}
	return rbac.ErrAssignmentNotFound
}

func (a fakeAssignments) ListForUser(_ context.Context, userID string, includeRevoked bool) ([]rbac.RoleAssignment, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []rbac.RoleAssignment
	for _, existing := range a.s.assignments {
		if existing.UserID != userID {
			continue
		}
		if !includeRevoked && existing.Status != rbac.AssignmentActive {
			continue
		}
		out = append(out, existing)
	}
	return out, nil
}

func (a fakeAssignments) ListActive(_ context.Context, scope string) ([]rbac.RoleAssignment, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []rbac.RoleAssignment
	for _, existing := range a.s.assignments {
		if existing.Status != rbac.AssignmentActive {
			continue
		}
		if scope != "" && existing.Scope != scope {
			continue
		}
		out = append(out, existing)
	}
	return out, nil
}

type fakeRequests struct{ s *fakeStore }

func (r fakeRequests) Create(_ context.Context, req *rbac.RoleRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.requests[req.ID] = *req
	return nil
}

func (r fakeRequests) Find(_ context.Context, requestID string) (rbac.RoleRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.requests[requestID]
	if !ok {
		return rbac.RoleRequest{}, rbac.ErrRequestNotFound
	}
	return req, nil
}

func (r fakeRequests) Decide(_ context.Context, requestID, status, decidedBy, reason string, at time.Time) (rbac.RoleRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.requests[requestID]
	if !ok {
		return rbac.RoleRequest{}, rbac.ErrRequestNotFound
	}
	if req.Status != rbac.RequestPending {
		return rbac.RoleRequest{}, rbac.ErrInvalidState
	}
	req.Status = status
	req.DecidedAt = &at
	req.DecidedBy = decidedBy
	req.RejectionReason = reason
	r.s.requests[requestID] = req
	return req, nil
}

func (r fakeRequests) ListByStatus(_ context.Context, status string) ([]rbac.RoleRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []rbac.RoleRequest
	for _, req := range r.s.requests {
		if req.Status == status {
			out = append(out, req)
		}
	}
	return out, nil
}

type fakeDelegations struct{ s *fakeStore }

func (d fakeDelegations) Create(_ context.Context, del *rbac.Delegation) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.delegations[del.ID] = *del
	return nil
}

func (d fakeDelegations) Find(_ context.Context, delegationID string) (rbac.Delegation, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	del, ok := d.s.delegations[delegationID]
	if !ok {
		return rbac.Delegation{}, rbac.ErrDelegationNotFound
	}
	return del, nil
}

func (d fakeDelegations) Transition(_ context.Context, delegationID string, from []string, to, actorID, note string, at time.Time) (rbac.Delegation, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	del, ok := d.s.delegations[delegationID]
	if !ok {
		return rbac.Delegation{}, rbac.ErrDelegationNotFound
	}
	allowed := false
	for _, st := range from {
		if del.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return rbac.Delegation{}, rbac.ErrInvalidState
	}
	del.Status = to
	switch to {
	case rbac.DelegationApproved, rbac.DelegationRejected:
		del.ApprovedBy = actorID
		del.DecidedAt = &at
	case rbac.DelegationRevoked:
		del.RevokedBy = actorID
		del.RevokeNote = note
		del.DecidedAt = &at
	}
	d.s.delegations[delegationID] = del
	return del, nil
}

func (d fakeDelegations) ListForDelegate(_ context.Context, delegateID string) ([]rbac.Delegation, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var out []rbac.Delegation
	for _, del := range d.s.delegations {
		if del.DelegateID != delegateID {
			continue
		}
		if del.Status != rbac.DelegationApproved && del.Status != rbac.DelegationActive {
			continue
		}
		out = append(out, del)
	}
	return out, nil
}

func (d fakeDelegations) ListByStatus(_ context.Context, status string) ([]rbac.Delegation, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var out []rbac.Delegation
	for _, del := range d.s.delegations {
		if del.Status == status {
			out = append(out, del)
		}
	}
	return out, nil
}

type fakeAudits struct{ s *fakeStore }

func (a fakeAudits) Create(_ context.Context, audit *rbac.SecurityAudit) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.audits = append(a.s.audits, *audit)
	return nil
}

func (a fakeAudits) List(_ context.Context, scope string, limit int) ([]rbac.SecurityAudit, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []rbac.SecurityAudit
	for _, audit := range a.s.audits {
		if scope != "" && audit.Scope != scope {
			continue
		}
		out = append(out, audit)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeAccessLog struct{ s *fakeStore }

func (l fakeAccessLog) Append(_ context.Context, entry *rbac.AccessLogEntry) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.accessLog = append(l.s.accessLog, *entry)
	return nil
}

func (l fakeAccessLog) EventsSince(_ context.Context, since time.Time) ([]rbac.AccessLogEntry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	var out []rbac.AccessLogEntry
	for _, e := range l.s.accessLog {
		if !e.OccurredAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l fakeAccessLog) LastActivity(context.Context) (map[string]time.Time, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	activity := map[string]time.Time{}
	for _, e := range l.s.accessLog {
		if last, ok := activity[e.ActorID]; !ok || e.OccurredAt.After(last) {
			activity[e.ActorID] = e.OccurredAt
		}
	}
	return activity, nil
}

// fakeIdentity resolves profiles from a fixed map.
type fakeIdentity map[string]rbac.Profile

func (m fakeIdentity) Resolve(_ context.Context, userID string) (rbac.Profile, error) {
	p, ok := m[userID]
	if !ok {
		return rbac.Profile{}, rbac.ErrUnknownIdentity
	}
	return p, nil
}
