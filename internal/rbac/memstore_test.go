package rbac

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store used by the service tests. It mirrors the
// contract the Postgres implementation provides, including the idempotent
// activation of the active (user, role, scope) tuple and the guarded
// single-decision transitions.
type memStore struct {
	mu          sync.Mutex
	roles       map[string]Role
	assignments []RoleAssignment
	requests    map[string]RoleRequest
	delegations map[string]Delegation
	audits      []SecurityAudit
	accessLog   []AccessLogEntry
}

func newMemStore() *memStore {
	return &memStore{
		roles:       map[string]Role{},
		requests:    map[string]RoleRequest{},
		delegations: map[string]Delegation{},
	}
}

func (m *memStore) Roles(context.Context) RoleStore             { return memRoles{m} }
func (m *memStore) Assignments(context.Context) AssignmentStore { return memAssignments{m} }
func (m *memStore) Requests(context.Context) RequestStore       { return memRequests{m} }
func (m *memStore) Delegations(context.Context) DelegationStore { return memDelegations{m} }
func (m *memStore) Audits(context.Context) AuditStore           { return memAudits{m} }
func (m *memStore) AccessLog(context.Context) AccessLogStore    { return memAccessLog{m} }

type memRoles struct{ s *memStore }

func (r memRoles) Create(_ context.Context, role *Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.roles {
		if existing.Name == role.Name {
			return ErrStorageConflict
		}
	}
	r.s.roles[role.ID] = *role
	return nil
}

func (r memRoles) Find(_ context.Context, roleID string) (Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[roleID]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return role, nil
}

func (r memRoles) List(context.Context) ([]Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	roles := make([]Role, 0, len(r.s.roles))
	for _, role := range r.s.roles {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (r memRoles) Update(_ context.Context, roleID string, upd RoleUpdate) (Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[roleID]
	if !ok {
		return Role{}, ErrRoleNotFound
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

type memAssignments struct{ s *memStore }

func (a memAssignments) Activate(_ context.Context, assignment RoleAssignment) (RoleAssignment, bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for _, existing := range a.s.assignments {
		if existing.Status == AssignmentActive &&
			existing.UserID == assignment.UserID &&
			existing.RoleID == assignment.RoleID &&
			existing.Scope == assignment.Scope {
			return existing, false, nil
		}
	}
	a.s.assignments = append(a.s.assignments, assignment)
	return assignment, true, nil
}

func (a memAssignments) Revoke(_ context.Context, userID, roleID, scope, revokedBy string, at time.Time) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for i, existing := range a.s.assignments {
		if existing.Status == AssignmentActive &&
			existing.UserID == userID && existing.RoleID == roleID && existing.Scope == scope {
			existing.Status = AssignmentRevoked
			existing.RevokedAt = &at
			existing.RevokedBy = revokedBy
			a.s.assignments[i] = existing
			return nil
		}
	}
	return ErrAssignmentNotFound
}

func (a memAssignments) ListForUser(_ context.Context, userID string, includeRevoked bool) ([]RoleAssignment, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []RoleAssignment
	for _, existing := range a.s.assignments {
		if existing.UserID != userID {
			continue
		}
		if !includeRevoked && existing.Status != AssignmentActive {
			continue
		}
		out = append(out, existing)
	}
	return out, nil
}

func (a memAssignments) ListActive(_ context.Context, scope string) ([]RoleAssignment, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []RoleAssignment
	for _, existing := range a.s.assignments {
		if existing.Status != AssignmentActive {
			continue
		}
		if scope != "" && existing.Scope != scope {
			continue
		}
		out = append(out, existing)
	}
	return out, nil
}

type memRequests struct{ s *memStore }

func (r memRequests) Create(_ context.Context, req *RoleRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.requests[req.ID] = *req
	return nil
}

func (r memRequests) Find(_ context.Context, requestID string) (RoleRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.requests[requestID]
	if !ok {
		return RoleRequest{}, ErrRequestNotFound
	}
	return req, nil
}

func (r memRequests) Decide(_ context.Context, requestID, status, decidedBy, reason string, at time.Time) (RoleRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.requests[requestID]
	if !ok {
		return RoleRequest{}, ErrRequestNotFound
	}
	if req.Status != RequestPending {
		return RoleRequest{}, ErrInvalidState
	}
	req.Status = status
	req.DecidedAt = &at
	req.DecidedBy = decidedBy
	req.RejectionReason = reason
	r.s.requests[requestID] = req
	return req, nil
}

func (r memRequests) ListByStatus(_ context.Context, status string) ([]RoleRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []RoleRequest
	for _, req := range r.s.requests {
		if req.Status == status {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memDelegations struct{ s *memStore }

func (d memDelegations) Create(_ context.Context, del *Delegation) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.delegations[del.ID] = *del
	return nil
}

func (d memDelegations) Find(_ context.Context, delegationID string) (Delegation, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	del, ok := d.s.delegations[delegationID]
	if !ok {
		return Delegation{}, ErrDelegationNotFound
	}
	return del, nil
}

func (d memDelegations) Transition(_ context.Context, delegationID string, from []string, to, actorID, note string, at time.Time) (Delegation, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	del, ok := d.s.delegations[delegationID]
	if !ok {
		return Delegation{}, ErrDelegationNotFound
	}
	allowed := false
	for _, st := range from {
		if del.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return Delegation{}, ErrInvalidState
	}
	del.Status = to
	switch to {
	case DelegationApproved, DelegationRejected:
		del.ApprovedBy = actorID
		del.DecidedAt = &at
	case DelegationRevoked:
		del.RevokedBy = actorID
		del.RevokeNote = note
		del.DecidedAt = &at
	}
	d.s.delegations[delegationID] = del
	return del, nil
}

func (d memDelegations) ListForDelegate(_ context.Context, delegateID string) ([]Delegation, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var out []Delegation
	for _, del := range d.s.delegations {
		if del.DelegateID != delegateID {
			continue
		}
		if del.Status != DelegationApproved && del.Status != DelegationActive {
			continue
		}
		out = append(out, del)
	}
	return out, nil
}

func (d memDelegations) ListByStatus(_ context.Context, status string) ([]Delegation, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var out []Delegation
	for _, del := range d.s.delegations {
		if del.Status == status {
			out = append(out, del)
		}
	}
	return out, nil
}

type memAudits struct{ s *memStore }

func (a memAudits) Create(_ context.Context, audit *SecurityAudit) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.audits = append(a.s.audits, *audit)
	return nil
}

func (a memAudits) List(_ context.Context, scope string, limit int) ([]SecurityAudit, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []SecurityAudit
	for _, audit := range a.s.audits {
		if scope != "" && audit.Scope != scope {
			continue
		}
		out = append(out, audit)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memAccessLog struct{ s *memStore }

func (l memAccessLog) Append(_ context.Context, entry *AccessLogEntry) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.accessLog = append(l.s.accessLog, *entry)
	return nil
}

func (l memAccessLog) EventsSince(_ context.Context, since time.Time) ([]AccessLogEntry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	var out []AccessLogEntry
	for _, e := range l.s.accessLog {
		if !e.OccurredAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l memAccessLog) LastActivity(context.Context) (map[string]time.Time, error) {
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

// memIdentity resolves profiles from a fixed map.
type memIdentity map[string]Profile

func (m memIdentity) Resolve(_ context.Context, userID string) (Profile, error) {
	p, ok := m[userID]
	if !ok {
		return Profile{}, ErrUnknownIdentity
	}
	return p, nil
}

// captureNotifier records every dispatched notification.
type captureNotifier struct {
	mu   sync.Mutex
	sent []capturedNotification
}

type capturedNotification struct {
	Recipients []string
	Title      string
	Message    string
	Meta       map[string]string
}

func (n *captureNotifier) Notify(_ context.Context, recipients []string, title, message string, meta map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, capturedNotification{Recipients: recipients, Title: title, Message: message, Meta: meta})
	return nil
}

func (n *captureNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Title)
	}
	return out
}
