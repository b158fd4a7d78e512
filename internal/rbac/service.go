package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mudun.org/internal/ids"
	"mudun.org/internal/obs"
)

// Service is the single entry point for RBAC operations: assignments, role
// requests, delegations, security audits and effective-permission resolution.
// It orchestrates the store, the auto-approval evaluator and the notifier;
// hosts embed it and expose whatever surface they need.
type Service struct {
	store     Store
	identity  IdentityResolver
	notifier  Notifier
	evaluator *Evaluator

	auditPolicy      AuditPolicy
	delegationPolicy DelegationPolicy

	now func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithNotifier sets the notification sink. Defaults to NopNotifier.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) error {
		if n != nil {
			s.notifier = n
		}
		return nil
	}
}

// WithApprovalRules replaces the auto-approval rule table.
func WithApprovalRules(rules ...ApprovalRule) ServiceOption {
	return func(s *Service) error {
		s.evaluator = NewEvaluator(rules...)
		return nil
	}
}

// WithAuditPolicy overrides the security audit thresholds.
func WithAuditPolicy(p AuditPolicy) ServiceOption {
	return func(s *Service) error {
		if p.PrivilegedHolderLimit <= 0 || p.StaleAccessWindow <= 0 {
			return errors.New("rbac: audit policy thresholds must be positive")
		}
		s.auditPolicy = p
		return nil
	}
}

// WithDelegationPolicy overrides delegation window tolerances.
func WithDelegationPolicy(p DelegationPolicy) ServiceOption {
	return func(s *Service) error {
		if p.StartGrace < 0 {
			return errors.New("rbac: delegation start grace must not be negative")
		}
		s.delegationPolicy = p
		return nil
	}
}

// NewService constructs the facade.
func NewService(store Store, identity IdentityResolver, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("rbac: store is required")
	}
	if identity == nil {
		return nil, errors.New("rbac: identity resolver is required")
	}
	svc := &Service{
		store:            store,
		identity:         identity,
		notifier:         NopNotifier{},
		evaluator:        NewEvaluator(DefaultApprovalRules()...),
		auditPolicy:      DefaultAuditPolicy(),
		delegationPolicy: DefaultDelegationPolicy(),
		now:              time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// ListRoles returns the role catalog.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.Roles(ctx).List(ctx)
}

// GetRole fetches one role definition.
func (s *Service) GetRole(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.Roles(ctx).Find(ctx, roleID)
}

// CreateRole registers a new catalog role. Administrative, off the hot path.
func (s *Service) CreateRole(ctx context.Context, role Role) (Role, error) {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	switch role.ScopeClass {
	case ScopeGlobal, ScopeOrganization, ScopeMunicipality:
	case "":
		role.ScopeClass = ScopeGlobal
	default:
		return Role{}, fmt.Errorf("%w: unsupported scope class %s", ErrInvalidInput, role.ScopeClass)
	}
	role.Permissions = dedupeStrings(role.Permissions)
	if role.ID == "" {
		role.ID = ids.New()
	}
	now := s.now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now
	if err := s.store.Roles(ctx).Create(ctx, &role); err != nil {
		return Role{}, err
	}
	return role, nil
}

// UpdateRole mutates a catalog role.
func (s *Service) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	if upd.Permissions != nil {
		upd.Permissions = dedupeStrings(upd.Permissions)
	}
	return s.store.Roles(ctx).Update(ctx, roleID, upd)
}

// AssignRole idempotently activates the (user, role, scope) tuple. Re-assigning
// an already-active tuple succeeds without creating a duplicate.
func (s *Service) AssignRole(ctx context.Context, actorID, userID, roleID, scope, method string) (RoleAssignment, error) {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	scope = strings.TrimSpace(scope)
	if userID == "" || roleID == "" {
		return RoleAssignment{}, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	switch method {
	case MethodManual, MethodAuto, MethodDelegated:
	case "":
		method = MethodManual
	default:
		return RoleAssignment{}, fmt.Errorf("%w: unsupported assignment method %s", ErrInvalidInput, method)
	}
	role, err := s.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		return RoleAssignment{}, err
	}
	if err := validateScope(role, scope); err != nil {
		return RoleAssignment{}, err
	}
	if _, err := s.identity.Resolve(ctx, userID); err != nil {
		return RoleAssignment{}, err
	}

	assignment := RoleAssignment{
		UserID:     userID,
		RoleID:     roleID,
		Scope:      scope,
		Status:     AssignmentActive,
		Method:     method,
		AssignedAt: s.now().UTC(),
		AssignedBy: actorID,
	}
	stored, created, err := s.store.Assignments(ctx).Activate(ctx, assignment)
	if err != nil {
		return RoleAssignment{}, err
	}
	if created {
		s.logAccess(ctx, actorID, userID, "rbac.assignment.activate", "", roleAtScope(roleID, scope), map[string]string{
			"method": method,
		})
		s.notify(ctx, []string{userID}, "Role assigned",
			fmt.Sprintf("You were granted the role %q.", role.Name),
			map[string]string{"role_id": roleID, "scope": scope})
	}
	return stored, nil
}

// RevokeRole marks the active tuple revoked. ErrAssignmentNotFound when no
// active assignment matches; revocation never silently succeeds.
func (s *Service) RevokeRole(ctx context.Context, actorID, userID, roleID, scope string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	scope = strings.TrimSpace(scope)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	if err := s.store.Assignments(ctx).Revoke(ctx, userID, roleID, scope, actorID, s.now().UTC()); err != nil {
		return err
	}
	s.logAccess(ctx, actorID, userID, "rbac.assignment.revoke", roleAtScope(roleID, scope), "", nil)
	s.notify(ctx, []string{userID}, "Role revoked",
		"One of your role assignments was revoked.",
		map[string]string{"role_id": roleID, "scope": scope})
	return nil
}

// ListAssignments returns a user's assignments; active only unless
// includeRevoked is set for audit/history views.
func (s *Service) ListAssignments(ctx context.Context, userID string, includeRevoked bool) ([]RoleAssignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.Assignments(ctx).ListForUser(ctx, userID, includeRevoked)
}

// EffectivePermissions resolves the union of a user's active assignment
// permissions and any delegation currently in effect for them, expanded
// through the role catalog. The union is computed at query time and never
// materialized, so revocations and expiries take effect immediately.
func (s *Service) EffectivePermissions(ctx context.Context, userID string) (PermissionSet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	perms := PermissionSet{}

	assignments, err := s.store.Assignments(ctx).ListForUser(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	roles := s.store.Roles(ctx)
	for _, a := range assignments {
		role, err := roles.Find(ctx, a.RoleID)
		if err != nil {
			if errors.Is(err, ErrRoleNotFound) {
				continue
			}
			return nil, err
		}
		for _, p := range role.Permissions {
			perms[p] = struct{}{}
		}
	}

	now := s.now()
	delegations, err := s.store.Delegations(ctx).ListForDelegate(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, d := range delegations {
		if !d.EffectiveAt(now) {
			continue
		}
		role, err := roles.Find(ctx, d.RoleID)
		if err != nil {
			if errors.Is(err, ErrRoleNotFound) {
				continue
			}
			return nil, err
		}
		for _, p := range role.Permissions {
			perms[p] = struct{}{}
		}
	}
	return perms, nil
}

// RunSecurityAudit executes the audit checks over a consistent read of the
// assignment store and access log, persists the completed run and returns it.
func (s *Service) RunSecurityAudit(ctx context.Context, actorID, scope string) (SecurityAudit, error) {
	if err := s.requirePermission(ctx, actorID, PermRunSecurityAudit); err != nil {
		return SecurityAudit{}, err
	}
	return s.runAudit(ctx, actorID, scope)
}

// RunScheduledAudit is the entry point for the in-process scheduler. The
// permission gate only applies to external callers.
func (s *Service) RunScheduledAudit(ctx context.Context, scope string) (SecurityAudit, error) {
	return s.runAudit(ctx, "system:scheduler", scope)
}

func (s *Service) runAudit(ctx context.Context, actorID, scope string) (SecurityAudit, error) {
	snap, err := s.buildSnapshot(ctx, scope)
	if err != nil {
		return SecurityAudit{}, err
	}
	now := s.now().UTC()
	findings, score := EvaluateAudit(snap, s.auditPolicy, now)
	audit := SecurityAudit{
		ID:          ids.New(),
		Scope:       scope,
		Findings:    findings,
		Score:       score,
		CompletedAt: now,
	}
	if err := s.store.Audits(ctx).Create(ctx, &audit); err != nil {
		return SecurityAudit{}, err
	}
	obs.SetAuditScore(scope, score)
	s.logAccess(ctx, actorID, "", "rbac.audit.run", "", "", map[string]string{
		"scope":    scope,
		"score":    fmt.Sprintf("%d", score),
		"findings": fmt.Sprintf("%d", len(findings)),
	})
	return audit, nil
}

// ListSecurityAudits returns historical runs for trend comparison, newest
// first.
func (s *Service) ListSecurityAudits(ctx context.Context, scope string, limit int) ([]SecurityAudit, error) {
	return s.store.Audits(ctx).List(ctx, scope, limit)
}

// RecordAccess appends a data-access event to the access log. Hosts call this
// when gated reads against categorized data occur; the audit engine consumes
// the volume.
func (s *Service) RecordAccess(ctx context.Context, actorID, category string) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	return s.store.AccessLog(ctx).Append(ctx, &AccessLogEntry{
		ID:         ids.New(),
		OccurredAt: s.now().UTC(),
		ActorID:    actorID,
		Action:     "data.access",
		Category:   category,
	})
}

func (s *Service) buildSnapshot(ctx context.Context, scope string) (Snapshot, error) {
	assignments, err := s.store.Assignments(ctx).ListActive(ctx, scope)
	if err != nil {
		return Snapshot{}, err
	}
	roleList, err := s.store.Roles(ctx).List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	roles := make(map[string]Role, len(roleList))
	for _, r := range roleList {
		roles[r.ID] = r
	}

	known := map[string]struct{}{}
	seen := map[string]struct{}{}
	for _, a := range assignments {
		if _, ok := seen[a.UserID]; ok {
			continue
		}
		seen[a.UserID] = struct{}{}
		if _, err := s.identity.Resolve(ctx, a.UserID); err != nil {
			if errors.Is(err, ErrUnknownIdentity) {
				continue
			}
			return Snapshot{}, err
		}
		known[a.UserID] = struct{}{}
	}

	activity, err := s.store.AccessLog(ctx).LastActivity(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	window := s.auditPolicy.StaleAccessWindow
	if s.auditPolicy.SensitiveAccessWindow > window {
		window = s.auditPolicy.SensitiveAccessWindow
	}
	events, err := s.store.AccessLog(ctx).EventsSince(ctx, s.now().Add(-window))
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Scope:        scope,
		Assignments:  assignments,
		Roles:        roles,
		KnownUsers:   known,
		LastActivity: activity,
		AccessEvents: events,
	}, nil
}

// requirePermission ensures the actor's effective permissions include the key.
func (s *Service) requirePermission(ctx context.Context, actorID, perm string) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ErrUnauthorized
	}
	perms, err := s.EffectivePermissions(ctx, actorID)
	if err != nil {
		return err
	}
	if !perms.Has(perm) {
		return fmt.Errorf("%w: %s requires %s", ErrUnauthorized, actorID, perm)
	}
	return nil
}

// logAccess appends an access-log row. Append failures do not fail the
// operation that already committed; they are logged and dropped.
func (s *Service) logAccess(ctx context.Context, actorID, subjectID, action, before, after string, meta map[string]string) {
	entry := &AccessLogEntry{
		ID:         ids.New(),
		OccurredAt: s.now().UTC(),
		ActorID:    actorID,
		SubjectID:  subjectID,
		Action:     action,
		Before:     before,
		After:      after,
		Metadata:   meta,
	}
	if err := s.store.AccessLog(ctx).Append(ctx, entry); err != nil {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "access log append failed",
			"event": action,
			"error": err.Error(),
		})
	}
}

// notify dispatches a best-effort notification after the state change has
// committed. Failures are logged and discarded.
func (s *Service) notify(ctx context.Context, recipients []string, title, message string, meta map[string]string) {
	if err := s.notifier.Notify(ctx, recipients, title, message, meta); err != nil {
		obs.LogRequest(map[string]any{
			"level": "warn",
			"msg":   "notification dispatch failed",
			"title": title,
			"error": err.Error(),
		})
	}
}

func validateScope(role Role, scope string) error {
	scope = strings.TrimSpace(scope)
	switch role.ScopeClass {
	case ScopeGlobal, "":
		if scope != "" {
			return fmt.Errorf("%w: role %s is global and accepts no scope", ErrInvalidScope, role.Name)
		}
	default:
		if scope == "" {
			return fmt.Errorf("%w: role %s requires a %s scope", ErrInvalidScope, role.Name, role.ScopeClass)
		}
	}
	return nil
}

func roleAtScope(roleID, scope string) string {
	if scope == "" {
		return roleID
	}
	return roleID + "@" + scope
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
