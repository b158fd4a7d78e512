package rbac

import (
	"context"
	"fmt"
	"strings"

	"mudun.org/internal/ids"
)

// SubmitRoleRequest creates a pending request and immediately runs the
// auto-approval evaluator. When a rule matches, the request is approved and
// the assignment activated synchronously, so the caller never observes
// pending for auto-approved cases.
func (s *Service) SubmitRoleRequest(ctx context.Context, requesterID, roleID, scope, justification string) (RoleRequest, error) {
	requesterID = strings.TrimSpace(requesterID)
	roleID = strings.TrimSpace(roleID)
	scope = strings.TrimSpace(scope)
	justification = strings.TrimSpace(justification)
	if requesterID == "" || roleID == "" {
		return RoleRequest{}, fmt.Errorf("%w: requester_id and role_id are required", ErrInvalidInput)
	}
	if justification == "" {
		return RoleRequest{}, fmt.Errorf("%w: justification is required", ErrInvalidInput)
	}

	profile, err := s.identity.Resolve(ctx, requesterID)
	if err != nil {
		return RoleRequest{}, err
	}
	role, err := s.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		return RoleRequest{}, err
	}
	if err := validateScope(role, scope); err != nil {
		return RoleRequest{}, err
	}
	existing, err := s.EffectivePermissions(ctx, requesterID)
	if err != nil {
		return RoleRequest{}, err
	}

	req := RoleRequest{
		ID:            ids.New(),
		RequesterID:   requesterID,
		RoleID:        roleID,
		Scope:         scope,
		Justification: justification,
		Status:        RequestPending,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.Requests(ctx).Create(ctx, &req); err != nil {
		return RoleRequest{}, err
	}
	s.logAccess(ctx, requesterID, "", "rbac.request.submit", "", req.ID, map[string]string{
		"role_id": roleID,
	})

	decision := s.evaluator.Evaluate(ApprovalInput{Profile: profile, Role: role, Existing: existing})
	if !decision.AutoApprove {
		s.notify(ctx, []string{requesterID}, "Role request submitted",
			fmt.Sprintf("Your request for %q is pending review.", role.Name),
			map[string]string{"request_id": req.ID})
		return req, nil
	}

	decided, err := s.store.Requests(ctx).Decide(ctx, req.ID, RequestApproved, "auto:"+decision.Rule, "", s.now().UTC())
	if err != nil {
		return RoleRequest{}, err
	}
	if _, err := s.AssignRole(ctx, "auto:"+decision.Rule, requesterID, roleID, scope, MethodAuto); err != nil {
		return RoleRequest{}, err
	}
	s.notify(ctx, []string{requesterID}, "Role request approved",
		fmt.Sprintf("Your request for %q was approved automatically: %s", role.Name, decision.Reason),
		map[string]string{"request_id": req.ID})
	return decided, nil
}

// ApproveRoleRequest decides a pending request in the requester's favor and
// activates the assignment. A request already decided by a concurrent
// approver yields ErrInvalidState.
func (s *Service) ApproveRoleRequest(ctx context.Context, requestID, approverID string) (RoleAssignment, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return RoleAssignment{}, fmt.Errorf("%w: request_id is required", ErrInvalidInput)
	}
	if err := s.requirePermission(ctx, approverID, PermApproveRequests); err != nil {
		return RoleAssignment{}, err
	}

	decided, err := s.store.Requests(ctx).Decide(ctx, requestID, RequestApproved, approverID, "", s.now().UTC())
	if err != nil {
		return RoleAssignment{}, err
	}
	assignment, err := s.AssignRole(ctx, approverID, decided.RequesterID, decided.RoleID, decided.Scope, MethodManual)
	if err != nil {
		return RoleAssignment{}, err
	}
	s.logAccess(ctx, approverID, decided.RequesterID, "rbac.request.approve", RequestPending, RequestApproved, map[string]string{
		"request_id": requestID,
	})
	s.notify(ctx, []string{decided.RequesterID}, "Role request approved",
		"Your role request was approved.",
		map[string]string{"request_id": requestID, "role_id": decided.RoleID})
	return assignment, nil
}

// RejectRoleRequest decides a pending request against the requester. The
// reason is mandatory, stored verbatim and included in the notification so
// the requester's UI can explain the outcome.
func (s *Service) RejectRoleRequest(ctx context.Context, requestID, approverID, reason string) error {
	requestID = strings.TrimSpace(requestID)
	reason = strings.TrimSpace(reason)
	if requestID == "" {
		return fmt.Errorf("%w: request_id is required", ErrInvalidInput)
	}
	if reason == "" {
		return fmt.Errorf("%w: rejection reason is required", ErrInvalidInput)
	}
	if err := s.requirePermission(ctx, approverID, PermApproveRequests); err != nil {
		return err
	}

	decided, err := s.store.Requests(ctx).Decide(ctx, requestID, RequestRejected, approverID, reason, s.now().UTC())
	if err != nil {
		return err
	}
	s.logAccess(ctx, approverID, decided.RequesterID, "rbac.request.reject", RequestPending, RequestRejected, map[string]string{
		"request_id": requestID,
	})
	s.notify(ctx, []string{decided.RequesterID}, "Role request rejected",
		fmt.Sprintf("Your role request was rejected: %s", reason),
		map[string]string{"request_id": requestID})
	return nil
}

// GetRoleRequest fetches one request.
func (s *Service) GetRoleRequest(ctx context.Context, requestID string) (RoleRequest, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return RoleRequest{}, fmt.Errorf("%w: request_id is required", ErrInvalidInput)
	}
	return s.store.Requests(ctx).Find(ctx, requestID)
}

// ListRoleRequests returns requests filtered by status.
func (s *Service) ListRoleRequests(ctx context.Context, status string) ([]RoleRequest, error) {
	switch status {
	case RequestPending, RequestApproved, RequestRejected:
	default:
		return nil, fmt.Errorf("%w: unsupported request status %s", ErrInvalidInput, status)
	}
	return s.store.Requests(ctx).ListByStatus(ctx, status)
}
