package rbac

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mudun.org/internal/ids"
	"mudun.org/internal/obs"
)

const sweepActor = "system:sweep"

// ProposeDelegation creates a pending delegation of a role the delegator
// actively holds. The window must end after it starts and may start at most
// StartGrace in the past.
func (s *Service) ProposeDelegation(ctx context.Context, delegatorID, delegateID, roleID, scope string, startsAt, endsAt time.Time) (Delegation, error) {
	delegatorID = strings.TrimSpace(delegatorID)
	delegateID = strings.TrimSpace(delegateID)
	roleID = strings.TrimSpace(roleID)
	scope = strings.TrimSpace(scope)
	if delegatorID == "" || delegateID == "" || roleID == "" {
		return Delegation{}, fmt.Errorf("%w: delegator_id, delegate_id and role_id are required", ErrInvalidInput)
	}
	if delegatorID == delegateID {
		return Delegation{}, ErrSelfDelegation
	}
	if !endsAt.After(startsAt) {
		return Delegation{}, fmt.Errorf("%w: ends_at must be after starts_at", ErrInvalidWindow)
	}
	if startsAt.Before(s.now().Add(-s.delegationPolicy.StartGrace)) {
		return Delegation{}, fmt.Errorf("%w: starts_at is in the past", ErrInvalidWindow)
	}

	if _, err := s.identity.Resolve(ctx, delegatorID); err != nil {
		return Delegation{}, err
	}
	if _, err := s.identity.Resolve(ctx, delegateID); err != nil {
		return Delegation{}, err
	}
	role, err := s.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		return Delegation{}, err
	}
	if err := validateScope(role, scope); err != nil {
		return Delegation{}, err
	}
	if err := s.requireActiveAssignment(ctx, delegatorID, roleID, scope); err != nil {
		return Delegation{}, err
	}

	d := Delegation{
		ID:          ids.New(),
		DelegatorID: delegatorID,
		DelegateID:  delegateID,
		RoleID:      roleID,
		Scope:       scope,
		StartsAt:    startsAt.UTC(),
		EndsAt:      endsAt.UTC(),
		Status:      DelegationPending,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.Delegations(ctx).Create(ctx, &d); err != nil {
		return Delegation{}, err
	}
	s.logAccess(ctx, delegatorID, delegateID, "rbac.delegation.propose", "", d.ID, map[string]string{
		"role_id": roleID,
	})
	s.notify(ctx, []string{delegateID}, "Delegation proposed",
		fmt.Sprintf("%s proposed delegating %q to you, pending approval.", delegatorID, role.Name),
		map[string]string{"delegation_id": d.ID})
	return d, nil
}

// ApproveDelegation moves a pending delegation to approved. Activation is
// time-driven: the sweep (or lazy evaluation during permission resolution)
// takes over once the window opens.
func (s *Service) ApproveDelegation(ctx context.Context, delegationID, approverID string) (Delegation, error) {
	delegationID = strings.TrimSpace(delegationID)
	if delegationID == "" {
		return Delegation{}, fmt.Errorf("%w: delegation_id is required", ErrInvalidInput)
	}
	if err := s.requirePermission(ctx, approverID, PermApproveDelegations); err != nil {
		return Delegation{}, err
	}
	d, err := s.store.Delegations(ctx).Transition(ctx, delegationID,
		[]string{DelegationPending}, DelegationApproved, approverID, "", s.now().UTC())
	if err != nil {
		return Delegation{}, err
	}
	s.logAccess(ctx, approverID, d.DelegateID, "rbac.delegation.approve", DelegationPending, DelegationApproved, map[string]string{
		"delegation_id": delegationID,
	})
	s.notify(ctx, []string{d.DelegatorID, d.DelegateID}, "Delegation approved",
		"The proposed delegation was approved and will activate when its window opens.",
		map[string]string{"delegation_id": delegationID})
	return d, nil
}

// RejectDelegation declines a pending delegation.
func (s *Service) RejectDelegation(ctx context.Context, delegationID, approverID, reason string) error {
	delegationID = strings.TrimSpace(delegationID)
	reason = strings.TrimSpace(reason)
	if delegationID == "" {
		return fmt.Errorf("%w: delegation_id is required", ErrInvalidInput)
	}
	if reason == "" {
		return fmt.Errorf("%w: rejection reason is required", ErrInvalidInput)
	}
	if err := s.requirePermission(ctx, approverID, PermApproveDelegations); err != nil {
		return err
	}
	d, err := s.store.Delegations(ctx).Transition(ctx, delegationID,
		[]string{DelegationPending}, DelegationRejected, approverID, reason, s.now().UTC())
	if err != nil {
		return err
	}
	s.logAccess(ctx, approverID, d.DelegateID, "rbac.delegation.reject", DelegationPending, DelegationRejected, map[string]string{
		"delegation_id": delegationID,
	})
	s.notify(ctx, []string{d.DelegatorID, d.DelegateID}, "Delegation rejected",
		fmt.Sprintf("The proposed delegation was rejected: %s", reason),
		map[string]string{"delegation_id": delegationID})
	return nil
}

// RevokeDelegation is the admin override: it ends effective access
// immediately, from approved or active, regardless of the remaining window.
func (s *Service) RevokeDelegation(ctx context.Context, delegationID, adminID, reason string) error {
	delegationID = strings.TrimSpace(delegationID)
	reason = strings.TrimSpace(reason)
	if delegationID == "" {
		return fmt.Errorf("%w: delegation_id is required", ErrInvalidInput)
	}
	if err := s.requirePermission(ctx, adminID, PermRevokeDelegations); err != nil {
		return err
	}
	d, err := s.store.Delegations(ctx).Transition(ctx, delegationID,
		[]string{DelegationApproved, DelegationActive}, DelegationRevoked, adminID, reason, s.now().UTC())
	if err != nil {
		return err
	}
	s.logAccess(ctx, adminID, d.DelegateID, "rbac.delegation.revoke", d.Status, DelegationRevoked, map[string]string{
		"delegation_id": delegationID,
	})
	s.notify(ctx, []string{d.DelegatorID, d.DelegateID}, "Delegation revoked",
		fmt.Sprintf("The delegation was revoked by an administrator: %s", reason),
		map[string]string{"delegation_id": delegationID})
	return nil
}

// GetDelegation fetches one delegation.
func (s *Service) GetDelegation(ctx context.Context, delegationID string) (Delegation, error) {
	delegationID = strings.TrimSpace(delegationID)
	if delegationID == "" {
		return Delegation{}, fmt.Errorf("%w: delegation_id is required", ErrInvalidInput)
	}
	return s.store.Delegations(ctx).Find(ctx, delegationID)
}

// SweepDelegations performs the durable time-driven transitions: approved
// delegations whose window has opened become active, and approved or active
// delegations past their window expire. Permission resolution does not depend
// on the sweep; it exists so stored statuses converge with effective ones.
func (s *Service) SweepDelegations(ctx context.Context) (activated, expired int, err error) {
	now := s.now().UTC()
	delegations := s.store.Delegations(ctx)

	approved, err := delegations.ListByStatus(ctx, DelegationApproved)
	if err != nil {
		return 0, 0, err
	}
	for _, d := range approved {
		switch {
		case !now.Before(d.EndsAt):
			if _, err := delegations.Transition(ctx, d.ID, []string{DelegationApproved}, DelegationExpired, sweepActor, "", now); err == nil {
				expired++
			}
		case !now.Before(d.StartsAt):
			if _, err := delegations.Transition(ctx, d.ID, []string{DelegationApproved}, DelegationActive, sweepActor, "", now); err == nil {
				activated++
			}
		}
	}

	active, err := delegations.ListByStatus(ctx, DelegationActive)
	if err != nil {
		return activated, expired, err
	}
	for _, d := range active {
		if now.Before(d.EndsAt) {
			continue
		}
		if _, err := delegations.Transition(ctx, d.ID, []string{DelegationActive}, DelegationExpired, sweepActor, "", now); err == nil {
			expired++
		}
	}

	if activated > 0 {
		obs.AddDelegationTransitions(DelegationActive, activated)
	}
	if expired > 0 {
		obs.AddDelegationTransitions(DelegationExpired, expired)
	}
	return activated, expired, nil
}

// requireActiveAssignment ensures the delegator actively holds what they are
// delegating.
func (s *Service) requireActiveAssignment(ctx context.Context, userID, roleID, scope string) error {
	assignments, err := s.store.Assignments(ctx).ListForUser(ctx, userID, false)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if a.RoleID == roleID && a.Scope == scope {
			return nil
		}
	}
	return fmt.Errorf("%w: %s does not hold role %s", ErrUnauthorized, userID, roleID)
}
