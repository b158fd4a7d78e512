package rbac

// Permission keys gating the RBAC surface itself. Catalog roles reference
// these alongside platform-domain permissions.
const (
	PermManageRoles        = "rbac.role.manage"
	PermManageAssignments  = "rbac.assignment.manage"
	PermApproveRequests    = "rbac.request.approve"
	PermApproveDelegations = "rbac.delegation.approve"
	PermRevokeDelegations  = "rbac.delegation.revoke"
	PermRunSecurityAudit   = "rbac.audit.run"
)
