package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"mudun.org/internal/rbac"
)

type createRoleRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	ScopeClass  string   `json:"scope_class"`
	Privileged  bool     `json:"privileged"`
}

type updateRoleRequest struct {
	Name        *string  `json:"name"`
	Permissions []string `json:"permissions"`
	Privileged  *bool    `json:"privileged"`
}

type assignRoleRequest struct {
	UserID string `json:"user_id"`
	RoleID string `json:"role_id"`
	Scope  string `json:"scope"`
}

type submitRoleRequestBody struct {
	RoleID        string `json:"role_id"`
	Scope         string `json:"scope"`
	Justification string `json:"justification"`
}

type decisionBody struct {
	Reason string `json:"reason"`
}

type proposeDelegationBody struct {
	DelegateID string    `json:"delegate_id"`
	RoleID     string    `json:"role_id"`
	Scope      string    `json:"scope"`
	StartsAt   time.Time `json:"starts_at"`
	EndsAt     time.Time `json:"ends_at"`
}

type runAuditBody struct {
	Scope string `json:"scope"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		roles, err := a.rbac.ListRoles(r.Context())
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.CreateRole(r.Context(), rbac.Role{
			Name:        req.Name,
			Permissions: req.Permissions,
			ScopeClass:  rbac.ScopeClass(req.ScopeClass),
			Privileged:  req.Privileged,
		})
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.role.create", map[string]any{
			"role_id": role.ID,
			"name":    role.Name,
		})
		w.Header().Set("Location", "/v1/roles/"+role.ID)
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	roleID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if roleID == "" || strings.Contains(roleID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		role, err := a.rbac.GetRole(r.Context(), roleID)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPatch:
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.UpdateRole(r.Context(), roleID, rbac.RoleUpdate{
			Name:        req.Name,
			Permissions: req.Permissions,
			Privileged:  req.Privileged,
		})
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.role.update", map[string]any{"role_id": roleID})
		writeJSON(w, http.StatusOK, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
	}
}

func (a *API) handleAssignments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req assignRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		assignment, err := a.rbac.AssignRole(r.Context(), actor(r), req.UserID, req.RoleID, req.Scope, rbac.MethodManual)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.assignment.activate", map[string]any{
			"user_id": assignment.UserID,
			"role_id": assignment.RoleID,
			"scope":   assignment.Scope,
		})
		writeJSON(w, http.StatusCreated, assignment)
	case http.MethodDelete:
		var req assignRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.rbac.RevokeRole(r.Context(), actor(r), req.UserID, req.RoleID, req.Scope); err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.assignment.revoke", map[string]any{
			"user_id": req.UserID,
			"role_id": req.RoleID,
			"scope":   req.Scope,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	userID := parts[0]
	switch parts[1] {
	case "assignments":
		includeRevoked := r.URL.Query().Get("include_revoked") == "1"
		assignments, err := a.rbac.ListAssignments(r.Context(), userID, includeRevoked)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"assignments": assignments})
	case "permissions":
		perms, err := a.rbac.EffectivePermissions(r.Context(), userID)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		keys := perms.Keys()
		if keys == nil {
			keys = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":     userID,
			"permissions": keys,
		})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRoleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req submitRoleRequestBody
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		created, err := a.rbac.SubmitRoleRequest(r.Context(), actor(r), req.RoleID, req.Scope, req.Justification)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.request.submit", map[string]any{
			"request_id": created.ID,
			"role_id":    created.RoleID,
			"status":     created.Status,
		})
		w.Header().Set("Location", "/v1/role-requests/"+created.ID)
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		if status == "" {
			status = rbac.RequestPending
		}
		requests, err := a.rbac.ListRoleRequests(r.Context(), status)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleRequestResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/role-requests/"), "/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	requestID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		req, err := a.rbac.GetRoleRequest(r.Context(), requestID)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
		return
	}
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	switch parts[1] {
	case "approve":
		assignment, err := a.rbac.ApproveRoleRequest(r.Context(), requestID, actor(r))
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.request.approve", map[string]any{"request_id": requestID})
		writeJSON(w, http.StatusOK, assignment)
	case "reject":
		var body decisionBody
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.rbac.RejectRoleRequest(r.Context(), requestID, actor(r), body.Reason); err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.request.reject", map[string]any{"request_id": requestID})
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleDelegations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req proposeDelegationBody
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.rbac.ProposeDelegation(r.Context(), actor(r), req.DelegateID, req.RoleID, req.Scope, req.StartsAt, req.EndsAt)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.delegation.propose", map[string]any{
		"delegation_id": d.ID,
		"delegate_id":   d.DelegateID,
		"role_id":       d.RoleID,
	})
	w.Header().Set("Location", "/v1/delegations/"+d.ID)
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) handleDelegationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/delegations/"), "/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	delegationID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		d, err := a.rbac.GetDelegation(r.Context(), delegationID)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
		return
	}
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	switch parts[1] {
	case "approve":
		d, err := a.rbac.ApproveDelegation(r.Context(), delegationID, actor(r))
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.delegation.approve", map[string]any{"delegation_id": delegationID})
		writeJSON(w, http.StatusOK, d)
	case "reject":
		var body decisionBody
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.rbac.RejectDelegation(r.Context(), delegationID, actor(r), body.Reason); err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.delegation.reject", map[string]any{"delegation_id": delegationID})
		w.WriteHeader(http.StatusNoContent)
	case "revoke":
		var body decisionBody
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.rbac.RevokeDelegation(r.Context(), delegationID, actor(r), body.Reason); err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.delegation.revoke", map[string]any{"delegation_id": delegationID})
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleSecurityAudits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req runAuditBody
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		audit, err := a.rbac.RunSecurityAudit(r.Context(), actor(r), req.Scope)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.audit.run", map[string]any{
			"audit_id": audit.ID,
			"scope":    audit.Scope,
			"score":    audit.Score,
		})
		writeJSON(w, http.StatusCreated, audit)
	case http.MethodGet:
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		audits, err := a.rbac.ListSecurityAudits(r.Context(), r.URL.Query().Get("scope"), limit)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"audits": audits})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}
