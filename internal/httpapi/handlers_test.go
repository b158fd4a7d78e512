package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mudun.org/internal/rbac"
)

func newTestAPI(t *testing.T, opts ...Option) (*API, *rbac.Service) {
	t.Helper()
	store := newFakeStore()
	identity := fakeIdentity{
		"admin-1": {UserID: "admin-1", Email: "ops@mudun.example", OnboardingComplete: true, TenureDays: 500, ActivityCount: 90},
		"user-1":  {UserID: "user-1", Email: "someone@startup.example", OnboardingComplete: true, TenureDays: 40},
	}
	svc, err := rbac.NewService(store, identity)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return New(svc, ReadyProbe{}, "test", opts...), svc
}

func doJSON(t *testing.T, h http.Handler, method, path, actorID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if actorID != "" {
		req.Header.Set(actorHeader, actorID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

// bootstrapAdmin grants admin-1 a role carrying the given permissions.
func bootstrapAdmin(t *testing.T, h http.Handler, perms ...string) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/v1/roles", "admin-1", createRoleRequest{
		Name:        "Platform Administrator",
		Permissions: perms,
		Privileged:  true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create admin role: %d %s", rec.Code, rec.Body.String())
	}
	role := decodeBody[rbac.Role](t, rec)
	rec = doJSON(t, h, http.MethodPost, "/v1/assignments", "admin-1", assignRoleRequest{
		UserID: "admin-1", RoleID: role.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("assign admin role: %d %s", rec.Code, rec.Body.String())
	}
	return role.ID
}

func TestHealthAndInfo(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		rec := doJSON(t, h, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s: %d", path, rec.Code)
		}
	}
}

func TestRoleCatalogEndpoints(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/roles", "admin-1", createRoleRequest{
		Name:        "Municipality Reviewer",
		Permissions: []string{"pilot.review"},
		ScopeClass:  "municipality",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create role: %d %s", rec.Code, rec.Body.String())
	}
	role := decodeBody[rbac.Role](t, rec)
	if rec.Header().Get("Location") != "/v1/roles/"+role.ID {
		t.Fatalf("unexpected Location: %s", rec.Header().Get("Location"))
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/roles", "admin-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list roles: %d", rec.Code)
	}
	listing := decodeBody[map[string][]rbac.Role](t, rec)
	if len(listing["roles"]) != 1 {
		t.Fatalf("expected one role, got %+v", listing)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/roles/"+role.ID, "admin-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get role: %d", rec.Code)
	}

	privileged := true
	rec = doJSON(t, h, http.MethodPatch, "/v1/roles/"+role.ID, "admin-1", updateRoleRequest{Privileged: &privileged})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch role: %d %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[rbac.Role](t, rec)
	if !updated.Privileged {
		t.Fatalf("expected privileged flag set, got %+v", updated)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/roles/nope", "admin-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing role: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/roles", "admin-1", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("unsupported method: %d", rec.Code)
	}
}

func TestAssignmentEndpoints(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()
	roleID := bootstrapAdmin(t, h, rbac.PermManageAssignments)

	rec := doJSON(t, h, http.MethodPost, "/v1/assignments", "admin-1", assignRoleRequest{
		UserID: "user-1", RoleID: roleID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("assign: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/users/user-1/assignments", "admin-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list assignments: %d", rec.Code)
	}
	listing := decodeBody[map[string][]rbac.RoleAssignment](t, rec)
	if len(listing["assignments"]) != 1 {
		t.Fatalf("expected one assignment, got %+v", listing)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/users/user-1/permissions", "admin-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("permissions: %d", rec.Code)
	}
	perms := decodeBody[map[string]any](t, rec)
	if got := perms["permissions"].([]any); len(got) != 1 {
		t.Fatalf("expected one permission, got %+v", perms)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/assignments", "admin-1", assignRoleRequest{
		UserID: "user-1", RoleID: roleID,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, http.MethodDelete, "/v1/assignments", "admin-1", assignRoleRequest{
		UserID: "user-1", RoleID: roleID,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double revoke: %d", rec.Code)
	}
}

func TestRoleRequestEndpoints(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()
	bootstrapAdmin(t, h, rbac.PermApproveRequests)

	rec := doJSON(t, h, http.MethodPost, "/v1/roles", "admin-1", createRoleRequest{
		Name:        "Editor",
		Permissions: []string{"project.edit"},
	})
	role := decodeBody[rbac.Role](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/v1/role-requests", "user-1", submitRoleRequestBody{
		RoleID:        role.ID,
		Justification: "editing pilot pages",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	req := decodeBody[rbac.RoleRequest](t, rec)
	if req.Status != rbac.RequestPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/role-requests?status=pending", "admin-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list pending: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/role-requests/%s/approve", req.ID), "admin-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}

	// Decided requests refuse a second decision.
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/role-requests/%s/reject", req.ID), "admin-1", decisionBody{Reason: "late"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("reject after approve: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/role-requests/"+req.ID, "admin-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get request: %d", rec.Code)
	}
	stored := decodeBody[rbac.RoleRequest](t, rec)
	if stored.Status != rbac.RequestApproved {
		t.Fatalf("expected approved, got %s", stored.Status)
	}
}

func TestRoleRequestApprovalRequiresPermission(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/roles", "admin-1", createRoleRequest{
		Name:        "Editor",
		Permissions: []string{"project.edit"},
	})
	role := decodeBody[rbac.Role](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/v1/role-requests", "user-1", submitRoleRequestBody{
		RoleID:        role.ID,
		Justification: "editing",
	})
	req := decodeBody[rbac.RoleRequest](t, rec)

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/role-requests/%s/approve", req.ID), "user-1", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestDelegationEndpoints(t *testing.T) {
	api, svc := newTestAPI(t)
	h := api.Handler()
	bootstrapAdmin(t, h, rbac.PermApproveDelegations, rbac.PermRevokeDelegations)

	rec := doJSON(t, h, http.MethodPost, "/v1/roles", "admin-1", createRoleRequest{
		Name:        "Editor",
		Permissions: []string{"project.edit"},
	})
	role := decodeBody[rbac.Role](t, rec)
	rec = doJSON(t, h, http.MethodPost, "/v1/assignments", "admin-1", assignRoleRequest{
		UserID: "user-1", RoleID: role.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("assign delegator: %d", rec.Code)
	}

	now := time.Now().UTC()
	rec = doJSON(t, h, http.MethodPost, "/v1/delegations", "user-1", proposeDelegationBody{
		DelegateID: "admin-1",
		RoleID:     role.ID,
		StartsAt:   now.Add(time.Hour),
		EndsAt:     now.Add(24 * time.Hour),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("propose: %d %s", rec.Code, rec.Body.String())
	}
	d := decodeBody[rbac.Delegation](t, rec)

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/delegations/%s/approve", d.ID), "admin-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/delegations/%s/revoke", d.ID), "admin-1", decisionBody{Reason: "coverage ended"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke: %d %s", rec.Code, rec.Body.String())
	}

	stored, err := svc.GetDelegation(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetDelegation: %v", err)
	}
	if stored.Status != rbac.DelegationRevoked {
		t.Fatalf("expected revoked, got %s", stored.Status)
	}
}

func TestSecurityAuditEndpoints(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()
	bootstrapAdmin(t, h, rbac.PermRunSecurityAudit)

	rec := doJSON(t, h, http.MethodPost, "/v1/security-audits", "admin-1", runAuditBody{})
	if rec.Code != http.StatusCreated {
		t.Fatalf("run audit: %d %s", rec.Code, rec.Body.String())
	}
	audit := decodeBody[rbac.SecurityAudit](t, rec)
	if audit.Score < 0 || audit.Score > 100 {
		t.Fatalf("score out of range: %+v", audit)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/security-audits?limit=5", "admin-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list audits: %d", rec.Code)
	}

	// Unauthorized caller.
	rec = doJSON(t, h, http.MethodPost, "/v1/security-audits", "user-1", runAuditBody{})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	rec := doJSON(t, h, http.MethodGet, "/v1/nope", "admin-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["error"] == "" {
		t.Fatalf("expected a JSON error body, got %s", rec.Body.String())
	}
}
