package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mudun.org/internal/auditlog"
	"mudun.org/internal/obs"
	"mudun.org/internal/rbac"
)

// ReadyProbe reports whether downstream dependencies answer.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the RBAC facade.
type API struct {
	mux        *http.ServeMux
	rbac       *rbac.Service
	readyProbe ReadyProbe
	version    string
	authSecret []byte
}

// Option configures the API.
type Option func(*API)

// WithAuthSecret enables bearer-identity extraction with the given HS256 key.
// Without it the API trusts the X-Actor-ID header, which is only acceptable
// behind a private gateway or in tests.
func WithAuthSecret(secret []byte) Option {
	return func(a *API) {
		if len(secret) > 0 {
			a.authSecret = secret
		}
	}
}

func New(svc *rbac.Service, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		rbac:       svc,
		readyProbe: rp,
		version:    version,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/assignments", a.handleAssignments)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)
	a.mux.HandleFunc("/v1/role-requests", a.handleRoleRequests)
	a.mux.HandleFunc("/v1/role-requests/", a.handleRoleRequestResource)
	a.mux.HandleFunc("/v1/delegations", a.handleDelegations)
	a.mux.HandleFunc("/v1/delegations/", a.handleDelegationResource)
	a.mux.HandleFunc("/v1/security-audits", a.handleSecurityAudits)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withIdentity(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 50, 25)
	h = SecurityHeaders(h)
	h = RequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "mudun-rbac-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "mudun-rbac-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// audit emits a structured audit line; never fails the request.
func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = auditlog.LogEvent(ctx, event, fields)
}

// actor returns the caller identity established by withIdentity.
func actor(r *http.Request) string {
	id, _ := rbac.ActorFromContext(r.Context())
	return id
}

// handleRBACError maps facade sentinel errors onto HTTP statuses.
func handleRBACError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rbac.ErrInvalidInput),
		errors.Is(err, rbac.ErrInvalidScope),
		errors.Is(err, rbac.ErrInvalidWindow),
		errors.Is(err, rbac.ErrSelfDelegation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, rbac.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, rbac.ErrRoleNotFound),
		errors.Is(err, rbac.ErrAssignmentNotFound),
		errors.Is(err, rbac.ErrRequestNotFound),
		errors.Is(err, rbac.ErrDelegationNotFound),
		errors.Is(err, rbac.ErrUnknownIdentity):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, rbac.ErrInvalidState),
		errors.Is(err, rbac.ErrStorageConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "rbac operation failed",
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "rbac operation failed")
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
