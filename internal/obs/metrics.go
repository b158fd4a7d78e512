package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})
)

// RBAC domain metrics.
var (
	rbacOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbac_operations_total",
			Help: "RBAC facade operations by outcome.",
		},
		[]string{"operation", "result"},
	)

	rbacAuditScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rbac_security_audit_score",
			Help: "Score of the most recent security audit run per scope.",
		},
		[]string{"scope"},
	)

	rbacDelegationTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbac_delegation_transitions_total",
			Help: "Time-driven delegation transitions performed by the sweep.",
		},
		[]string{"to"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		rbacOperationsTotal, rbacAuditScore, rbacDelegationTransitions,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// ObserveOperation counts one facade operation outcome.
func ObserveOperation(operation, result string) {
	rbacOperationsTotal.WithLabelValues(operation, result).Inc()
}

// SetAuditScore records the latest audit score for a scope. Empty scope is
// reported as "global".
func SetAuditScore(scope string, score int) {
	if scope == "" {
		scope = "global"
	}
	rbacAuditScore.WithLabelValues(scope).Set(float64(score))
}

// AddDelegationTransitions counts sweep-driven status transitions.
func AddDelegationTransitions(to string, n int) {
	rbacDelegationTransitions.WithLabelValues(to).Add(float64(n))
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifier segments so metric label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "users":
		parts[2] = ":id"
	case len(parts) >= 3 && parts[0] == "v1" && (parts[1] == "roles" || parts[1] == "role-requests" || parts[1] == "delegations"):
		parts[2] = ":id"
	default:
		return path
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter captures the response code for labeling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
