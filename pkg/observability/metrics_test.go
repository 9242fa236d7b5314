package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	if m == nil {
		t.Fatal("Expected non-nil metrics")
	}

	// Exercise one metric of each kind so Gather returns them
	m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/users", "200").Inc()
	m.LoginAttemptsTotal.WithLabelValues("local", "success").Inc()
	m.ApprovalDecisionsTotal.WithLabelValues("user.delete", "approve").Inc()
	m.ApprovalsPending.Set(3)
	m.AuditEventsTotal.WithLabelValues("auth.login", "success").Inc()

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := make(map[string]bool)
	for _, mf := range families {
		found[mf.GetName()] = true
	}

	for _, name := range []string{
		"controlhub_http_requests_total",
		"controlhub_login_attempts_total",
		"controlhub_approval_decisions_total",
		"controlhub_approvals_pending",
		"controlhub_audit_events_total",
	} {
		if !found[name] {
			t.Errorf("Expected metric %s to be registered", name)
		}
	}
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetrics(registry)

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic on duplicate registration")
		}
	}()
	NewMetrics(registry)
}

func TestMetricValues(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.AccountLockoutTotal.Inc()
	m.AccountLockoutTotal.Inc()
	if got := testutil.ToFloat64(m.AccountLockoutTotal); got != 2 {
		t.Errorf("Expected 2 lockouts, got %f", got)
	}

	m.TokensRevokedTotal.Inc()
	if got := testutil.ToFloat64(m.TokensRevokedTotal); got != 1 {
		t.Errorf("Expected 1 revocation, got %f", got)
	}

	m.ApprovalsPending.Set(5)
	m.ApprovalsPending.Dec()
	if got := testutil.ToFloat64(m.ApprovalsPending); got != 4 {
		t.Errorf("Expected 4 pending approvals, got %f", got)
	}

	m.PolicyCacheHitsTotal.Inc()
	m.PolicyCacheMissesTotal.Inc()
	if got := testutil.ToFloat64(m.PolicyCacheHitsTotal); got != 1 {
		t.Errorf("Expected 1 cache hit, got %f", got)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":1}`))
	}))

	req := httptest.NewRequest("POST", "/api/v1/approvals", strings.NewReader(`{"action":"user.delete"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rr.Code)
	}

	count := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/approvals", "201"))
	if count != 1 {
		t.Errorf("Expected 1 request counted, got %f", count)
	}
}

func TestHTTPMetricsMiddleware_DefaultStatus(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	// Handler that never calls WriteHeader
	handler := HTTPMetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	count := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/health", "200"))
	if count != 1 {
		t.Errorf("Expected implicit 200 counted, got %f", count)
	}
}

func TestResponseWriter(t *testing.T) {
	rr := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rr, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusTeapot)
	if rw.statusCode != http.StatusTeapot {
		t.Errorf("Expected 418, got %d", rw.statusCode)
	}

	n, err := rw.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != 5 || rw.bytesWritten != 5 {
		t.Errorf("Expected 5 bytes written, got n=%d total=%d", n, rw.bytesWritten)
	}
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.HTTPRequestsTotal.WithLabelValues("GET", "/", "200").Inc()

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 from /metrics, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "controlhub_http_requests_total") {
		t.Error("Expected exposition output to include controlhub metrics")
	}
}
