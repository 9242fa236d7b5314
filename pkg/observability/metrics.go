package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	StorageErrorsTotal       *prometheus.CounterVec

	// Authentication metrics
	LoginAttemptsTotal  *prometheus.CounterVec
	AccountLockoutTotal prometheus.Counter
	TokensIssuedTotal   *prometheus.CounterVec
	TokensRevokedTotal  prometheus.Counter

	// Governance metrics
	ApprovalRequestsTotal  *prometheus.CounterVec
	ApprovalDecisionsTotal *prometheus.CounterVec
	ApprovalExecutionTotal *prometheus.CounterVec
	ApprovalsPending       prometheus.Gauge
	PolicyCacheHitsTotal   prometheus.Counter
	PolicyCacheMissesTotal prometheus.Counter

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Redis metrics
	RedisConnectionsActive prometheus.Gauge
	RedisCommandsTotal     *prometheus.CounterVec
	RedisCommandDuration   *prometheus.HistogramVec

	// Business metrics
	ActiveUsersTotal     prometheus.Gauge
	ServiceAccountsTotal prometheus.Gauge
	APIKeysActive        prometheus.Gauge
	AuditEventsTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlhub_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controlhub_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controlhub_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controlhub_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Storage metrics
		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlhub_storage_operations_total",
				Help: "Total number of blob storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controlhub_storage_operation_duration_seconds",
				Help:    "Blob storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		StorageErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlhub_storage_errors_total",
				Help: "Total number of blob storage errors",
			},
			[]string{"operation", "backend", "error_type"},
		),

		// Authentication metrics
		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlhub_login_attempts_total",
				Help: "Total number of login attempts",
			},
			[]string{"provider", "status"},
		),
		AccountLockoutTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "controlhub_account_lockouts_total",
				Help: "Total number of account lockouts triggered",
			},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlhub_tokens_issued_total",
				Help: "Total number of tokens issued",
			},
			[]string{"token_use"},
		),
		TokensRevokedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "controlhub_tokens_revoked_total",
				Help: "Total number of tokens revoked",
			},
		),

		// Governance metrics
		ApprovalRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlhub_approval_requests_total",
				Help: "Total number of approval requests opened",
			},
			[]string{"action"},
		),
		ApprovalDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlhub_approval_decisions_total",
				Help: "Total number of approval decisions recorded",
			},
			[]string{"action", "decision"},
		),
		ApprovalExecutionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlhub_approval_executions_total",
				Help: "Total number of deferred action executions",
			},
			[]string{"action", "status"},
		),
		ApprovalsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlhub_approvals_pending",
				Help: "Number of approval requests awaiting quorum",
			},
		),
		PolicyCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "controlhub_policy_cache_hits_total",
				Help: "Total number of governance policy cache hits",
			},
		),
		PolicyCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "controlhub_policy_cache_misses_total",
				Help: "Total number of governance policy cache misses",
			},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlhub_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlhub_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlhub_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlhub_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		// Redis metrics
		RedisConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlhub_redis_connections_active",
				Help: "Number of active Redis connections",
			},
		),
		RedisCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlhub_redis_commands_total",
				Help: "Total number of Redis commands",
			},
			[]string{"command", "status"},
		),
		RedisCommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controlhub_redis_command_duration_seconds",
				Help:    "Redis command duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"command"},
		),

		// Business metrics
		ActiveUsersTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlhub_active_users_total",
				Help: "Total number of active users",
			},
		),
		ServiceAccountsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlhub_service_accounts_total",
				Help: "Total number of service accounts",
			},
		),
		APIKeysActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlhub_api_keys_active",
				Help: "Number of active API keys",
			},
		),
		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlhub_audit_events_total",
				Help: "Total number of audit events recorded",
			},
			[]string{"action", "status"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.StorageErrorsTotal,
		m.LoginAttemptsTotal,
		m.AccountLockoutTotal,
		m.TokensIssuedTotal,
		m.TokensRevokedTotal,
		m.ApprovalRequestsTotal,
		m.ApprovalDecisionsTotal,
		m.ApprovalExecutionTotal,
		m.ApprovalsPending,
		m.PolicyCacheHitsTotal,
		m.PolicyCacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.RedisConnectionsActive,
		m.RedisCommandsTotal,
		m.RedisCommandDuration,
		m.ActiveUsersTotal,
		m.ServiceAccountsTotal,
		m.APIKeysActive,
		m.AuditEventsTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status and size
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Record request size
			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			// Serve the request
			next.ServeHTTP(rw, r)

			// Record metrics
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
