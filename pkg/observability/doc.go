// Package observability provides structured logging, Prometheus metrics, and OpenTelemetry tracing.
//
// # Overview
//
// This package centralizes observability infrastructure including JSON logging, metrics
// collection, health checks, and distributed tracing integration.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.Info("Server started")
//
// Context-aware logging:
//
//	logger.WithField("request_id", reqID).Error("Request failed")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	metrics := observability.NewMetrics(registry)
//	metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/users", "200").Inc()
//	metrics.LoginAttemptsTotal.WithLabelValues("local", "success").Inc()
//
// Business metrics:
//
//	metrics.ApprovalsPending.Set(float64(pending))
//	metrics.ActiveUsersTotal.Set(float64(activeUsers))
//
// # Health Checks
//
// Configure health checker:
//
//	checker := observability.NewHealthChecker(db, redisClient, blobStore)
//	status := checker.Check(ctx)
//
// # OpenTelemetry
//
// Initialize tracing:
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:        true,
//		ServiceName:    "controlhub",
//		ServiceVersion: "v1.0.0",
//		Endpoint:       "otel-collector:4317",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/middleware: Request authentication and rate limiting
package observability
