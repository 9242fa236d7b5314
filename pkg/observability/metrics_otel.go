package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds the OTLP-exported instruments. It mirrors the
// prometheus Metrics surface for deployments that ship telemetry to a
// collector instead of scraping.
type OTelMetrics struct {
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram
	httpRequestSize     metric.Int64Histogram
	httpResponseSize    metric.Int64Histogram

	dbConnectionsActive metric.Int64UpDownCounter
	dbConnectionsIdle   metric.Int64UpDownCounter
	dbConnectionsMax    metric.Int64Gauge
	dbQueryDuration     metric.Float64Histogram
	dbQueriesTotal      metric.Int64Counter

	cacheHitsTotal      metric.Int64Counter
	cacheMissesTotal    metric.Int64Counter
	cacheEvictionsTotal metric.Int64Counter
	cacheSize           metric.Int64UpDownCounter

	storageOperations metric.Int64Counter
	storageDuration   metric.Float64Histogram
	storageBytes      metric.Int64Histogram
}

// NewOTelMetrics registers every instrument on the global meter.
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/controlhub/controlhub")

	var firstErr error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to create %s counter: %w", name, err)
		}
		return c
	}
	histogram := func(name, desc, unit string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to create %s histogram: %w", name, err)
		}
		return h
	}
	intHistogram := func(name, desc, unit string) metric.Int64Histogram {
		h, err := meter.Int64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to create %s histogram: %w", name, err)
		}
		return h
	}
	upDown := func(name, desc, unit string) metric.Int64UpDownCounter {
		c, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to create %s gauge: %w", name, err)
		}
		return c
	}

	m := &OTelMetrics{
		httpRequestsTotal:   counter("http.server.requests", "Total number of HTTP requests", "{request}"),
		httpRequestDuration: histogram("http.server.duration", "HTTP request duration in seconds", "s"),
		httpRequestSize:     intHistogram("http.server.request.size", "HTTP request size in bytes", "By"),
		httpResponseSize:    intHistogram("http.server.response.size", "HTTP response size in bytes", "By"),

		dbConnectionsActive: upDown("db.connections.active", "Number of active database connections", "{connection}"),
		dbConnectionsIdle:   upDown("db.connections.idle", "Number of idle database connections", "{connection}"),
		dbQueryDuration:     histogram("db.query.duration", "Database query duration in seconds", "s"),
		dbQueriesTotal:      counter("db.queries.total", "Total number of database queries", "{query}"),

		cacheHitsTotal:      counter("cache.hits.total", "Total number of cache hits", "{hit}"),
		cacheMissesTotal:    counter("cache.misses.total", "Total number of cache misses", "{miss}"),
		cacheEvictionsTotal: counter("cache.evictions.total", "Total number of cache evictions", "{eviction}"),
		cacheSize:           upDown("cache.size", "Current cache size", "By"),

		storageOperations: counter("storage.operations.total", "Total number of storage operations", "{operation}"),
		storageDuration:   histogram("storage.operation.duration", "Storage operation duration in seconds", "s"),
		storageBytes:      intHistogram("storage.bytes", "Storage operation bytes transferred", "By"),
	}

	gauge, err := meter.Int64Gauge("db.connections.max",
		metric.WithDescription("Maximum number of database connections"),
		metric.WithUnit("{connection}"))
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to create db.connections.max gauge: %w", err)
	}
	m.dbConnectionsMax = gauge

	if firstErr != nil {
		return nil, firstErr
	}
	return m, nil
}

// RecordHTTPRequest records one served request. Size histograms are only
// updated when the size is known.
func (m *OTelMetrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration, requestSize, responseSize int64) {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", statusCode),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if requestSize > 0 {
		m.httpRequestSize.Record(ctx, requestSize, metric.WithAttributes(attrs...))
	}
	if responseSize > 0 {
		m.httpResponseSize.Record(ctx, responseSize, metric.WithAttributes(attrs...))
	}
}

// RecordDBQuery records one query with its outcome.
func (m *OTelMetrics) RecordDBQuery(ctx context.Context, operation string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", operation),
		attribute.String("error", fmt.Sprintf("%t", err != nil)),
	}

	m.dbQueriesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.dbQueryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// UpdateDBConnectionStats reports connection pool occupancy.
func (m *OTelMetrics) UpdateDBConnectionStats(ctx context.Context, active, idle, max int) {
	m.dbConnectionsActive.Add(ctx, int64(active))
	m.dbConnectionsIdle.Add(ctx, int64(idle))
}

// RecordCacheHit counts a hit for the named cache.
func (m *OTelMetrics) RecordCacheHit(ctx context.Context, cacheType string) {
	m.cacheHitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.type", cacheType)))
}

// RecordCacheMiss counts a miss for the named cache.
func (m *OTelMetrics) RecordCacheMiss(ctx context.Context, cacheType string) {
	m.cacheMissesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.type", cacheType)))
}

// RecordCacheEviction counts an eviction for the named cache.
func (m *OTelMetrics) RecordCacheEviction(ctx context.Context, cacheType string) {
	m.cacheEvictionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.type", cacheType)))
}

// UpdateCacheSize adjusts the size gauge for the named cache.
func (m *OTelMetrics) UpdateCacheSize(ctx context.Context, cacheType string, size int64) {
	m.cacheSize.Add(ctx, size, metric.WithAttributes(attribute.String("cache.type", cacheType)))
}

// RecordStorageOperation records one blob-store operation.
func (m *OTelMetrics) RecordStorageOperation(ctx context.Context, operation, storageType string, duration time.Duration, bytes int64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("storage.operation", operation),
		attribute.String("storage.type", storageType),
		attribute.String("error", fmt.Sprintf("%t", err != nil)),
	}

	m.storageOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.storageDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if bytes > 0 {
		m.storageBytes.Record(ctx, bytes, metric.WithAttributes(attrs...))
	}
}
