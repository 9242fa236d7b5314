package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// logLine emits one info record through the logger and decodes it.
func logLine(t *testing.T, logger *Logger, buf *bytes.Buffer) map[string]any {
	t.Helper()
	buf.Reset()
	logger.Info("sample")
	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	return record
}

func TestInitOTelDisabled(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(InfoLevel, buf)

	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, logger)

	assert.NoError(t, err)
	assert.Nil(t, providers)
	assert.Contains(t, buf.String(), "OpenTelemetry is disabled")
}

// Exporter creation does not dial the collector, so InitOTel succeeds even
// when nothing is listening at the endpoint.
func TestInitOTelNoCollector(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	cfg := OTelConfig{
		Enabled:        true,
		Endpoint:       "localhost:4317",
		ServiceName:    "controlhub-test",
		ServiceVersion: "0.0.1",
		Insecure:       true,
	}

	providers, err := InitOTel(context.Background(), cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, providers)
	assert.NotNil(t, providers.TracerProvider)
	assert.NotNil(t, providers.MeterProvider)

	// Export errors during shutdown are expected without a collector.
	_ = ShutdownOTel(context.Background(), providers, logger)
}

func TestInitOTelDefaultsServiceName(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	cfg := OTelConfig{
		Enabled:  true,
		Endpoint: "localhost:4317",
		Insecure: true,
	}

	providers, err := InitOTel(context.Background(), cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, providers)

	_ = ShutdownOTel(context.Background(), providers, logger)
}

func TestInitOTelSetsGlobals(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping global provider test in short mode")
	}

	originalPropagator := otel.GetTextMapPropagator()
	defer otel.SetTextMapPropagator(originalPropagator)

	logger := NewLogger(InfoLevel, &bytes.Buffer{})
	cfg := OTelConfig{
		Enabled:        true,
		Endpoint:       "localhost:4317",
		ServiceName:    "controlhub-test",
		ServiceVersion: "0.0.1",
		Insecure:       true,
	}

	providers, err := InitOTel(context.Background(), cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, providers)

	tracer := otel.Tracer("controlhub-test")
	_, span := tracer.Start(context.Background(), "work")
	assert.True(t, span.IsRecording())
	span.End()

	assert.NotNil(t, otel.GetTextMapPropagator())

	_ = ShutdownOTel(context.Background(), providers, logger)
}

func TestShutdownOTelNilProviders(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	assert.NoError(t, ShutdownOTel(context.Background(), nil, logger))
}

func TestShutdownOTelPartialProviders(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(InfoLevel, buf)

	providers := &OTelProviders{
		TracerProvider: sdktrace.NewTracerProvider(),
		MeterProvider:  nil,
	}

	err := ShutdownOTel(context.Background(), providers, logger)
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "OpenTelemetry shutdown complete")
}

func TestShutdownOTelTimeoutContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger := NewLogger(InfoLevel, &bytes.Buffer{})
	providers := &OTelProviders{TracerProvider: sdktrace.NewTracerProvider()}

	assert.NoError(t, ShutdownOTel(ctx, providers, logger))
}

func TestUpdateLoggerWithTraceContextNoSpan(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(InfoLevel, buf)

	updated := UpdateLoggerWithTraceContext(context.Background(), logger)
	require.NotNil(t, updated)

	record := logLine(t, updated, buf)
	assert.NotContains(t, record, "trace_id")
	assert.NotContains(t, record, "span_id")
}

func TestUpdateLoggerWithTraceContextWithSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	tracer := tp.Tracer("controlhub-test")

	ctx, span := tracer.Start(context.Background(), "work")
	defer span.End()

	buf := &bytes.Buffer{}
	logger := NewLogger(InfoLevel, buf).WithField("request_id", "abc")
	updated := UpdateLoggerWithTraceContext(ctx, logger)

	record := logLine(t, updated, buf)
	assert.Equal(t, "abc", record["request_id"])
	assert.NotEmpty(t, record["trace_id"])
	assert.NotEmpty(t, record["span_id"])
}

func TestUpdateLoggerWithTraceContextNonRecordingSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
	tracer := tp.Tracer("controlhub-test")

	ctx, span := tracer.Start(context.Background(), "work")
	defer span.End()

	buf := &bytes.Buffer{}
	logger := NewLogger(InfoLevel, buf)
	updated := UpdateLoggerWithTraceContext(ctx, logger)

	record := logLine(t, updated, buf)
	assert.NotContains(t, record, "trace_id")
}

func TestUpdateLoggerWithTraceContextNestedSpans(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	tracer := tp.Tracer("controlhub-test")

	ctx, outer := tracer.Start(context.Background(), "outer")
	defer outer.End()
	outerBuf := &bytes.Buffer{}
	outerRecord := logLine(t, UpdateLoggerWithTraceContext(ctx, NewLogger(InfoLevel, outerBuf)), outerBuf)

	ctx, inner := tracer.Start(ctx, "inner")
	defer inner.End()
	innerBuf := &bytes.Buffer{}
	innerRecord := logLine(t, UpdateLoggerWithTraceContext(ctx, NewLogger(InfoLevel, innerBuf)), innerBuf)

	assert.Equal(t, outerRecord["trace_id"], innerRecord["trace_id"])
	assert.NotEqual(t, outerRecord["span_id"], innerRecord["span_id"])
}

type fakeSpan struct {
	trace.Span
	recording bool
	spanCtx   trace.SpanContext
}

func (s *fakeSpan) IsRecording() bool              { return s.recording }
func (s *fakeSpan) SpanContext() trace.SpanContext { return s.spanCtx }

func TestUpdateLoggerWithTraceContextInvalidSpanContext(t *testing.T) {
	ctx := trace.ContextWithSpan(context.Background(), &fakeSpan{recording: false})

	buf := &bytes.Buffer{}
	logger := NewLogger(InfoLevel, buf)
	updated := UpdateLoggerWithTraceContext(ctx, logger)

	record := logLine(t, updated, buf)
	assert.NotContains(t, record, "trace_id")
}
