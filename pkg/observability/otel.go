package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const exporterDialTimeout = 10 * time.Second

// OTelConfig holds the OTLP exporter settings.
type OTelConfig struct {
	Enabled        bool
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Insecure       bool
}

// OTelProviders holds the installed providers so they can be flushed and
// shut down on exit.
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
}

// InitOTel installs global trace and metric providers exporting over OTLP
// gRPC. Returns nil providers when disabled.
func InitOTel(ctx context.Context, cfg OTelConfig, logger *Logger) (*OTelProviders, error) {
	if !cfg.Enabled {
		logger.Info("OpenTelemetry is disabled")
		return nil, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "controlhub"
	}

	logger.Infof("Initializing OpenTelemetry, endpoint %s", cfg.Endpoint)

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithContainer(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build otel resource: %w", err)
	}

	grpcOpts := []grpc.DialOption{
		//nolint:staticcheck // SA1019: WithBlock is deprecated but the collector connection must be up before export starts
		grpc.WithBlock(),
	}
	if cfg.Insecure {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	tracerProvider, err := newTracerProvider(ctx, cfg.Endpoint, res, grpcOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	meterProvider, err := newMeterProvider(ctx, cfg.Endpoint, res, grpcOpts)
	if err != nil {
		if shutdownErr := tracerProvider.Shutdown(ctx); shutdownErr != nil {
			logger.WithError(shutdownErr).Error("Failed to shut down tracer provider after meter provider error")
		}
		return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
	}

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("OpenTelemetry initialized")
	return &OTelProviders{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
	}, nil
}

func newTracerProvider(ctx context.Context, endpoint string, res *resource.Resource, grpcOpts []grpc.DialOption) (*sdktrace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, exporterDialTimeout)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpcOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

func newMeterProvider(ctx context.Context, endpoint string, res *resource.Resource, grpcOpts []grpc.DialOption) (*metric.MeterProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, exporterDialTimeout)
	defer cancel()

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpcOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(10*time.Second),
		)),
	), nil
}

// ShutdownOTel flushes and stops both providers, collecting errors rather
// than stopping at the first.
func ShutdownOTel(ctx context.Context, providers *OTelProviders, logger *Logger) error {
	if providers == nil {
		return nil
	}

	var errs []error
	if providers.TracerProvider != nil {
		if err := providers.TracerProvider.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Failed to shut down tracer provider")
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if providers.MeterProvider != nil {
		if err := providers.MeterProvider.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Failed to shut down meter provider")
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("OpenTelemetry shutdown errors: %v", errs)
	}

	logger.Info("OpenTelemetry shutdown complete")
	return nil
}

// UpdateLoggerWithTraceContext returns a logger carrying the active span's
// trace and span ids, so log lines can be joined to traces.
func UpdateLoggerWithTraceContext(ctx context.Context, logger *Logger) *Logger {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return logger
	}

	spanCtx := span.SpanContext()
	return logger.WithFields(map[string]interface{}{
		"trace_id": spanCtx.TraceID().String(),
		"span_id":  spanCtx.SpanID().String(),
	})
}
