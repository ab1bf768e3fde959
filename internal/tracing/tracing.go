package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultServiceName = "pai-orchestrator"

var tracer oteltrace.Tracer = otel.Tracer(defaultServiceName)

// Config holds tracing configuration
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Shutdown flushes the provider installed by Initialize. It is a no-op when
// tracing is disabled.
type Shutdown func(context.Context) error

// Initialize sets up minimal OTLP tracing
func Initialize(cfg Config, logger *zap.Logger) (Shutdown, error) {
	// Always keep a tracer handle so Start* helpers work when disabled.
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	tracer = otel.Tracer(cfg.ServiceName)
	noop := func(context.Context) error { return nil }

	if !cfg.Enabled {
		logger.Info("Tracing disabled")
		return noop, nil
	}

	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return noop, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(cfg.ServiceName)

	logger.Info("Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	return tp.Shutdown, nil
}

// StartSpan creates a new span with the given name
func StartSpan(ctx context.Context, spanName string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, spanName)
}

// StartRunSpan creates the parent span for one workflow dispatch.
func StartRunSpan(ctx context.Context, runID, workflowKey, mode string, workers int) (context.Context, oteltrace.Span) {
	ctx, span := tracer.Start(ctx, "dispatch "+workflowKey)
	span.SetAttributes(
		attribute.String("pai.run_id", runID),
		attribute.String("pai.workflow", workflowKey),
		attribute.String("pai.mode", mode),
		attribute.Int("pai.workers", workers),
	)
	return ctx, span
}

// StartTaskSpan creates a span for a single worker task.
func StartTaskSpan(ctx context.Context, taskID string, index int) (context.Context, oteltrace.Span) {
	ctx, span := tracer.Start(ctx, "task "+taskID)
	span.SetAttributes(
		attribute.String("pai.task_id", taskID),
		attribute.Int("pai.task_index", index),
	)
	return ctx, span
}

// TraceID returns the hex trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := oteltrace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
