// Package tracing wires an OpenTelemetry TracerProvider for the
// orchestration engine: one span per execution, one child span per step,
// sampled per Config and exported to whatever Exporter the caller supplies.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether tracing is active and how traces are sampled and
// labeled.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the fraction of execution traces sampled (0.0-1.0); a
	// value of 0 or below samples every trace.
	// AlwaysSampleErrors makes spans that SampleRatio would drop recorded
	// but unsampled instead. The decision is made when a span starts, so it
	// does not depend on whether the trace ends with an error, and the batch
	// exporter does not export such spans.
	SampleRatio        float64
	AlwaysSampleErrors bool
}

// Provider wraps a configured TracerProvider. A disabled Provider (Config.Enabled
// false, or the zero value) hands back a no-op tracer so instrumented code
// never has to check whether tracing is on.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// New builds a Provider exporting spans through exporter. When
// cfg.Enabled is false, New returns a Provider backed by OpenTelemetry's
// global no-op implementation and exporter is never touched.
func New(cfg Config, exporter sdktrace.SpanExporter) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer("orchkit")}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(errorAwareSampler{ratio: cfg.SampleRatio, alwaysSampleErrors: cfg.AlwaysSampleErrors}),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer("orchkit")}, nil
}

// Shutdown flushes and releases the underlying TracerProvider. A no-op
// Provider has nothing to shut down.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartExecution opens the root span for an execution.
func (p *Provider) StartExecution(ctx context.Context, executionID, agentID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "execution",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("agent.id", agentID),
		),
	)
}

// StartStep opens a child span for a single step dispatch.
func (p *Provider) StartStep(ctx context.Context, stepID, plugin, action string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "step",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("step.id", stepID),
			attribute.String("step.plugin", plugin),
			attribute.String("step.action", action),
		),
	)
}

// EndWithError records err on span (if non-nil) and sets the span's final
// status before ending it, so Jaeger/Tempo-style UIs surface failed steps
// without scanning attributes.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// errorAwareSampler head-samples at a fixed ratio (0 or below is treated as
// 1.0). With alwaysSampleErrors set, a span the ratio would drop is recorded
// (RecordOnly) instead: span processors still see it, with the status set by
// EndWithError, but the batcher does not export it. The decision is taken at
// span start and does not look at whether the span later ends in error.
type errorAwareSampler struct {
	ratio              float64
	alwaysSampleErrors bool
}

func (s errorAwareSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	ratio := s.ratio
	if ratio <= 0 {
		ratio = 1.0
	}
	result := sdktrace.TraceIDRatioBased(ratio).ShouldSample(p)
	if s.alwaysSampleErrors && result.Decision == sdktrace.Drop {
		result.Decision = sdktrace.RecordOnly
	}
	return result
}

func (s errorAwareSampler) Description() string {
	return fmt.Sprintf("ErrorAwareSampler{ratio=%f, alwaysSampleErrors=%t}", s.ratio, s.alwaysSampleErrors)
}
