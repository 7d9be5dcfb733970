package engine

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/orchkit/internal/tracing"
)

// startExecutionSpan opens the root execution span when a tracer is
// configured, and is a no-op passthrough otherwise.
func (r *Runner) startExecutionSpan(ctx context.Context, executionID, agentID string) (context.Context, trace.Span) {
	if r.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.tracer.StartExecution(ctx, executionID, agentID)
}

func (r *Runner) startStepSpan(ctx context.Context, stepID, plugin, action string) (context.Context, trace.Span) {
	if r.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.tracer.StartStep(ctx, stepID, plugin, action)
}

func (r *Runner) endSpan(span trace.Span, err error) {
	if r.tracer == nil {
		return
	}
	tracing.EndWithError(span, err)
}
