package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for all strand spans.
const tracerName = "github.com/strandlabs/strand"

// Tracer returns the runtime's tracer. Exporter and sampler configuration
// belong to the embedding server; the core only creates spans through the
// global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartTurnSpan opens a span covering a full turn.
func StartTurnSpan(ctx context.Context, threadID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "turn",
		trace.WithAttributes(attribute.String("thread.id", threadID)))
}

// StartModelSpan opens a span covering one model call.
func StartModelSpan(ctx context.Context, provider, model string, iteration int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "model_call",
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
			attribute.Int("engine.iteration", iteration),
		))
}

// StartToolSpan opens a span covering one tool execution.
func StartToolSpan(ctx context.Context, tool, source string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tool_execution",
		trace.WithAttributes(
			attribute.String("tool.name", tool),
			attribute.String("tool.source", source),
		))
}

// EndSpan records the error, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
