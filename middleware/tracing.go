package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/task"
)

// tracerName is the instrumentation scope name for loom tracing.
const tracerName = "github.com/loomworks/loom"

// Tracing returns middleware that wraps each task attempt in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: loom.execution.id, loom.step.id, loom.task,
// loom.attempt. On error, the span status is set to codes.Error with
// the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, inv *task.Invocation, next Handler) ([]byte, error) {
		ctx, span := tracer.Start(ctx, "loom.task.execute",
			trace.WithAttributes(
				attribute.String("loom.execution.id", inv.ExecutionID.String()),
				attribute.String("loom.step.id", inv.StepID),
				attribute.String("loom.task", inv.Task),
				attribute.Int("loom.attempt", inv.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		out, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return out, err
	}
}
