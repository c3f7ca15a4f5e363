package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/conduct/action"
	"github.com/xraph/conduct/execution"
)

// tracerName is the instrumentation scope name for conduct tracing.
const tracerName = "github.com/xraph/conduct"

// Tracing returns middleware that wraps step execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop tracer
// is used and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: conduct.step.id, conduct.step.action_type,
// conduct.execution.id, conduct.step.sequence, conduct.step.retry_count.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, step *execution.Step, next Handler) (*action.Result, error) {
		ctx, span := tracer.Start(ctx, "conduct.step.execute",
			trace.WithAttributes(
				attribute.String("conduct.step.id", step.StepID),
				attribute.String("conduct.step.action_type", step.ActionType),
				attribute.String("conduct.execution.id", step.ExecutionID.String()),
				attribute.Int("conduct.step.sequence", step.Sequence),
				attribute.Int("conduct.step.retry_count", step.RetryCount),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		res, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return res, err
	}
}
