package fn

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/WessleyAI/policyqa/pkg/fn"

// Stage is a function that transforms In to Out within a context.
type Stage[In, Out any] func(context.Context, In) Result[Out]

// Run invokes the stage; it exists so call sites read as pipeline steps.
func (s Stage[In, Out]) Run(ctx context.Context, in In) Result[Out] {
	return s(ctx, in)
}

// TracedStage wraps a stage with an OTel span. Failed results are recorded
// on the span; attrs are attached up front.
func TracedStage[In, Out any](name string, stage Stage[In, Out], attrs ...attribute.KeyValue) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		ctx, span := otel.Tracer(tracerName).Start(ctx, name)
		defer span.End()
		if len(attrs) > 0 {
			span.SetAttributes(attrs...)
		}
		result := stage(ctx, in)
		if result.IsErr() {
			_, err := result.Unwrap()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return result
	}
}

// TimeoutStage bounds a stage with its own deadline derived from the caller's
// context. A zero or negative d leaves the stage unbounded.
func TimeoutStage[In, Out any](d time.Duration, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		if d <= 0 {
			return stage(ctx, in)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return stage(ctx, in)
	}
}
