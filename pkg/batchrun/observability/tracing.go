package observability

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanManager handles trace span lifecycle.
// Use NewSpanManager for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartLoadSpan starts the span covering one execution context, from
	// load until the context is destroyed or the run ends.
	StartLoadSpan(ctx context.Context, instanceID int, runID string) (context.Context, trace.Span)

	// StartStepSpan starts a child span for one step of one item.
	StartStepSpan(ctx context.Context, step, itemID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, recording err when non-nil.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the span in ctx.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager backed by tp, or by the global tracer
// provider when tp is nil.
func NewSpanManager(tp trace.TracerProvider) SpanManager {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &otelSpanManager{tracer: tp.Tracer("batchrun")}
}

func (m *otelSpanManager) StartLoadSpan(ctx context.Context, instanceID int, runID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "batchrun.load",
		trace.WithAttributes(
			attribute.String("instance.id", strconv.Itoa(instanceID)),
			attribute.String("run.id", runID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartStepSpan(ctx context.Context, step, itemID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "batchrun.step."+step,
		trace.WithAttributes(
			attribute.String("step", step),
			attribute.String("item.id", itemID),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
