package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordItemProcessed(context.Context, int, string) {}
func (NoopMetrics) RecordSubmission(context.Context, int, string) {}
func (NoopMetrics) RecordStepLatency(context.Context, string, string, time.Duration) {}
func (NoopMetrics) RecordRateLimit(context.Context, int, string) {}
func (NoopMetrics) RecordWatchdogFired(context.Context, int, string) {}
func (NoopMetrics) RecordChunkExported(context.Context, int, int) {}
func (NoopMetrics) RecordCheckpoint(context.Context, int, int64) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartLoadSpan returns ctx unchanged and a no-op span.
func (NoopSpanManager) StartLoadSpan(ctx context.Context, _ int, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartStepSpan returns ctx unchanged and a no-op span.
func (NoopSpanManager) StartStepSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
