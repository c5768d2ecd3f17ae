package observability

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records engine metrics.
// Use NewMetricsRecorder for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordItemProcessed counts a finished item by its summary kind.
	RecordItemProcessed(ctx context.Context, instanceID int, summary string)

	// RecordSubmission counts a step submission.
	RecordSubmission(ctx context.Context, instanceID int, step string)

	// RecordStepLatency records submit-to-classification time of a step.
	RecordStepLatency(ctx context.Context, step, kind string, d time.Duration)

	// RecordRateLimit counts a rate-limit classification.
	RecordRateLimit(ctx context.Context, instanceID int, step string)

	// RecordWatchdogFired counts a submission that never took effect.
	RecordWatchdogFired(ctx context.Context, instanceID int, step string)

	// RecordChunkExported counts an exported chunk and its entries.
	RecordChunkExported(ctx context.Context, instanceID, entries int)

	// RecordCheckpoint records the encoded size of a saved checkpoint.
	RecordCheckpoint(ctx context.Context, instanceID int, sizeBytes int64)
}

type otelMetrics struct {
	itemsProcessed metric.Int64Counter
	submissions    metric.Int64Counter
	stepLatency    metric.Float64Histogram
	rateLimitHits  metric.Int64Counter
	watchdogFired  metric.Int64Counter
	chunksExported metric.Int64Counter
	checkpointSize metric.Int64Histogram
}

func newOtelMetrics(mp metric.MeterProvider) (*otelMetrics, error) {
	meter := mp.Meter("batchrun")
	m := &otelMetrics{}
	var err error

	if m.itemsProcessed, err = meter.Int64Counter("batchrun.items.processed",
		metric.WithDescription("Number of items that finished every step"),
	); err != nil {
		return nil, err
	}
	if m.submissions, err = meter.Int64Counter("batchrun.step.submissions",
		metric.WithDescription("Number of step submissions"),
	); err != nil {
		return nil, err
	}
	if m.stepLatency, err = meter.Float64Histogram("batchrun.step.latency_ms",
		metric.WithDescription("Time from submission to classified result"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.rateLimitHits, err = meter.Int64Counter("batchrun.ratelimit.hits",
		metric.WithDescription("Number of rate-limit classifications"),
	); err != nil {
		return nil, err
	}
	if m.watchdogFired, err = meter.Int64Counter("batchrun.watchdog.fired",
		metric.WithDescription("Number of submissions that did not take effect"),
	); err != nil {
		return nil, err
	}
	if m.chunksExported, err = meter.Int64Counter("batchrun.chunks.exported",
		metric.WithDescription("Number of exported result chunks"),
	); err != nil {
		return nil, err
	}
	if m.checkpointSize, err = meter.Int64Histogram("batchrun.checkpoint.size_bytes",
		metric.WithDescription("Encoded checkpoint size"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns an OpenTelemetry recorder backed by mp, or by
// the global meter provider when mp is nil. If instrument creation fails it
// logs a warning and returns NoopMetrics.
func NewMetricsRecorder(mp metric.MeterProvider) MetricsRecorder {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m, err := newOtelMetrics(mp)
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func instanceAttr(id int) attribute.KeyValue {
	return attribute.String("instance_id", strconv.Itoa(id))
}

func (m *otelMetrics) RecordItemProcessed(ctx context.Context, instanceID int, summary string) {
	m.itemsProcessed.Add(ctx, 1, metric.WithAttributes(
		instanceAttr(instanceID),
		attribute.String("summary", summary),
	))
}

func (m *otelMetrics) RecordSubmission(ctx context.Context, instanceID int, step string) {
	m.submissions.Add(ctx, 1, metric.WithAttributes(
		instanceAttr(instanceID),
		attribute.String("step", step),
	))
}

func (m *otelMetrics) RecordStepLatency(ctx context.Context, step, kind string, d time.Duration) {
	m.stepLatency.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("kind", kind),
	))
}

func (m *otelMetrics) RecordRateLimit(ctx context.Context, instanceID int, step string) {
	m.rateLimitHits.Add(ctx, 1, metric.WithAttributes(
		instanceAttr(instanceID),
		attribute.String("step", step),
	))
}

func (m *otelMetrics) RecordWatchdogFired(ctx context.Context, instanceID int, step string) {
	m.watchdogFired.Add(ctx, 1, metric.WithAttributes(
		instanceAttr(instanceID),
		attribute.String("step", step),
	))
}

func (m *otelMetrics) RecordChunkExported(ctx context.Context, instanceID, entries int) {
	m.chunksExported.Add(ctx, 1, metric.WithAttributes(
		instanceAttr(instanceID),
		attribute.Int("entries", entries),
	))
}

func (m *otelMetrics) RecordCheckpoint(ctx context.Context, instanceID int, sizeBytes int64) {
	m.checkpointSize.Record(ctx, sizeBytes, metric.WithAttributes(instanceAttr(instanceID)))
}
