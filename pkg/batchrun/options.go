package batchrun

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/batchrun/pkg/batchrun/observability"
	"github.com/randalmurphal/batchrun/pkg/batchrun/retry"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder. Default: observability.NoopMetrics.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithSpanManager sets the span manager. Default: observability.NoopSpanManager.
func WithSpanManager(s observability.SpanManager) Option {
	return func(e *Engine) {
		if s != nil {
			e.spans = s
		}
	}
}

// WithClock replaces time.Now for timestamps, ETA and deadlines.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIORetry retries checkpoint writes and chunk exports that fail with a
// transient error. Default: retry.None.
func WithIORetry(p retry.Policy) Option {
	return func(e *Engine) { e.ioRetry = p }
}
