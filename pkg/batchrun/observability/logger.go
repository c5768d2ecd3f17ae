// Package observability carries the engine's structured logging, metrics and
// tracing. Logging uses log/slog; metrics and traces use OpenTelemetry. Every
// helper tolerates a nil logger and every signal has a no-op variant.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger scopes a logger to one instance run.
func EnrichLogger(logger *slog.Logger, instanceID int, runID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.Int("instance_id", instanceID),
		slog.String("run_id", runID),
	)
}

// LogRunStart logs a fresh run over an instance's slice.
func LogRunStart(logger *slog.Logger, instanceID, totalInstances, sliceStart, sliceEnd int) {
	if logger == nil {
		return
	}
	logger.Info("batch run starting",
		slog.Int("instance_id", instanceID),
		slog.Int("total_instances", totalInstances),
		slog.Int("slice_start", sliceStart),
		slog.Int("slice_end", sliceEnd),
		slog.Int("items", sliceEnd-sliceStart),
	)
}

// LogRunResume logs continuation from a persisted checkpoint.
func LogRunResume(logger *slog.Logger, index int, step string, awaiting bool) {
	if logger == nil {
		return
	}
	logger.Info("batch run resuming",
		slog.Int("index", index),
		slog.String("step", step),
		slog.Bool("awaiting_result", awaiting),
	)
}

// LogRunComplete logs the end of a slice.
func LogRunComplete(logger *slog.Logger, processed, chunks int, elapsed time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("batch run completed",
		slog.Int("processed", processed),
		slog.Int("chunks", chunks),
		slog.Duration("elapsed", elapsed),
	)
}

// LogRunStopped logs an operator stop.
func LogRunStopped(logger *slog.Logger, processed int) {
	if logger == nil {
		return
	}
	logger.Info("batch run stopped", slog.Int("processed", processed))
}

// LogStepSubmitted logs a submission about to leave the engine.
func LogStepSubmitted(logger *slog.Logger, itemID, step string) {
	if logger == nil {
		return
	}
	logger.Debug("step submitted",
		slog.String("item_id", itemID),
		slog.String("step", step),
	)
}

// LogStepResult logs a classified step result.
func LogStepResult(logger *slog.Logger, itemID, step, kind, message string) {
	if logger == nil {
		return
	}
	logger.Info("step result",
		slog.String("item_id", itemID),
		slog.String("step", step),
		slog.String("kind", kind),
		slog.String("message", message),
	)
}

// LogItemComplete logs an item's summary outcome.
func LogItemComplete(logger *slog.Logger, index int, itemID, summary string) {
	if logger == nil {
		return
	}
	logger.Info("item completed",
		slog.Int("index", index),
		slog.String("item_id", itemID),
		slog.String("summary", summary),
	)
}

// LogRecoverable logs a handled failure, e.g. a fired watchdog or a rate
// limit. The engine keeps going after these.
func LogRecoverable(logger *slog.Logger, err error, action string) {
	if logger == nil {
		return
	}
	logger.Warn("recoverable failure",
		slog.String("error", err.Error()),
		slog.String("action", action),
	)
}

// LogCheckpoint logs a persisted checkpoint.
func LogCheckpoint(logger *slog.Logger, index int, step string, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.Int("index", index),
		slog.String("step", step),
		slog.Int("size_bytes", sizeBytes),
	)
}

// LogCheckpointError logs a failed store operation.
func LogCheckpointError(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("checkpoint failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogOrphanRecovered logs the binding of an orphaned checkpoint.
func LogOrphanRecovered(logger *slog.Logger, instanceID int, itemID, step string) {
	if logger == nil {
		return
	}
	logger.Info("orphaned checkpoint recovered",
		slog.Int("instance_id", instanceID),
		slog.String("item_id", itemID),
		slog.String("step", step),
	)
}

// TimedOperation returns a function reporting the time elapsed since the call.
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration { return time.Since(start) }
}
