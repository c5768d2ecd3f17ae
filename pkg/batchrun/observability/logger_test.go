package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJSONLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &rec))
	return rec
}

func TestEnrichLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := EnrichLogger(newJSONLogger(&buf), 3, "run-9")
	logger.Info("hello")

	rec := lastRecord(t, &buf)
	assert.Equal(t, float64(3), rec["instance_id"])
	assert.Equal(t, "run-9", rec["run_id"])

	assert.Nil(t, EnrichLogger(nil, 1, "x"))
}

func TestLogHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)

	tests := []struct {
		name  string
		log   func()
		msg   string
		level string
		key   string
		want  any
	}{
		{"run start", func() { LogRunStart(logger, 2, 3, 10, 20) }, "batch run starting", "INFO", "items", float64(10)},
		{"resume", func() { LogRunResume(logger, 12, "zip", true) }, "batch run resuming", "INFO", "step", "zip"},
		{"complete", func() { LogRunComplete(logger, 10, 1, time.Second) }, "batch run completed", "INFO", "chunks", float64(1)},
		{"stopped", func() { LogRunStopped(logger, 4) }, "batch run stopped", "INFO", "processed", float64(4)},
		{"submitted", func() { LogStepSubmitted(logger, "item", "cas") }, "step submitted", "DEBUG", "item_id", "item"},
		{"result", func() { LogStepResult(logger, "item", "cas", "error", "bad") }, "step result", "INFO", "message", "bad"},
		{"item", func() { LogItemComplete(logger, 5, "item", "success") }, "item completed", "INFO", "summary", "success"},
		{"recoverable", func() { LogRecoverable(logger, errors.New("late"), "retry") }, "recoverable failure", "WARN", "action", "retry"},
		{"checkpoint", func() { LogCheckpoint(logger, 1, "cas", 300) }, "checkpoint saved", "DEBUG", "size_bytes", float64(300)},
		{"checkpoint error", func() { LogCheckpointError(logger, "save", errors.New("disk")) }, "checkpoint failed", "ERROR", "operation", "save"},
		{"orphan", func() { LogOrphanRecovered(logger, 2, "item", "zip") }, "orphaned checkpoint recovered", "INFO", "instance_id", float64(2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.log()
			rec := lastRecord(t, &buf)
			assert.Equal(t, tt.msg, rec["msg"])
			assert.Equal(t, tt.level, rec["level"])
			assert.Equal(t, tt.want, rec[tt.key])
		})
	}
}

func TestLogHelpers_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		LogRunStart(nil, 1, 1, 0, 1)
		LogRunResume(nil, 0, "a", false)
		LogRunComplete(nil, 0, 0, 0)
		LogRunStopped(nil, 0)
		LogStepSubmitted(nil, "i", "s")
		LogStepResult(nil, "i", "s", "k", "m")
		LogItemComplete(nil, 0, "i", "s")
		LogRecoverable(nil, errors.New("x"), "a")
		LogCheckpoint(nil, 0, "s", 0)
		LogCheckpointError(nil, "op", errors.New("x"))
		LogOrphanRecovered(nil, 1, "i", "s")
	})
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, done(), 5*time.Millisecond)
}
