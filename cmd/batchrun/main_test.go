package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/batchrun/pkg/batchrun"
	"github.com/randalmurphal/batchrun/pkg/batchrun/checkpoint"
	"github.com/randalmurphal/batchrun/pkg/batchrun/config"
	"github.com/randalmurphal/batchrun/pkg/batchrun/export"
	"github.com/randalmurphal/batchrun/pkg/batchrun/outcome"
	"github.com/randalmurphal/batchrun/pkg/batchrun/shard"
	"github.com/randalmurphal/batchrun/pkg/batchrun/store"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		cfg, err := loadConfig("", []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, cfg.Steps)
		assert.Equal(t, config.DefaultWatchdogTimeout, cfg.WatchdogTimeout)
	})

	t.Run("file without steps takes flag steps", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "batchrun.yaml")
		require.NoError(t, os.WriteFile(path, []byte("engine:\n  watchdog_timeout: 3s\n"), 0o644))

		cfg, err := loadConfig(path, []string{"cas"})
		require.NoError(t, err)
		assert.Equal(t, []string{"cas"}, cfg.Steps)
		assert.Equal(t, 3*time.Second, cfg.WatchdogTimeout)
	})

	t.Run("file steps win", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "batchrun.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"steps": ["x", "y"]}`), 0o644))

		cfg, err := loadConfig(path, []string{"cas"})
		require.NoError(t, err)
		assert.Equal(t, []string{"x", "y"}, cfg.Steps)
	})
}

func TestCommonFlags_Apply(t *testing.T) {
	cfg := config.DefaultEngineConfig("a")
	cfg.StepDelays = map[string]time.Duration{"a": time.Second}
	f := commonFlags{storeDriver: "memory", exportFormat: "xlsx", submitDelay: 0, metrics: true}
	f.apply(&cfg)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, config.DefaultStorePath, cfg.Store.Path)
	assert.Equal(t, "xlsx", cfg.Export.Format)
	assert.Zero(t, cfg.StepDelay("a"))
	assert.True(t, cfg.Observability.Metrics)
	assert.False(t, cfg.Observability.Tracing)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, config.ObservabilityConfig{LogFormat: "json", LogLevel: "warn"})
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", slog.Int("instance_id", 2))
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"instance_id":2`)

	_, err = newLogger(io.Discard, config.ObservabilityConfig{LogFormat: "xml"})
	assert.Error(t, err)
	_, err = newLogger(io.Discard, config.ObservabilityConfig{LogLevel: "loud"})
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mem, err := openStore(ctx, config.StoreConfig{Driver: "memory"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, mem)

	lite, err := openStore(ctx, config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "b.db")}, logger)
	require.NoError(t, err)
	require.NoError(t, lite.Set(ctx, "k", []byte("v")))
	require.NoError(t, lite.Close())

	_, err = openStore(ctx, config.StoreConfig{Driver: "redis"}, logger)
	assert.ErrorContains(t, err, "redis_addr")
	_, err = openStore(ctx, config.StoreConfig{Driver: "postgres"}, logger)
	assert.ErrorContains(t, err, "postgres_dsn")
	_, err = openStore(ctx, config.StoreConfig{Driver: "etcd"}, logger)
	assert.Error(t, err)
}

func TestNewExporter(t *testing.T) {
	csv, err := newExporter(config.ExportConfig{Dir: "out", Prefix: "p", Format: "csv"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("out", "p_inst1_chunk0002.csv"), csv.Path(1, 2))

	xlsx, err := newExporter(config.ExportConfig{Dir: "out", Prefix: "p", Format: "XLSX"})
	require.NoError(t, err)
	assert.IsType(t, export.XLSXEncoder{}, xlsx.Encoder)

	_, err = newExporter(config.ExportConfig{Format: "pdf"})
	assert.Error(t, err)
}

func TestReadItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.txt")
	require.NoError(t, os.WriteFile(path, []byte("1001, 1002\n 1003;x\n12"), 0o644))

	items, err := readItems(path, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"1001", "1002", "1003"}, items)
}

func TestRenderStatus(t *testing.T) {
	assert.Contains(t, renderStatus(nil, nil), "no runs in progress")

	out := renderStatus([]batchrun.Progress{
		{InstanceID: 1, State: batchrun.StateAwaitingResult, Active: true, Current: 2, Total: 4, Percent: 50, Step: "zip", ItemID: "1003", ETA: 90 * time.Second},
		{InstanceID: 2, State: batchrun.StateIdle, Current: 0, Total: 3, Step: "cas", ItemID: "1005"},
	}, &batchrun.Settings{LastTotalInstances: 2, LastPrefix: "batchrun"})

	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "STATE")
	assert.Contains(t, lines[1], "awaiting_result")
	assert.Contains(t, lines[1], "2/4")
	assert.Contains(t, lines[1], "1m30s")
	assert.Contains(t, lines[2], "paused")
	assert.Contains(t, lines[3], "2 instances")
}

func TestDispatch_RunExportsEveryInstance(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	itemsPath := filepath.Join(dir, "items.txt")
	require.NoError(t, os.WriteFile(itemsPath, []byte("1001,1002\n1003;1004\n1005"), 0o644))
	outDir := filepath.Join(dir, "exports")

	common := []string{
		"-store-path", filepath.Join(dir, "batchrun.db"),
		"-export-dir", outDir,
		"-log-level", "error",
	}
	var stdout, stderr bytes.Buffer
	args := append([]string{"-items", itemsPath, "-instances", "2", "-submit-delay", "0"}, common...)
	require.NoError(t, dispatch(ctx, "run", args, &stdout, &stderr), stderr.String())

	assert.Contains(t, stdout.String(), "no runs in progress")
	assert.Contains(t, stdout.String(), "last start: 2 instances")
	for _, name := range []string{"batchrun_inst1_chunk0001.csv", "batchrun_inst2_chunk0001.csv"} {
		data, err := os.ReadFile(filepath.Join(outDir, name))
		require.NoError(t, err, name)
		assert.True(t, bytes.HasPrefix(data, []byte("\xEF\xBB\xBF")), name)
	}
	inst1, err := os.ReadFile(filepath.Join(outDir, "batchrun_inst1_chunk0001.csv"))
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(string(inst1), "\n"), "header and three items")

	stdout.Reset()
	require.NoError(t, dispatch(ctx, "status", common, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "no runs in progress")
}

func TestDispatch_RunResumesPausedInstance(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	itemsPath := filepath.Join(dir, "items.txt")
	require.NoError(t, os.WriteFile(itemsPath, []byte("1001\n1002\n1003\n1004"), 0o644))
	dbPath := filepath.Join(dir, "batchrun.db")
	outDir := filepath.Join(dir, "exports")

	// A paused run that already got through the first two items.
	items := []string{"1001", "1002", "1003", "1004"}
	slice, err := shard.Compute(len(items), 1, 1)
	require.NoError(t, err)
	cp := checkpoint.New(items, slice, "cas")
	cp.CurrentIndex = 2
	cp.ProcessedCount = 2
	cp.IsActive = false
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	_, err = checkpoint.Save(ctx, st, cp)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	common := []string{"-store-path", dbPath, "-export-dir", outDir, "-log-level", "error"}
	var stdout, stderr bytes.Buffer

	t.Run("different item list is refused", func(t *testing.T) {
		other := filepath.Join(dir, "other.txt")
		require.NoError(t, os.WriteFile(other, []byte("2001\n2002"), 0o644))
		args := append([]string{"-items", other, "-submit-delay", "0"}, common...)
		err := dispatch(ctx, "run", args, &stdout, &stderr)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "use resume or stop")
	})

	t.Run("same item list continues where it paused", func(t *testing.T) {
		args := append([]string{"-items", itemsPath, "-submit-delay", "0"}, common...)
		require.NoError(t, dispatch(ctx, "run", args, &stdout, &stderr), stderr.String())

		data, err := os.ReadFile(filepath.Join(outDir, "batchrun_inst1_chunk0001.csv"))
		require.NoError(t, err)
		body := string(data)
		assert.Equal(t, 3, strings.Count(body, "\n"), "header and the two remaining items")
		assert.NotContains(t, body, "1001")
		assert.NotContains(t, body, "1002")
		assert.Contains(t, body, "1003")
		assert.Contains(t, body, "1004")
	})
}

func TestDispatch_OperatorCommands(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	common := []string{"-store-path", filepath.Join(dir, "batchrun.db"), "-log-level", "error"}
	var stdout, stderr bytes.Buffer

	err := dispatch(ctx, "pause", common, &stdout, &stderr)
	assert.ErrorIs(t, err, errUsage)

	err = dispatch(ctx, "pause", append([]string{"-instance", "1"}, common...), &stdout, &stderr)
	assert.ErrorIs(t, err, batchrun.ErrNoCheckpoint)

	require.NoError(t, dispatch(ctx, "stop", append([]string{"-instance", "1"}, common...), &stdout, &stderr))
	assert.Contains(t, stdout.String(), "instance 1: stopped")

	stdout.Reset()
	require.NoError(t, dispatch(ctx, "export", append([]string{"-instance", "1"}, common...), &stdout, &stderr))
	assert.Contains(t, stdout.String(), "nothing pending")

	err = dispatch(ctx, "frobnicate", nil, &stdout, &stderr)
	assert.ErrorIs(t, err, errUsage)
}

func TestEveryNthRateLimited(t *testing.T) {
	respond := everyNthRateLimited(3)
	var limited []int
	for i := 1; i <= 7; i++ {
		if respond("1001", "cas", 1).Kind == outcome.KindRateLimited {
			limited = append(limited, i)
		}
	}
	assert.Equal(t, []int{3, 6}, limited)
	assert.Equal(t, outcome.KindSuccess, respond("1001", "cas", 2).Kind, "retries are never limited")
}
