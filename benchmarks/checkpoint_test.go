package benchmarks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/randalmurphal/batchrun/pkg/batchrun/checkpoint"
	"github.com/randalmurphal/batchrun/pkg/batchrun/export"
	"github.com/randalmurphal/batchrun/pkg/batchrun/outcome"
	"github.com/randalmurphal/batchrun/pkg/batchrun/results"
	"github.com/randalmurphal/batchrun/pkg/batchrun/shard"
	"github.com/randalmurphal/batchrun/pkg/batchrun/store"
)

var steps = []string{"cas", "zip", "videos"}

// BenchmarkMemoryStore_Save measures in-memory checkpoint save.
func BenchmarkMemoryStore_Save(b *testing.B) {
	st := store.NewMemoryStore()
	cp := createCheckpoint(b, 1000)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = checkpoint.Save(ctx, st, cp)
	}
}

// BenchmarkMemoryStore_Load measures in-memory checkpoint load.
func BenchmarkMemoryStore_Load(b *testing.B) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	_, _ = checkpoint.Save(ctx, st, createCheckpoint(b, 1000))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = checkpoint.Load(ctx, st, 1)
	}
}

// BenchmarkSQLiteStore_Save measures SQLite checkpoint save.
func BenchmarkSQLiteStore_Save(b *testing.B) {
	st, cleanup := createSQLiteStore(b)
	defer cleanup()
	cp := createCheckpoint(b, 1000)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = checkpoint.Save(ctx, st, cp)
	}
}

// BenchmarkSQLiteStore_Load measures SQLite checkpoint load.
func BenchmarkSQLiteStore_Load(b *testing.B) {
	st, cleanup := createSQLiteStore(b)
	defer cleanup()
	ctx := context.Background()
	_, _ = checkpoint.Save(ctx, st, createCheckpoint(b, 1000))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = checkpoint.Load(ctx, st, 1)
	}
}

// BenchmarkCheckpoint_Marshal measures checkpoint serialization for a
// 10k-item slice.
func BenchmarkCheckpoint_Marshal(b *testing.B) {
	cp := createCheckpoint(b, 10000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = cp.Marshal()
	}
}

// BenchmarkCheckpoint_Unmarshal measures checkpoint deserialization.
func BenchmarkCheckpoint_Unmarshal(b *testing.B) {
	data, err := createCheckpoint(b, 10000).Marshal()
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = checkpoint.Unmarshal(data)
	}
}

// BenchmarkResultsBuffer_Add measures buffering one outcome, including the
// store write and a flush every 100 outcomes.
func BenchmarkResultsBuffer_Add(b *testing.B) {
	ctx := context.Background()
	buf, err := results.Open(ctx, store.NewMemoryStore(), 1, steps, export.NewMemoryExporter())
	if err != nil {
		b.Fatal(err)
	}
	res := map[string]outcome.Result{
		"cas": {Kind: outcome.KindSuccess},
		"zip": {Kind: outcome.KindInfo, Message: "already registered"},
	}
	now := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = buf.Add(ctx, outcome.New(i, itemID(i), steps, res, now))
	}
}

// Helper functions

func itemID(n int) string {
	return fmt.Sprintf("%020d", n)
}

func createItems(n int) []string {
	items := make([]string, n)
	for i := range items {
		items[i] = itemID(i)
	}
	return items
}

func createCheckpoint(b *testing.B, n int) *checkpoint.Checkpoint {
	b.Helper()
	slice, err := shard.Compute(n, 1, 1)
	if err != nil {
		b.Fatal(err)
	}
	cp := checkpoint.New(createItems(n), slice, steps[0])
	cp.CurrentIndex = n / 2
	cp.CurrentStep = "zip"
	cp.CurrentItemID = itemID(n / 2)
	cp.RecordResult("cas", outcome.Result{Kind: outcome.KindSuccess, Message: "registered"})
	return cp
}

func createSQLiteStore(b *testing.B) (*store.SQLiteStore, func()) {
	b.Helper()
	tmpFile, err := os.CreateTemp("", "bench-*.db")
	if err != nil {
		b.Fatal(err)
	}
	tmpFile.Close()

	st, err := store.NewSQLiteStore(tmpFile.Name())
	if err != nil {
		os.Remove(tmpFile.Name())
		b.Fatal(err)
	}

	return st, func() {
		st.Close()
		os.Remove(tmpFile.Name())
	}
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
