// Package results accumulates finished item outcomes for one instance and
// flushes them to bounded export chunks.
//
// The buffer is re-read before and persisted after every change, so outcomes
// survive reloads and restarts, and a flush from another process is never
// rolled back. Each outcome lands in exactly one chunk: Add ignores outcomes
// it has already accepted (by sequence number), and Flush only clears
// pending entries after the chunk was written.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/batchrun/pkg/batchrun/checkpoint"
	"github.com/randalmurphal/batchrun/pkg/batchrun/export"
	"github.com/randalmurphal/batchrun/pkg/batchrun/outcome"
	"github.com/randalmurphal/batchrun/pkg/batchrun/retry"
	"github.com/randalmurphal/batchrun/pkg/batchrun/store"
)

// DefaultThreshold is the pending size that triggers a flush.
const DefaultThreshold = 100

// State is the persisted form of a buffer.
type State struct {
	InstanceID    int               `json:"instance_id"`
	Pending       []outcome.Outcome `json:"pending"`
	ChunkNumber   int               `json:"chunk_number"`
	TotalExported int               `json:"total_exported"`
	// LastSeq is the highest outcome sequence ever accepted, -1 if none.
	LastSeq int `json:"last_seq"`
}

// Buffer is one instance's durable results buffer.
// It is not safe for concurrent use; the owning engine serializes access.
type Buffer struct {
	store     store.Store
	exporter  export.Exporter
	steps     []string
	threshold int
	logger    *slog.Logger
	onFlush   func(ctx context.Context, c export.Chunk)
	retry     retry.Policy

	state State
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithThreshold sets the flush threshold. Values below 1 are ignored.
func WithThreshold(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithFlushHook registers a function called after each chunk is exported.
func WithFlushHook(fn func(ctx context.Context, c export.Chunk)) Option {
	return func(b *Buffer) { b.onFlush = fn }
}

// WithRetry retries exports and buffer writes under p. Default: retry.None.
func WithRetry(p retry.Policy) Option {
	return func(b *Buffer) { b.retry = p }
}

// Open loads the buffer for instanceID, or starts an empty one.
func Open(ctx context.Context, s store.Store, instanceID int, steps []string, exp export.Exporter, opts ...Option) (*Buffer, error) {
	b := &Buffer{
		store:     s,
		exporter:  exp,
		steps:     steps,
		threshold: DefaultThreshold,
		logger:    slog.Default(),
		retry:     retry.None,
		state:     State{InstanceID: instanceID, LastSeq: -1},
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.refresh(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// refresh replaces the in-memory state with the stored one, if any. Another
// process flushing the same instance must never be rolled back by a write
// from a stale copy.
func (b *Buffer) refresh(ctx context.Context) error {
	id := b.state.InstanceID
	data, err := b.store.Get(ctx, checkpoint.BufferKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load results buffer %d: %w", id, err)
	}
	state := State{LastSeq: -1}
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode results buffer %d: %w", id, err)
	}
	state.InstanceID = id
	b.state = state
	return nil
}

// State returns a copy of the buffer's persisted state.
func (b *Buffer) State() State {
	s := b.state
	s.Pending = append([]outcome.Outcome(nil), b.state.Pending...)
	return s
}

// Len returns the number of pending outcomes.
func (b *Buffer) Len() int { return len(b.state.Pending) }

// ChunkNumber returns the number of the last chunk written (0 if none).
func (b *Buffer) ChunkNumber() int { return b.state.ChunkNumber }

// Add appends o, persists, and flushes once the threshold is reached.
// Outcomes whose Seq is not above the last accepted one are ignored, which
// makes replaying an interrupted advance harmless. The returned bool reports
// whether o was accepted.
func (b *Buffer) Add(ctx context.Context, o outcome.Outcome) (bool, error) {
	if err := b.refresh(ctx); err != nil {
		return false, err
	}
	if o.Seq <= b.state.LastSeq {
		b.logger.Debug("duplicate outcome ignored",
			slog.Int("seq", o.Seq),
			slog.Int("last_seq", b.state.LastSeq),
			slog.String("item_id", o.ItemID),
		)
		return false, nil
	}

	b.state.Pending = append(b.state.Pending, o)
	b.state.LastSeq = o.Seq
	if err := b.persist(ctx); err != nil {
		return true, err
	}

	if len(b.state.Pending) >= b.threshold {
		if _, err := b.Flush(ctx); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Flush writes all pending outcomes as the next chunk. An empty buffer is a
// no-op. It returns the chunk number written, or 0 when nothing was pending.
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	if err := b.refresh(ctx); err != nil {
		return 0, err
	}
	if len(b.state.Pending) == 0 {
		return 0, nil
	}

	chunk := export.Chunk{
		InstanceID: b.state.InstanceID,
		Number:     b.state.ChunkNumber + 1,
		Steps:      b.steps,
		Outcomes:   b.state.Pending,
	}
	attempts, err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		return b.exporter.Export(ctx, chunk)
	})
	if err != nil {
		return 0, fmt.Errorf("export chunk %d: %w", chunk.Number, err)
	}
	if attempts > 1 {
		b.logger.Warn("results chunk export retried",
			slog.Int("chunk", chunk.Number),
			slog.Int("attempts", attempts),
		)
	}

	b.state.ChunkNumber = chunk.Number
	b.state.TotalExported += len(chunk.Outcomes)
	b.state.Pending = nil
	if err := b.persist(ctx); err != nil {
		return chunk.Number, err
	}

	b.logger.Info("results chunk exported",
		slog.Int("instance_id", chunk.InstanceID),
		slog.Int("chunk", chunk.Number),
		slog.Int("entries", len(chunk.Outcomes)),
		slog.Int("total_exported", b.state.TotalExported),
	)
	if b.onFlush != nil {
		b.onFlush(ctx, chunk)
	}
	return chunk.Number, nil
}

// ResetSequence forgets the last accepted sequence so a new run over the
// same instance can add outcomes from index 0 again. Pending entries and
// chunk numbering are kept.
func (b *Buffer) ResetSequence(ctx context.Context) error {
	b.state.LastSeq = -1
	return b.persist(ctx)
}

func (b *Buffer) persist(ctx context.Context) error {
	data, err := json.Marshal(b.state)
	if err != nil {
		return fmt.Errorf("encode results buffer %d: %w", b.state.InstanceID, err)
	}
	_, err = retry.Do(ctx, b.retry, func(ctx context.Context) error {
		return b.store.Set(ctx, checkpoint.BufferKey(b.state.InstanceID), data)
	})
	if err != nil {
		return fmt.Errorf("save results buffer %d: %w", b.state.InstanceID, err)
	}
	return nil
}
