package batchrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/batchrun/pkg/batchrun/backoff"
	"github.com/randalmurphal/batchrun/pkg/batchrun/checkpoint"
	"github.com/randalmurphal/batchrun/pkg/batchrun/config"
	"github.com/randalmurphal/batchrun/pkg/batchrun/export"
	"github.com/randalmurphal/batchrun/pkg/batchrun/observability"
	"github.com/randalmurphal/batchrun/pkg/batchrun/results"
	"github.com/randalmurphal/batchrun/pkg/batchrun/retry"
	"github.com/randalmurphal/batchrun/pkg/batchrun/session"
	"github.com/randalmurphal/batchrun/pkg/batchrun/shard"
	"github.com/randalmurphal/batchrun/pkg/batchrun/store"
)

// Status tells the caller why a driver returned and what to do next.
type Status int

const (
	// StatusIdle means there is nothing to drive: no bound instance, no
	// checkpoint, or the run was stopped.
	StatusIdle Status = iota

	// StatusPaused means the checkpoint exists but is inactive.
	StatusPaused

	// StatusDetached means the execution context was destroyed. The next
	// context continues with OnLoad.
	StatusDetached

	// StatusNavigating means the engine forced a navigation to the entry
	// page. The next context continues with OnLoad.
	StatusNavigating

	// StatusComplete means every item of the slice was processed.
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPaused:
		return "paused"
	case StatusDetached:
		return "detached"
	case StatusNavigating:
		return "navigating"
	case StatusComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Store      store.Store
	Binder     session.Binder
	Form       Form
	Classifier Classifier
	Page       Page
	Exporter   export.Exporter
}

// Engine drives one execution context. Create one per load; state that must
// outlive the context lives in the store, and the instance binding lives in
// the Binder.
type Engine struct {
	store      store.Store
	binder     session.Binder
	form       Form
	classifier Classifier
	page       Page
	exporter   export.Exporter

	cfg     config.EngineConfig
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	now     func() time.Time
	ioRetry retry.Policy

	mu      sync.Mutex
	driving bool
	wake    chan struct{}
}

// New creates an Engine. A nil Binder gets a fresh in-memory one.
func New(deps Deps, cfg config.EngineConfig, opts ...Option) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("batchrun: store is required")
	case deps.Form == nil:
		return nil, errors.New("batchrun: form is required")
	case deps.Classifier == nil:
		return nil, errors.New("batchrun: classifier is required")
	case deps.Page == nil:
		return nil, errors.New("batchrun: page is required")
	case deps.Exporter == nil:
		return nil, errors.New("batchrun: exporter is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.Default()
	}
	if deps.Binder == nil {
		deps.Binder = session.NewMemoryBinder()
	}

	e := &Engine{
		store:      deps.Store,
		binder:     deps.Binder,
		form:       deps.Form,
		classifier: deps.Classifier,
		page:       deps.Page,
		exporter:   deps.Exporter,
		cfg:        cfg,
		logger:     slog.Default(),
		metrics:    observability.NoopMetrics{},
		spans:      observability.NoopSpanManager{},
		now:        time.Now,
		ioRetry:    retry.None,
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() config.EngineConfig { return e.cfg }

// Start begins a fresh run of instanceID over its share of items and drives
// it until the context is destroyed, the run pauses, or the slice completes.
// An inactive checkpoint left by a paused run is replaced.
func (e *Engine) Start(ctx context.Context, instanceID, totalInstances int, items []string) (Status, error) {
	if len(items) == 0 {
		return StatusIdle, ErrEmptyItems
	}
	slice, err := shard.Compute(len(items), instanceID, totalInstances)
	if err != nil {
		return StatusIdle, err
	}

	cp, err := e.prepareStart(ctx, slice, items)
	if err != nil {
		return StatusIdle, err
	}
	observability.LogRunStart(e.logger, instanceID, totalInstances, slice.Start, slice.End)
	return e.drive(ctx, cp)
}

func (e *Engine) prepareStart(ctx context.Context, slice shard.Slice, items []string) (*checkpoint.Checkpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.driving {
		return nil, ErrAlreadyRunning
	}
	id := slice.InstanceID

	existing, err := checkpoint.Load(ctx, e.store, id)
	switch {
	case err == nil && existing.IsActive:
		return nil, fmt.Errorf("%w: instance %d", ErrAlreadyRunning, id)
	case err == nil:
		e.logger.Warn("replacing paused run",
			slog.Int("instance_id", id),
			slog.String("run_id", existing.RunID),
			slog.Int("index", existing.CurrentIndex),
		)
	case !errors.Is(err, checkpoint.ErrNotFound):
		return nil, &CheckpointError{Op: "load", InstanceID: id, Err: err}
	}

	if err := e.binder.Bind(id); err != nil {
		return nil, fmt.Errorf("start instance %d: %w", id, err)
	}

	cp, err := e.initRun(ctx, slice, items)
	if err != nil {
		e.binder.Clear()
		return nil, err
	}
	e.driving = true
	return cp, nil
}

func (e *Engine) initRun(ctx context.Context, slice shard.Slice, items []string) (*checkpoint.Checkpoint, error) {
	cp := checkpoint.New(items, slice, e.cfg.Steps[0])
	cp.StartedAt = e.now().UTC()

	buf, err := e.buffer(ctx, slice.InstanceID)
	if err != nil {
		return nil, err
	}
	if err := buf.ResetSequence(ctx); err != nil {
		return nil, &CheckpointError{Op: "buffer", InstanceID: slice.InstanceID, Err: err}
	}
	cp.ChunkNumber = buf.ChunkNumber()

	if err := e.save(ctx, cp); err != nil {
		return nil, err
	}
	if err := e.saveSettings(ctx, slice.TotalInstances); err != nil {
		return nil, err
	}
	return cp, nil
}

// Pause deactivates the bound run. The step in flight is resubmitted on
// Resume. A running driver notices on its next wake-up and returns
// StatusPaused.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, err := e.boundCheckpoint(ctx)
	if err != nil {
		return err
	}
	if !cp.IsActive {
		return ErrNotRunning
	}
	cp.IsActive = false
	cp.AwaitingResult = false
	if err := e.save(ctx, cp); err != nil {
		return err
	}
	e.logger.Info("batch run paused",
		slog.Int("instance_id", cp.InstanceID),
		slog.Int("index", cp.CurrentIndex),
		slog.String("step", cp.CurrentStep),
	)
	e.signal()
	return nil
}

// Resume reactivates a paused run and drives it.
func (e *Engine) Resume(ctx context.Context) (Status, error) {
	cp, err := e.prepareResume(ctx)
	if err != nil {
		return StatusIdle, err
	}
	observability.LogRunResume(e.logger, cp.CurrentIndex, cp.CurrentStep, cp.AwaitingResult)
	return e.drive(ctx, cp)
}

func (e *Engine) prepareResume(ctx context.Context) (*checkpoint.Checkpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.driving {
		return nil, ErrAlreadyRunning
	}
	cp, err := e.boundCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	if cp.IsActive {
		return nil, ErrAlreadyRunning
	}
	cp.IsActive = true
	if err := e.save(ctx, cp); err != nil {
		return nil, err
	}
	e.driving = true
	return cp, nil
}

// Stop ends the bound run: it deactivates the checkpoint, flushes buffered
// results, deletes the checkpoint and unbinds. The results buffer record is
// kept so chunk numbering continues on the next run. Stopping when nothing
// is bound is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.binder.Current()
	if !ok {
		return nil
	}

	processed := 0
	cp, err := checkpoint.Load(ctx, e.store, id)
	switch {
	case err == nil:
		processed = cp.ProcessedCount
		cp.IsActive = false
		cp.AwaitingResult = false
		if err := e.save(ctx, cp); err != nil {
			return err
		}
	case !errors.Is(err, checkpoint.ErrNotFound):
		return &CheckpointError{Op: "load", InstanceID: id, Err: err}
	}

	if _, err := e.finish(ctx, id); err != nil {
		return err
	}
	observability.LogRunStopped(e.logger, processed)
	e.signal()
	return nil
}

// ExportNow flushes the bound instance's pending results as a chunk and
// returns its number, or 0 when nothing was pending.
func (e *Engine) ExportNow(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.binder.Current()
	if !ok {
		return 0, ErrNoSession
	}
	buf, err := e.buffer(ctx, id)
	if err != nil {
		return 0, err
	}
	n, err := buf.Flush(ctx)
	if err != nil {
		return 0, &CheckpointError{Op: "flush", InstanceID: id, Err: err}
	}
	return n, nil
}

// finish flushes, deletes the checkpoint and unbinds. It returns the number
// of the last chunk written. Callers hold e.mu.
func (e *Engine) finish(ctx context.Context, id int) (int, error) {
	buf, err := e.buffer(ctx, id)
	if err != nil {
		return 0, err
	}
	if _, err := buf.Flush(ctx); err != nil {
		return 0, &CheckpointError{Op: "flush", InstanceID: id, Err: err}
	}
	if err := checkpoint.Delete(ctx, e.store, id); err != nil {
		return 0, &CheckpointError{Op: "delete", InstanceID: id, Err: err}
	}
	e.binder.Clear()
	return buf.ChunkNumber(), nil
}

// boundCheckpoint loads the checkpoint of the bound instance. Callers hold e.mu.
func (e *Engine) boundCheckpoint(ctx context.Context) (*checkpoint.Checkpoint, error) {
	id, ok := e.binder.Current()
	if !ok {
		return nil, ErrNoSession
	}
	cp, err := checkpoint.Load(ctx, e.store, id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: instance %d", ErrNoCheckpoint, id)
	}
	if err != nil {
		return nil, &CheckpointError{Op: "load", InstanceID: id, Err: err}
	}
	return cp, nil
}

// buffer loads the results buffer of id. It is re-read on every use since
// an operator in another context may have flushed it. Callers hold e.mu.
func (e *Engine) buffer(ctx context.Context, id int) (*results.Buffer, error) {
	b, err := results.Open(ctx, e.store, id, e.cfg.Steps, e.exporter,
		results.WithThreshold(e.cfg.Export.Threshold),
		results.WithLogger(e.logger),
		results.WithRetry(e.ioRetry),
		results.WithFlushHook(func(ctx context.Context, c export.Chunk) {
			e.metrics.RecordChunkExported(ctx, c.InstanceID, len(c.Outcomes))
		}),
	)
	if err != nil {
		return nil, &CheckpointError{Op: "buffer", InstanceID: id, Err: err}
	}
	return b, nil
}

// save validates and persists cp. Callers hold e.mu.
func (e *Engine) save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	size, attempts, err := retry.Value(ctx, e.ioRetry, func(ctx context.Context) (int, error) {
		n, err := checkpoint.Save(ctx, e.store, cp)
		if errors.Is(err, checkpoint.ErrInvalid) {
			return n, retry.Permanent(err)
		}
		return n, err
	})
	if attempts > 1 {
		e.logger.Warn("checkpoint save retried",
			slog.Int("instance_id", cp.InstanceID),
			slog.Int("attempts", attempts),
		)
	}
	if err != nil {
		observability.LogCheckpointError(e.logger, "save", err)
		return &CheckpointError{Op: "save", InstanceID: cp.InstanceID, Err: err}
	}
	e.metrics.RecordCheckpoint(ctx, cp.InstanceID, int64(size))
	observability.LogCheckpoint(e.logger, cp.CurrentIndex, cp.CurrentStep, size)
	return nil
}

// signal wakes a sleeping driver so it re-reads the checkpoint.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) nextStep(step string) (string, bool) {
	for i, s := range e.cfg.Steps {
		if s == step && i+1 < len(e.cfg.Steps) {
			return e.cfg.Steps[i+1], true
		}
	}
	return "", false
}
