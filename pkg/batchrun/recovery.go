package batchrun

import (
	"context"
	"errors"
	"log/slog"

	"github.com/randalmurphal/batchrun/pkg/batchrun/checkpoint"
	"github.com/randalmurphal/batchrun/pkg/batchrun/observability"
)

// OnLoad is the resume entry point of a fresh execution context. It finds
// the run this context belongs to, through the session binding or through
// orphan recovery, and drives it from its persisted checkpoint.
func (e *Engine) OnLoad(ctx context.Context) (Status, error) {
	cp, status, err := e.prepareLoad(ctx)
	if cp == nil || err != nil {
		return status, err
	}
	observability.LogRunResume(observability.EnrichLogger(e.logger, cp.InstanceID, cp.RunID),
		cp.CurrentIndex, cp.CurrentStep, cp.AwaitingResult)
	return e.drive(ctx, cp)
}

func (e *Engine) prepareLoad(ctx context.Context) (*checkpoint.Checkpoint, Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.driving {
		return nil, StatusIdle, ErrAlreadyRunning
	}

	id, bound := e.binder.Current()
	if !bound {
		rid, ok, err := e.recoverOrphan(ctx)
		if err != nil || !ok {
			return nil, StatusIdle, err
		}
		id = rid
	}

	cp, err := checkpoint.Load(ctx, e.store, id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, StatusIdle, nil
	}
	if err != nil {
		return nil, StatusIdle, &CheckpointError{Op: "load", InstanceID: id, Err: err}
	}
	if cp.InstanceID != id {
		observability.LogRecoverable(e.logger, &SessionMismatchError{Bound: id, Checkpoint: cp.InstanceID}, "stay idle")
		return nil, StatusIdle, nil
	}
	if !cp.IsActive {
		return nil, StatusPaused, nil
	}
	e.driving = true
	return cp, StatusIdle, nil
}

// Recover binds this context to an orphaned run: one whose checkpoint is
// still awaiting a result although no context is bound to it, as after a
// full restart. It only looks when nothing is bound and the page shows a
// submission result. Checkpoints are examined in instance order and the
// first one awaiting a result wins.
func (e *Engine) Recover(ctx context.Context) (int, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recoverOrphan(ctx)
}

func (e *Engine) recoverOrphan(ctx context.Context) (int, bool, error) {
	if _, bound := e.binder.Current(); bound {
		return 0, false, nil
	}
	if !e.page.OnResultPage() {
		return 0, false, nil
	}

	cps, err := checkpoint.Scan(ctx, e.store, func(key string, err error) {
		e.logger.Warn("skipping unreadable checkpoint",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	})
	if err != nil {
		return 0, false, &CheckpointError{Op: "scan", Err: err}
	}

	for _, cp := range cps {
		if !cp.AwaitingResult {
			continue
		}
		if err := e.binder.Bind(cp.InstanceID); err != nil {
			return 0, false, err
		}
		observability.LogOrphanRecovered(e.logger, cp.InstanceID, cp.CurrentItemID, cp.CurrentStep)
		return cp.InstanceID, true, nil
	}
	return 0, false, nil
}
