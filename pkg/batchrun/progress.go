package batchrun

import (
	"context"
	"time"

	"github.com/randalmurphal/batchrun/pkg/batchrun/checkpoint"
)

// Progress is a snapshot of one instance's run.
type Progress struct {
	InstanceID int
	RunID      string
	State      State

	// Current counts items of the slice already processed; Total is the
	// slice length.
	Current int
	Total   int
	Percent float64

	Step   string
	ItemID string

	// ETA extrapolates the time left from the average time per item of
	// this run. Zero until one item is done.
	ETA time.Duration

	Processed      int
	Chunk          int
	Active         bool
	AwaitingResult bool
}

// ProgressOf summarizes cp as of now.
func ProgressOf(cp *checkpoint.Checkpoint, now time.Time) Progress {
	p := Progress{
		InstanceID:     cp.InstanceID,
		RunID:          cp.RunID,
		State:          StateOf(cp, now),
		Current:        cp.CurrentIndex - cp.SliceStart,
		Total:          cp.SliceEnd - cp.SliceStart,
		Step:           cp.CurrentStep,
		Processed:      cp.ProcessedCount,
		Chunk:          cp.ChunkNumber,
		Active:         cp.IsActive,
		AwaitingResult: cp.AwaitingResult,
	}
	p.ItemID, _ = cp.CurrentItem()

	if p.Total > 0 {
		p.Percent = float64(p.Current) * 100 / float64(p.Total)
	} else {
		p.Percent = 100
	}
	if cp.ProcessedCount > 0 {
		elapsed := now.Sub(cp.StartedAt)
		perItem := float64(elapsed) / float64(cp.ProcessedCount)
		p.ETA = time.Duration(perItem * float64(cp.Remaining()))
	}
	return p
}

// Progress reports on the bound instance.
func (e *Engine) Progress(ctx context.Context) (Progress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, err := e.boundCheckpoint(ctx)
	if err != nil {
		return Progress{}, err
	}
	return ProgressOf(cp, e.now()), nil
}

// Instances reports on every stored run, in instance order.
func (e *Engine) Instances(ctx context.Context) ([]Progress, error) {
	cps, err := checkpoint.Scan(ctx, e.store, nil)
	if err != nil {
		return nil, &CheckpointError{Op: "scan", Err: err}
	}
	now := e.now()
	out := make([]Progress, 0, len(cps))
	for _, cp := range cps {
		out = append(out, ProgressOf(cp, now))
	}
	return out, nil
}
