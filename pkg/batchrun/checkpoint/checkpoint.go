// Package checkpoint defines the durable record of where one instance's run
// is, and how it is keyed in the store.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/batchrun/pkg/batchrun/outcome"
	"github.com/randalmurphal/batchrun/pkg/batchrun/shard"
)

// Version is the current checkpoint format version.
// Increment when making breaking changes to checkpoint structure.
const Version = 1

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates no checkpoint exists for an instance.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrVersionMismatch indicates a stored checkpoint uses another format version.
	ErrVersionMismatch = errors.New("checkpoint version mismatch")

	// ErrInvalid indicates a checkpoint violates its invariants.
	ErrInvalid = errors.New("invalid checkpoint")
)

// Checkpoint is the persisted snapshot of one instance's run.
// It contains everything needed to resume after any interruption.
type Checkpoint struct {
	// Metadata
	Version   int       `json:"version"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Sharding identity
	InstanceID     int `json:"instance_id"`
	TotalInstances int `json:"total_instances"`
	TotalItems     int `json:"total_items"`
	SliceStart     int `json:"slice_start"`
	SliceEnd       int `json:"slice_end"`

	// ItemQueue is captured once at start so resuming never re-reads the source list.
	ItemQueue []string `json:"item_queue"`

	// Position
	CurrentIndex   int    `json:"current_index"`
	CurrentStep    string `json:"current_step"`
	CurrentItemID  string `json:"current_item_id,omitempty"`
	AwaitingResult bool   `json:"awaiting_result"`
	IsActive       bool   `json:"is_active"`

	// SubmittedAt is when the step in flight was last submitted.
	SubmittedAt time.Time `json:"submitted_at,omitzero"`
	// CooldownUntil holds back resubmission after a rate limit.
	CooldownUntil time.Time `json:"cooldown_until,omitzero"`

	// PerItemResults accumulates step results for the item in flight.
	PerItemResults map[string]outcome.Result `json:"per_item_results,omitempty"`

	// Bookkeeping
	ChunkNumber    int `json:"chunk_number"`
	ProcessedCount int `json:"processed_count"`
	RateLimitHits  int `json:"rate_limit_hits,omitempty"`
}

// New creates an active checkpoint positioned at the first step of the
// first item in slice. The queue is copied out of items.
func New(items []string, slice shard.Slice, firstStep string) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		Version:        Version,
		RunID:          uuid.New().String(),
		StartedAt:      now,
		UpdatedAt:      now,
		InstanceID:     slice.InstanceID,
		TotalInstances: slice.TotalInstances,
		TotalItems:     len(items),
		SliceStart:     slice.Start,
		SliceEnd:       slice.End,
		ItemQueue:      shard.Take(items, slice),
		CurrentIndex:   slice.Start,
		CurrentStep:    firstStep,
		IsActive:       true,
	}
}

// Marshal serializes a checkpoint to JSON.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal deserializes a checkpoint from JSON and checks its version.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Version != Version {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrVersionMismatch, c.Version, Version)
	}
	return &c, nil
}

// Validate checks the slice and position invariants.
func (c *Checkpoint) Validate() error {
	switch {
	case c.InstanceID < 1:
		return fmt.Errorf("%w: instance id %d", ErrInvalid, c.InstanceID)
	case c.SliceStart < 0 || c.SliceStart > c.SliceEnd || c.SliceEnd > c.TotalItems:
		return fmt.Errorf("%w: slice [%d,%d) of %d items", ErrInvalid, c.SliceStart, c.SliceEnd, c.TotalItems)
	case c.CurrentIndex < c.SliceStart || c.CurrentIndex > c.SliceEnd:
		return fmt.Errorf("%w: index %d outside [%d,%d]", ErrInvalid, c.CurrentIndex, c.SliceStart, c.SliceEnd)
	case len(c.ItemQueue) != c.SliceEnd-c.SliceStart:
		return fmt.Errorf("%w: queue holds %d items for slice of %d", ErrInvalid, len(c.ItemQueue), c.SliceEnd-c.SliceStart)
	}
	return nil
}

// Done reports whether every item in the slice has been processed.
func (c *Checkpoint) Done() bool {
	return c.CurrentIndex >= c.SliceEnd
}

// ItemAt returns the item at an absolute index inside the slice.
func (c *Checkpoint) ItemAt(index int) (string, bool) {
	i := index - c.SliceStart
	if i < 0 || i >= len(c.ItemQueue) {
		return "", false
	}
	return c.ItemQueue[i], true
}

// CurrentItem returns the item in flight: CurrentItemID while mid-item,
// otherwise the queue entry at CurrentIndex.
func (c *Checkpoint) CurrentItem() (string, bool) {
	if c.CurrentItemID != "" {
		return c.CurrentItemID, true
	}
	return c.ItemAt(c.CurrentIndex)
}

// Remaining returns the number of items not yet processed.
func (c *Checkpoint) Remaining() int {
	return c.SliceEnd - c.CurrentIndex
}

// RecordResult stores the result for step on the item in flight.
func (c *Checkpoint) RecordResult(step string, r outcome.Result) {
	if c.PerItemResults == nil {
		c.PerItemResults = make(map[string]outcome.Result)
	}
	c.PerItemResults[step] = r
}

// AdvanceItem moves to the next item and resets per-item state.
func (c *Checkpoint) AdvanceItem(firstStep string) {
	c.CurrentIndex++
	c.CurrentStep = firstStep
	c.CurrentItemID = ""
	c.PerItemResults = nil
	c.AwaitingResult = false
	c.RateLimitHits = 0
	c.SubmittedAt = time.Time{}
	c.CooldownUntil = time.Time{}
	c.ProcessedCount++
}
