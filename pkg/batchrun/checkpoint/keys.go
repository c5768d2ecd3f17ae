package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/batchrun/pkg/batchrun/store"
)

// Store key naming. Checkpoints and result buffers are namespaced by
// instance id; settings are shared by every instance.
const (
	KeyPrefix       = "checkpoint:"
	BufferKeyPrefix = "resultsBuffer:"
	SettingsKey     = "settings"
)

// Key returns the store key for an instance's checkpoint: checkpoint:{id}
func Key(instanceID int) string { return KeyPrefix + strconv.Itoa(instanceID) }

// BufferKey returns the store key for an instance's results buffer: resultsBuffer:{id}
func BufferKey(instanceID int) string { return BufferKeyPrefix + strconv.Itoa(instanceID) }

// ParseKey extracts the instance id from a checkpoint key.
func ParseKey(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// Load reads the checkpoint for instanceID.
// Returns ErrNotFound if none is stored.
func Load(ctx context.Context, s store.Store, instanceID int) (*Checkpoint, error) {
	data, err := s.Get(ctx, Key(instanceID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %d: %w", instanceID, err)
	}
	cp, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %d: %w", instanceID, err)
	}
	return cp, nil
}

// Save validates, stamps and writes c. It returns the encoded size in bytes.
func Save(ctx context.Context, s store.Store, c *Checkpoint) (int, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	c.UpdatedAt = time.Now().UTC()
	data, err := c.Marshal()
	if err != nil {
		return 0, fmt.Errorf("encode checkpoint %d: %w", c.InstanceID, err)
	}
	if err := s.Set(ctx, Key(c.InstanceID), data); err != nil {
		return 0, fmt.Errorf("save checkpoint %d: %w", c.InstanceID, err)
	}
	return len(data), nil
}

// Delete removes the checkpoint for instanceID.
func Delete(ctx context.Context, s store.Store, instanceID int) error {
	if err := s.Delete(ctx, Key(instanceID)); err != nil {
		return fmt.Errorf("delete checkpoint %d: %w", instanceID, err)
	}
	return nil
}

// Scan loads every stored checkpoint, ordered by instance id. Entries that fail to
// decode are reported through skip and left in place.
func Scan(ctx context.Context, s store.Store, skip func(key string, err error)) ([]*Checkpoint, error) {
	keys, err := s.ListKeys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var out []*Checkpoint
	for _, key := range keys {
		id, ok := ParseKey(key)
		if !ok {
			continue
		}
		cp, err := Load(ctx, s, id)
		if errors.Is(err, ErrNotFound) {
			// Deleted between listing and loading
			continue
		}
		if err != nil {
			if skip != nil {
				skip(key, err)
			}
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}
