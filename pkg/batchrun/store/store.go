// Package store provides the durable key/value persistence that batch runs
// checkpoint into. Values survive process restarts; keys are flat strings
// namespaced by the caller (for example "checkpoint:3").
package store

import (
	"context"
	"errors"
)

// Store persists opaque values by key.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the value for key.
	// Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key.
	// Returns nil if the key doesn't exist.
	Delete(ctx context.Context, key string) error

	// ListKeys returns all keys starting with prefix, sorted ascending.
	// An empty prefix lists every key. Returns an empty slice (not error)
	// when nothing matches.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates a key doesn't exist.
	ErrNotFound = errors.New("key not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)
