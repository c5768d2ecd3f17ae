// Package session binds an execution context to exactly one worker-instance
// identity for the lifetime of a run.
//
// Bindings are volatile: they live as long as the host execution context
// (a browser tab, a worker process) and are lost on a full restart. Durable
// state is found again through orphan recovery, not through the binder.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyBound indicates the context is bound to a different instance.
var ErrAlreadyBound = errors.New("session already bound to another instance")

// ErrInvalidInstance indicates a non-positive instance id.
var ErrInvalidInstance = errors.New("instance id must be positive")

// Binder associates the current execution context with one instance id.
type Binder interface {
	// Bind associates the context with instanceID. Binding the id that is
	// already bound is a no-op; binding a different id returns ErrAlreadyBound.
	Bind(instanceID int) error

	// Current returns the bound instance id, if any.
	Current() (int, bool)

	// Clear removes the binding.
	Clear()
}

// MemoryBinder is a goroutine-safe, in-memory Binder.
type MemoryBinder struct {
	mu         sync.RWMutex
	instanceID int
}

// NewMemoryBinder returns an unbound binder.
func NewMemoryBinder() *MemoryBinder {
	return &MemoryBinder{}
}

// Bind implements Binder.
func (b *MemoryBinder) Bind(instanceID int) error {
	if instanceID < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidInstance, instanceID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.instanceID != 0 && b.instanceID != instanceID {
		return fmt.Errorf("%w: bound to %d, asked for %d", ErrAlreadyBound, b.instanceID, instanceID)
	}
	b.instanceID = instanceID
	return nil
}

// Current implements Binder.
func (b *MemoryBinder) Current() (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.instanceID, b.instanceID != 0
}

// Clear implements Binder.
func (b *MemoryBinder) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instanceID = 0
}
