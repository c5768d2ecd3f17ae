package batchrun

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors reported by collaborators.
var (
	// ErrMissingFields is returned by Form.Prepare when the page lacks the
	// fields a step needs, typically because the context reloaded onto an
	// unexpected page.
	ErrMissingFields = errors.New("required form fields missing")

	// ErrResultPending is returned by Classifier.Classify while the result
	// of a submission is not yet visible.
	ErrResultPending = errors.New("result not yet available")
)

// Sentinel errors for the control surface.
var (
	// ErrNoSession indicates the execution context is not bound to an instance.
	ErrNoSession = errors.New("no instance bound to this context")

	// ErrNoCheckpoint indicates the bound instance has no stored checkpoint.
	ErrNoCheckpoint = errors.New("no checkpoint for instance")

	// ErrAlreadyRunning indicates a run is active for the instance, or a
	// driver is already running in this engine.
	ErrAlreadyRunning = errors.New("run already active")

	// ErrNotRunning indicates the operation needs an active run.
	ErrNotRunning = errors.New("run not active")

	// ErrEmptyItems indicates Start was called without items.
	ErrEmptyItems = errors.New("item list is empty")
)

// MissingFormElementsError records a step whose form could not be prepared.
// The engine navigates to the entry page and retries the same step.
type MissingFormElementsError struct {
	ItemID string
	Step   string
}

func (e *MissingFormElementsError) Error() string {
	return fmt.Sprintf("step %s of item %s: %v", e.Step, e.ItemID, ErrMissingFields)
}

func (e *MissingFormElementsError) Unwrap() error { return ErrMissingFields }

// SubmissionTimeoutError records a submission that did not take effect
// before the watchdog deadline.
type SubmissionTimeoutError struct {
	ItemID  string
	Step    string
	Timeout time.Duration
}

func (e *SubmissionTimeoutError) Error() string {
	return fmt.Sprintf("step %s of item %s: submission had no effect after %s", e.Step, e.ItemID, e.Timeout)
}

// RateLimitedError records a rate-limit classification.
type RateLimitedError struct {
	ItemID   string
	Step     string
	Hits     int
	Cooldown time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("step %s of item %s: rate limited (hit %d), cooling down %s", e.Step, e.ItemID, e.Hits, e.Cooldown)
}

// ResultTimeoutError records a classifier that never resolved. The step is
// recorded as empty and the run moves on.
type ResultTimeoutError struct {
	ItemID  string
	Step    string
	Timeout time.Duration
}

func (e *ResultTimeoutError) Error() string {
	return fmt.Sprintf("step %s of item %s: no result after %s", e.Step, e.ItemID, e.Timeout)
}

// SessionMismatchError indicates the bound instance disagrees with the
// checkpoint stored under its key.
type SessionMismatchError struct {
	Bound      int
	Checkpoint int
}

func (e *SessionMismatchError) Error() string {
	return fmt.Sprintf("session bound to instance %d but checkpoint belongs to %d", e.Bound, e.Checkpoint)
}

// CheckpointError wraps a failed store operation.
type CheckpointError struct {
	// Op is the operation that failed ("load", "save", "delete", "flush").
	Op         string
	InstanceID int
	Err        error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s for instance %d: %v", e.Op, e.InstanceID, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// Recovery is how the engine reacts to an error.
type Recovery int

const (
	// RecoveryRetryStep navigates to the entry page and retries the same step.
	RecoveryRetryStep Recovery = iota

	// RecoveryCooldown waits out a backoff and retries the same step.
	RecoveryCooldown

	// RecoveryDegrade substitutes an empty result and moves on.
	RecoveryDegrade

	// RecoveryIgnore logs and carries on.
	RecoveryIgnore

	// RecoveryFail returns the error to the caller. Only storage and export
	// failures end up here.
	RecoveryFail
)

func (r Recovery) String() string {
	switch r {
	case RecoveryRetryStep:
		return "retry_step"
	case RecoveryCooldown:
		return "cooldown"
	case RecoveryDegrade:
		return "degrade"
	case RecoveryIgnore:
		return "ignore"
	case RecoveryFail:
		return "fail"
	default:
		return "unknown"
	}
}

// RecoveryFor maps an error to the engine's reaction.
func RecoveryFor(err error) Recovery {
	if err == nil {
		return RecoveryIgnore
	}

	var (
		missing  *MissingFormElementsError
		submit   *SubmissionTimeoutError
		limited  *RateLimitedError
		result   *ResultTimeoutError
		mismatch *SessionMismatchError
	)
	switch {
	case errors.As(err, &missing), errors.Is(err, ErrMissingFields), errors.As(err, &submit):
		return RecoveryRetryStep
	case errors.As(err, &limited):
		return RecoveryCooldown
	case errors.As(err, &result), errors.Is(err, ErrResultPending):
		return RecoveryDegrade
	case errors.As(err, &mismatch), errors.Is(err, context.Canceled):
		return RecoveryIgnore
	default:
		return RecoveryFail
	}
}
