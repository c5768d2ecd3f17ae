// Package retry re-runs store writes and chunk exports that fail for
// transient reasons, such as a locked SQLite file, a dropped Redis
// connection or a briefly unavailable export directory.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/batchrun/pkg/batchrun/backoff"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Values below 1 mean a single attempt.
	MaxAttempts int

	// Backoff is the wait before the n-th retry. Nil retries immediately.
	Backoff backoff.Strategy

	// Retryable optionally overrides the default retryability check.
	Retryable func(error) bool
}

// Default is the standard policy for store and export operations.
var Default = Policy{
	MaxAttempts: 3,
	Backoff:     backoff.Exponential{Initial: 100 * time.Millisecond, Max: 2 * time.Second},
}

// None disables retries.
var None = Policy{MaxAttempts: 1}

// WithAttempts returns p with MaxAttempts set to n.
func (p Policy) WithAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable is the default check: everything except cancellation,
// deadlines and errors marked Permanent.
func IsRetryable(err error) bool {
	var perm *permanentError
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.As(err, &perm):
		return false
	default:
		return true
	}
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are used up, or ctx is done. It returns the number of attempts made.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) (int, error) {
	_, attempts, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return attempts, err
}

// Value is Do for functions that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, int, error) {
	var zero T
	maxAttempts := max(p.MaxAttempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Check context before each attempt
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, attempt - 1, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, attempt - 1, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, attempt, nil
		}
		lastErr = err
		if !retryable(err) {
			var perm *permanentError
			if errors.As(err, &perm) && perm == err {
				return zero, attempt, perm.err
			}
			return zero, attempt, err
		}

		// Don't sleep after the last attempt
		if attempt == maxAttempts || p.Backoff == nil {
			continue
		}
		t := time.NewTimer(p.Backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, attempt, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-t.C:
		}
	}

	if maxAttempts == 1 {
		return zero, 1, lastErr
	}
	return zero, maxAttempts, &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}
