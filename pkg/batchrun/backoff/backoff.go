// Package backoff computes how long an instance waits after the portal
// reports a rate limit before it resubmits the same step.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// DefaultCooldown is the fixed wait used when nothing else is configured.
const DefaultCooldown = 30 * time.Second

// Strategy computes the cooldown before the n-th retry (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant waits the same interval every time.
type Constant struct {
	Interval time.Duration
}

// Delay implements Strategy.
func (c Constant) Delay(int) time.Duration { return c.Interval }

// Linear waits Initial*attempt, capped at Max when Max > 0.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay implements Strategy.
func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return capped(float64(l.Initial)*float64(attempt), l.Max)
}

// Exponential doubles the wait on each attempt, capped at Max when Max > 0.
// With Jitter set, the wait is drawn uniformly from [0, computed].
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// Delay implements Strategy.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := capped(float64(e.Initial)*math.Pow(2, float64(attempt-1)), e.Max)
	if e.Jitter {
		return time.Duration(rand.Float64() * float64(d)) //nolint:gosec // jitter does not need crypto rand
	}
	return d
}

func capped(d float64, limit time.Duration) time.Duration {
	if limit > 0 && d > float64(limit) {
		return limit
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Default returns the fixed 30 second cooldown.
func Default() Strategy { return Constant{Interval: DefaultCooldown} }

// Parse builds a strategy from its config name: "constant", "linear",
// "exponential" or "jitter". For constant, initial is the interval.
func Parse(name string, initial, limit time.Duration) (Strategy, error) {
	if initial <= 0 {
		initial = DefaultCooldown
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "constant":
		return Constant{Interval: initial}, nil
	case "linear":
		return Linear{Initial: initial, Max: limit}, nil
	case "exponential":
		return Exponential{Initial: initial, Max: limit}, nil
	case "jitter":
		return Exponential{Initial: initial, Max: limit, Jitter: true}, nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", name)
	}
}
