// Package outcome defines the classified results of workflow steps and the
// rule that folds them into one summary per item.
package outcome

import (
	"fmt"
	"time"
)

// Kind classifies what a portal reported after a step submission.
type Kind int

// Kind values. The zero value is KindEmpty so an unset result reads as
// "nothing reported".
const (
	KindEmpty Kind = iota
	KindInfo
	KindSuccess
	KindError
	KindRateLimited
)

var kindNames = map[Kind]string{
	KindEmpty:       "empty",
	KindInfo:        "info",
	KindSuccess:     "success",
	KindError:       "error",
	KindRateLimited: "rate_limited",
}

// String returns the kind name used in exports and logs.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown outcome kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind converts a kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindEmpty, fmt.Errorf("unknown outcome kind %q", s)
}

// Result is the classified outcome of one step.
type Result struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// StepResult pairs a step name with its result.
type StepResult struct {
	Step   string `json:"step"`
	Result Result `json:"result"`
}

// Outcome is the finalized result of running every step for one item.
type Outcome struct {
	// Seq is the item's absolute index in the full item list.
	Seq       int          `json:"seq"`
	ItemID    string       `json:"item_id"`
	Timestamp time.Time    `json:"timestamp"`
	Steps     []StepResult `json:"steps"`
	Summary   Kind         `json:"summary"`
}

// New builds an Outcome from per-step results in step order. Steps missing
// from results are recorded as empty results.
func New(seq int, itemID string, steps []string, results map[string]Result, at time.Time) Outcome {
	o := Outcome{
		Seq:       seq,
		ItemID:    itemID,
		Timestamp: at,
		Steps:     make([]StepResult, 0, len(steps)),
	}
	kinds := make([]Kind, 0, len(results))
	for _, step := range steps {
		r, ok := results[step]
		if ok {
			kinds = append(kinds, r.Kind)
		}
		o.Steps = append(o.Steps, StepResult{Step: step, Result: r})
	}
	o.Summary = Summarize(kinds)
	return o
}

// Result returns the recorded result for step, if any.
func (o Outcome) Result(step string) (Result, bool) {
	for _, sr := range o.Steps {
		if sr.Step == step {
			return sr.Result, true
		}
	}
	return Result{}, false
}

// Summarize folds step kinds into one summary. Priority, highest first:
// rate-limited, error, success, informational, empty. An item is
// informational when at least one step reported Info and the rest were Info
// or Empty. No kinds at all summarize as Empty.
func Summarize(kinds []Kind) Kind {
	var rateLimited, failed, succeeded, informed bool
	for _, k := range kinds {
		switch k {
		case KindRateLimited:
			rateLimited = true
		case KindError:
			failed = true
		case KindSuccess:
			succeeded = true
		case KindInfo:
			informed = true
		case KindEmpty:
		default:
			panic(fmt.Sprintf("outcome: unhandled kind %d", int(k)))
		}
	}

	switch {
	case rateLimited:
		return KindRateLimited
	case failed:
		return KindError
	case succeeded:
		return KindSuccess
	case informed:
		return KindInfo
	default:
		return KindEmpty
	}
}
