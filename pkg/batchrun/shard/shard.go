// Package shard partitions an ordered item list into contiguous,
// non-overlapping slices, one per worker instance.
package shard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidInstance indicates an instance id or instance count out of range.
var ErrInvalidInstance = errors.New("invalid instance")

// Slice is the half-open index range [Start, End) owned by one instance.
type Slice struct {
	InstanceID     int `json:"instance_id"`
	TotalInstances int `json:"total_instances"`
	Start          int `json:"start"`
	End            int `json:"end"`
}

// Len returns the number of items in the slice.
func (s Slice) Len() int { return s.End - s.Start }

// Contains reports whether the absolute index falls inside the slice.
func (s Slice) Contains(index int) bool { return index >= s.Start && index < s.End }

// Compute returns the slice owned by instanceID (1-based) when n items are
// split across totalInstances. Slices for ids 1..totalInstances are
// contiguous, disjoint and cover [0, n); trailing slices may be short or
// empty.
func Compute(n, instanceID, totalInstances int) (Slice, error) {
	if n < 0 {
		return Slice{}, fmt.Errorf("%w: negative item count %d", ErrInvalidInstance, n)
	}
	if totalInstances < 1 {
		return Slice{}, fmt.Errorf("%w: total instances %d", ErrInvalidInstance, totalInstances)
	}
	if instanceID < 1 || instanceID > totalInstances {
		return Slice{}, fmt.Errorf("%w: instance %d of %d", ErrInvalidInstance, instanceID, totalInstances)
	}

	size := (n + totalInstances - 1) / totalInstances
	start := min((instanceID-1)*size, n)
	end := min(start+size, n)

	return Slice{
		InstanceID:     instanceID,
		TotalInstances: totalInstances,
		Start:          start,
		End:            end,
	}, nil
}

// Partition returns the slices for every instance, in instance order.
func Partition(n, totalInstances int) ([]Slice, error) {
	slices := make([]Slice, 0, totalInstances)
	for id := 1; id <= totalInstances; id++ {
		s, err := Compute(n, id, totalInstances)
		if err != nil {
			return nil, err
		}
		slices = append(slices, s)
	}
	return slices, nil
}

// Take returns a copy of the items inside s. The copy shares no backing
// array with items, so a checkpoint can own it outright.
func Take(items []string, s Slice) []string {
	if s.Start >= len(items) || s.Len() <= 0 {
		return []string{}
	}
	end := min(s.End, len(items))
	out := make([]string, end-s.Start)
	copy(out, items[s.Start:end])
	return out
}

var (
	itemSeparators = regexp.MustCompile(`[\n,;]+`)
	itemJunk       = regexp.MustCompile(`[^\d.\-]`)
)

// ParseItems extracts item identifiers from free text pasted by an operator.
// Entries are separated by newlines, commas or semicolons; everything except
// digits, dots and dashes is stripped, and entries shorter than minLen are
// dropped.
func ParseItems(text string, minLen int) []string {
	var items []string
	for _, part := range itemSeparators.Split(text, -1) {
		id := itemJunk.ReplaceAllString(strings.TrimSpace(part), "")
		if id == "" || len(id) < minLen {
			continue
		}
		items = append(items, id)
	}
	return items
}
