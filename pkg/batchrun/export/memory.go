package export

import (
	"context"
	"sort"
	"sync"

	"github.com/randalmurphal/batchrun/pkg/batchrun/outcome"
)

// MemoryExporter keeps chunks in memory, keyed by instance and number.
// Useful for tests and dry runs.
type MemoryExporter struct {
	mu     sync.Mutex
	chunks map[int]map[int]Chunk
}

// NewMemoryExporter creates an empty MemoryExporter.
func NewMemoryExporter() *MemoryExporter {
	return &MemoryExporter{chunks: make(map[int]map[int]Chunk)}
}

// Export implements Exporter.
func (m *MemoryExporter) Export(ctx context.Context, c Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byNum, ok := m.chunks[c.InstanceID]
	if !ok {
		byNum = make(map[int]Chunk)
		m.chunks[c.InstanceID] = byNum
	}
	c.Outcomes = append([]outcome.Outcome(nil), c.Outcomes...)
	byNum[c.Number] = c
	return nil
}

// Chunks returns the chunks of instanceID in number order.
func (m *MemoryExporter) Chunks(instanceID int) []Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNum := m.chunks[instanceID]
	out := make([]Chunk, 0, len(byNum))
	for _, c := range byNum {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Outcomes returns every exported outcome of instanceID in chunk order.
func (m *MemoryExporter) Outcomes(instanceID int) []outcome.Outcome {
	var out []outcome.Outcome
	for _, c := range m.Chunks(instanceID) {
		out = append(out, c.Outcomes...)
	}
	return out
}
