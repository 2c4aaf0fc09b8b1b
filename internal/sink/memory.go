// Package sink delivers normalized records downstream, with in-memory and
// Pub/Sub backends.
package sink

import (
	"context"
	"sync"

	"github.com/jobsift/harvester/internal/harvest"
)

// Memory collects published records in process, for tests and development.
type Memory struct {
	mu      sync.Mutex
	records map[string][]harvest.NormalizedRecord
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{records: make(map[string][]harvest.NormalizedRecord)}
}

// Session implements harvest.SinkProvider. Sessions share the backing map,
// so records from concurrent tasks all land in the same place.
func (m *Memory) Session(ctx context.Context) (harvest.Sink, error) {
	return &memorySession{parent: m}, nil
}

// Records returns a copy of everything published for a target.
func (m *Memory) Records(targetID string) []harvest.NormalizedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]harvest.NormalizedRecord, len(m.records[targetID]))
	copy(out, m.records[targetID])
	return out
}

type memorySession struct {
	parent *Memory
}

func (s *memorySession) Publish(ctx context.Context, targetID string, records []harvest.NormalizedRecord) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.records[targetID] = append(s.parent.records[targetID], records...)
	return nil
}

func (s *memorySession) Close() error { return nil }
