package archive

import (
	"context"
	"sync"

	"github.com/jobsift/harvester/internal/harvest"
)

// Memory keeps snapshots in process, for tests.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
	clock harvest.Clock
}

// NewMemory creates an empty in-memory archiver.
func NewMemory(clock harvest.Clock) *Memory {
	return &Memory{blobs: make(map[string][]byte), clock: clock}
}

// Save implements harvest.Archiver.
func (m *Memory) Save(ctx context.Context, targetID string, body []byte) (string, error) {
	path := snapshotPath(targetID, m.clock)
	copied := make([]byte, len(body))
	copy(copied, body)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[path] = copied
	return "mem://" + path, nil
}

// Len reports how many snapshots have been saved.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}
