// Package registry persists the target inventory and run lifecycle
// records, with in-memory and Postgres backends.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jobsift/harvester/internal/harvest"
)

// Memory is an in-process Registry and RunStore for tests and single-node
// development setups.
type Memory struct {
	mu      sync.Mutex
	targets map[string]*harvest.Target
	order   []string
	runs    map[string]*memoryRun
	clock   harvest.Clock
}

type memoryRun struct {
	runType string
	status  harvest.RunStatus
	started time.Time
	summary harvest.RunSummary
}

// NewMemory creates an empty in-memory registry.
func NewMemory(clock harvest.Clock) *Memory {
	return &Memory{
		targets: make(map[string]*harvest.Target),
		runs:    make(map[string]*memoryRun),
		clock:   clock,
	}
}

// Seed adds targets, keeping insertion order for deterministic listings.
func (m *Memory) Seed(targets ...*harvest.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range targets {
		if _, exists := m.targets[t.ID]; !exists {
			m.order = append(m.order, t.ID)
		}
		copied := *t
		m.targets[t.ID] = &copied
	}
}

// ListActiveTargets implements harvest.Registry.
func (m *Memory) ListActiveTargets(ctx context.Context) ([]*harvest.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []*harvest.Target
	for _, id := range m.order {
		t := m.targets[id]
		if t == nil || !t.Active {
			continue
		}
		copied := *t
		active = append(active, &copied)
	}
	return active, nil
}

// UpdateTarget implements harvest.Registry.
func (m *Memory) UpdateTarget(ctx context.Context, target *harvest.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.targets[target.ID]; !exists {
		return fmt.Errorf("unknown target %q", target.ID)
	}
	copied := *target
	m.targets[target.ID] = &copied
	return nil
}

// Target returns a copy of one target, for assertions.
func (m *Memory) Target(id string) (*harvest.Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return nil, false
	}
	copied := *t
	return &copied, true
}

// CreateRun implements harvest.RunStore.
func (m *Memory) CreateRun(ctx context.Context, runID, runType string, started time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[runID]; exists {
		return fmt.Errorf("run %q already exists", runID)
	}
	m.runs[runID] = &memoryRun{runType: runType, status: harvest.RunStatusRunning, started: started}
	return nil
}

// FinishRun implements harvest.RunStore.
func (m *Memory) FinishRun(ctx context.Context, summary harvest.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[summary.RunID]
	if !ok {
		return fmt.Errorf("unknown run %q", summary.RunID)
	}
	run.status = summary.Status
	run.summary = summary
	return nil
}

// FailStaleRuns implements harvest.RunStore.
func (m *Memory) FailStaleRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.clock.Now().Add(-olderThan)
	n := 0
	for _, run := range m.runs {
		if run.status == harvest.RunStatusRunning && run.started.Before(cutoff) {
			run.status = harvest.RunStatusFailed
			n++
		}
	}
	return n, nil
}

// RunStatus returns the stored status of one run, for assertions.
func (m *Memory) RunStatus(runID string) (harvest.RunStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return "", false
	}
	return run.status, true
}
