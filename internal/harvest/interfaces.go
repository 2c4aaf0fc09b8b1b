package harvest

import (
	"context"
	"time"
)

// Registry exposes the persistent target inventory. The coordinator only
// reads the active set and writes back adaptive fields after a crawl.
type Registry interface {
	ListActiveTargets(ctx context.Context) ([]*Target, error)
	UpdateTarget(ctx context.Context, target *Target) error
}

// RunStore persists run lifecycle records so stuck runs can be reconciled
// after a crash.
type RunStore interface {
	CreateRun(ctx context.Context, runID, runType string, started time.Time) error
	FinishRun(ctx context.Context, summary RunSummary) error
	FailStaleRuns(ctx context.Context, olderThan time.Duration) (int, error)
}

// Sink accepts normalized records for one target. Secondary dedup, scoring
// and persistence live behind it.
type Sink interface {
	Publish(ctx context.Context, targetID string, records []NormalizedRecord) error
	Close() error
}

// SinkProvider hands out sink handles. The coordinator opens one session
// per target task so tasks never share a downstream handle.
type SinkProvider interface {
	Session(ctx context.Context) (Sink, error)
}

// Archiver stores raw page snapshots for diagnostics.
type Archiver interface {
	Save(ctx context.Context, targetID string, body []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
