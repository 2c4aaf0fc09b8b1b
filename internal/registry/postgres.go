package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobsift/harvester/internal/harvest"
)

// pgxPool is the subset of pgxpool.Pool the store needs; pgxmock
// satisfies it for tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Postgres implements harvest.Registry and harvest.RunStore on a pgx pool.
//
// Expected schema:
//
//	CREATE TABLE targets (
//	    id TEXT PRIMARY KEY,
//	    name TEXT NOT NULL,
//	    url TEXT NOT NULL,
//	    active BOOLEAN NOT NULL DEFAULT TRUE,
//	    strategy JSONB NOT NULL DEFAULT '{}',
//	    consecutive_empty INT NOT NULL DEFAULT 0,
//	    last_success TIMESTAMPTZ,
//	    seen_ids JSONB NOT NULL DEFAULT '[]',
//	    history JSONB NOT NULL DEFAULT '[]'
//	);
//
//	CREATE TABLE runs (
//	    id TEXT PRIMARY KEY,
//	    run_type TEXT NOT NULL,
//	    status TEXT NOT NULL,
//	    started_at TIMESTAMPTZ NOT NULL,
//	    finished_at TIMESTAMPTZ,
//	    summary JSONB
//	);
type Postgres struct {
	pool  pgxPool
	clock harvest.Clock
}

// NewPostgres connects a pool for the given DSN.
func NewPostgres(ctx context.Context, dsn string, clock harvest.Clock) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("registry.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, clock: clock}, nil
}

// NewPostgresWithPool constructs a store from an existing pool (primarily
// for testing).
func NewPostgresWithPool(pool pgxPool, clock harvest.Clock) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Postgres{pool: pool, clock: clock}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// ListActiveTargets implements harvest.Registry.
func (p *Postgres) ListActiveTargets(ctx context.Context) ([]*harvest.Target, error) {
	query := `
		SELECT id, name, url, active, strategy, consecutive_empty, last_success, seen_ids, history
		FROM targets
		WHERE active
		ORDER BY id
	`
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var targets []*harvest.Target
	for rows.Next() {
		var (
			t           harvest.Target
			strategy    []byte
			lastSuccess *time.Time
			seenIDs     []byte
			history     []byte
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.URL, &t.Active, &strategy, &t.ConsecutiveEmpty, &lastSuccess, &seenIDs, &history); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		if err := json.Unmarshal(strategy, &t.Strategy); err != nil {
			return nil, fmt.Errorf("decode strategy for %s: %w", t.ID, err)
		}
		if lastSuccess != nil {
			t.LastSuccess = *lastSuccess
		}
		if len(seenIDs) > 0 {
			if err := json.Unmarshal(seenIDs, &t.SeenIDs); err != nil {
				return nil, fmt.Errorf("decode seen ids for %s: %w", t.ID, err)
			}
		}
		if len(history) > 0 {
			if err := json.Unmarshal(history, &t.History); err != nil {
				return nil, fmt.Errorf("decode history for %s: %w", t.ID, err)
			}
		}
		targets = append(targets, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return targets, nil
}

// UpdateTarget implements harvest.Registry. Only the strategy and adaptive
// fields are written; identity fields stay registry-owned.
func (p *Postgres) UpdateTarget(ctx context.Context, target *harvest.Target) error {
	strategy, err := json.Marshal(target.Strategy)
	if err != nil {
		return fmt.Errorf("encode strategy: %w", err)
	}
	seenIDs, err := json.Marshal(target.SeenIDs)
	if err != nil {
		return fmt.Errorf("encode seen ids: %w", err)
	}
	history, err := json.Marshal(target.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	var lastSuccess *time.Time
	if !target.LastSuccess.IsZero() {
		lastSuccess = &target.LastSuccess
	}

	query := `
		UPDATE targets
		SET strategy = $1, consecutive_empty = $2, last_success = $3, seen_ids = $4, history = $5
		WHERE id = $6
	`
	tag, err := p.pool.Exec(ctx, query, strategy, target.ConsecutiveEmpty, lastSuccess, seenIDs, history, target.ID)
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("unknown target %q", target.ID)
	}
	return nil
}

// CreateRun implements harvest.RunStore.
func (p *Postgres) CreateRun(ctx context.Context, runID, runType string, started time.Time) error {
	query := `
		INSERT INTO runs (id, run_type, status, started_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := p.pool.Exec(ctx, query, runID, runType, harvest.RunStatusRunning, started); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun implements harvest.RunStore.
func (p *Postgres) FinishRun(ctx context.Context, summary harvest.RunSummary) error {
	encoded, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	query := `
		UPDATE runs
		SET status = $1, finished_at = $2, summary = $3
		WHERE id = $4
	`
	tag, err := p.pool.Exec(ctx, query, summary.Status, summary.Finished, encoded, summary.RunID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("unknown run %q", summary.RunID)
	}
	return nil
}

// FailStaleRuns implements harvest.RunStore.
func (p *Postgres) FailStaleRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := p.clock.Now().Add(-olderThan)
	query := `
		UPDATE runs
		SET status = $1, finished_at = $2
		WHERE status = $3 AND started_at < $4
	`
	tag, err := p.pool.Exec(ctx, query, harvest.RunStatusFailed, p.clock.Now(), harvest.RunStatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fail stale runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
