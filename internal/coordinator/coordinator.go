// Package coordinator orchestrates a full crawl pass over the active
// target inventory: bounded concurrency, per-target isolation, cooperative
// cancellation, and progress accounting.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jobsift/harvester/internal/dedup"
	"github.com/jobsift/harvester/internal/fallback"
	"github.com/jobsift/harvester/internal/harvest"
	"github.com/jobsift/harvester/internal/metrics"
)

// ErrRunInProgress is returned when Run is called while a run is active.
var ErrRunInProgress = errors.New("crawl run already in progress")

// durationWindow is how many recent target durations feed the ETA.
const durationWindow = 10

// Config tunes the orchestration loop.
type Config struct {
	MaxConcurrent  int
	TargetTimeout  time.Duration
	RecencyCap     int
	StaleRunMaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.TargetTimeout <= 0 {
		c.TargetTimeout = 2 * time.Minute
	}
	if c.StaleRunMaxAge <= 0 {
		c.StaleRunMaxAge = time.Hour
	}
	return c
}

// Progress is a point-in-time view of the active (or last) run.
type Progress struct {
	Running       bool          `json:"running"`
	RunID         string        `json:"run_id,omitempty"`
	RunType       string        `json:"run_type,omitempty"`
	CurrentTarget string        `json:"current_target,omitempty"`
	Started       time.Time     `json:"started_at,omitempty"`
	Total         int           `json:"total"`
	Completed     int           `json:"completed"`
	Succeeded     int           `json:"succeeded"`
	NoResults     int           `json:"no_results"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	Records       int           `json:"records"`
	AvgDuration   time.Duration `json:"avg_duration_ns"`
	ETA           time.Duration `json:"eta_ns"`
}

// Coordinator runs crawl passes. A single Coordinator serves one process;
// Run is single-flight.
type Coordinator struct {
	registry harvest.Registry
	runStore harvest.RunStore
	sinks    harvest.SinkProvider
	chain    *fallback.Manager
	clock    harvest.Clock
	cfg      Config
	logger   *zap.Logger

	mu        sync.Mutex
	running   bool
	cancelled bool
	progress  Progress
	durations []time.Duration
	failures  []harvest.TargetFailure
}

// New constructs a Coordinator.
func New(registry harvest.Registry, runStore harvest.RunStore, sinks harvest.SinkProvider, chain *fallback.Manager, clock harvest.Clock, cfg Config, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		registry: registry,
		runStore: runStore,
		sinks:    sinks,
		chain:    chain,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Run executes one crawl pass over all active targets and blocks until
// every dispatched target finishes. Only one run may be active at a time.
func (c *Coordinator) Run(ctx context.Context, runType string) (harvest.RunSummary, error) {
	targets, err := c.registry.ListActiveTargets(ctx)
	if err != nil {
		return harvest.RunSummary{}, fmt.Errorf("list targets: %w", err)
	}

	runID := uuid.NewString()
	started := c.clock.Now()
	if err := c.begin(runID, runType, started, len(targets)); err != nil {
		return harvest.RunSummary{}, err
	}
	defer c.end()

	if err := c.runStore.CreateRun(ctx, runID, runType, started); err != nil {
		return harvest.RunSummary{}, fmt.Errorf("create run: %w", err)
	}

	metrics.IncActiveCrawls()
	defer metrics.DecActiveCrawls()

	c.logger.Info("crawl run starting",
		zap.String("run_id", runID),
		zap.String("type", runType),
		zap.Int("targets", len(targets)),
		zap.Int("max_concurrent", c.cfg.MaxConcurrent))

	sem := semaphore.NewWeighted(int64(c.cfg.MaxConcurrent))
	var wg sync.WaitGroup
	for _, target := range targets {
		// The cancel flag is cooperative: tasks already dispatched run
		// to completion, undispatched targets are skipped.
		if c.cancelRequested() {
			c.recordOutcome(target, harvest.OutcomeSkipped, 0, 0, nil)
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			c.recordOutcome(target, harvest.OutcomeSkipped, 0, 0, nil)
			continue
		}
		// Cancellation may have arrived while waiting for a slot.
		if c.cancelRequested() {
			sem.Release(1)
			c.recordOutcome(target, harvest.OutcomeSkipped, 0, 0, nil)
			continue
		}
		wg.Add(1)
		go func(t *harvest.Target) {
			defer wg.Done()
			defer sem.Release(1)
			c.crawlTarget(ctx, t)
		}(target)
	}
	wg.Wait()

	summary := c.summarize(runID, runType, started)
	if err := c.runStore.FinishRun(ctx, summary); err != nil {
		c.logger.Error("finish run", zap.String("run_id", runID), zap.Error(err))
	}
	metrics.ObserveRunDuration(summary.Finished.Sub(summary.Started))

	c.logger.Info("crawl run finished",
		zap.String("run_id", runID),
		zap.String("status", string(summary.Status)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("no_results", summary.NoResults),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("records", summary.Records))
	return summary, nil
}

// crawlTarget processes a single target with its own timeout and panic
// isolation. It is the only goroutine touching the target's adaptive
// fields during the run.
func (c *Coordinator) crawlTarget(ctx context.Context, target *harvest.Target) {
	taskCtx, cancel := context.WithTimeout(ctx, c.cfg.TargetTimeout)
	defer cancel()

	c.setCurrentTarget(target.Name)
	start := c.clock.Now()
	outcome, records, err := c.runTask(taskCtx, target)
	elapsed := c.clock.Now().Sub(start)

	c.applyAdaptive(ctx, target, outcome)
	c.recordOutcome(target, outcome, records, elapsed, err)

	switch outcome {
	case harvest.OutcomeFailed, harvest.OutcomeTimeout:
		c.logger.Warn("target crawl failed",
			zap.String("target", target.Name),
			zap.String("outcome", string(outcome)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	default:
		c.logger.Info("target crawl done",
			zap.String("target", target.Name),
			zap.String("outcome", string(outcome)),
			zap.Int("records", records),
			zap.Duration("elapsed", elapsed))
	}
}

func (c *Coordinator) runTask(ctx context.Context, target *harvest.Target) (outcome harvest.CrawlOutcome, published int, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = harvest.OutcomeFailed
			err = fmt.Errorf("panic crawling %s: %v", target.Name, r)
		}
	}()

	result, execErr := c.chain.Execute(ctx, target)
	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) || ctx.Err() != nil {
			return harvest.OutcomeTimeout, 0, execErr
		}
		return harvest.OutcomeFailed, 0, execErr
	}
	if result.Strategy == harvest.StrategyNoResults {
		return harvest.OutcomeNoResults, 0, nil
	}

	fresh, updatedSeen := dedup.Filter(target.SeenIDs, result.Records, c.cfg.RecencyCap)
	target.SeenIDs = updatedSeen
	if len(fresh) == 0 {
		return harvest.OutcomeNoResults, 0, nil
	}

	sink, sinkErr := c.sinks.Session(ctx)
	if sinkErr != nil {
		return harvest.OutcomeFailed, 0, fmt.Errorf("open sink: %w", sinkErr)
	}
	defer func() {
		if closeErr := sink.Close(); closeErr != nil {
			c.logger.Debug("sink close", zap.String("target", target.ID), zap.Error(closeErr))
		}
	}()
	if pubErr := sink.Publish(ctx, target.ID, fresh); pubErr != nil {
		return harvest.OutcomeFailed, 0, fmt.Errorf("publish records: %w", pubErr)
	}
	metrics.ObserveRecords(string(result.Strategy), len(fresh))
	return harvest.OutcomeSucceeded, len(fresh), nil
}

// applyAdaptive persists the target's adaptive fields after a crawl. The
// parent context is used so a per-target timeout does not also lose the
// bookkeeping write.
func (c *Coordinator) applyAdaptive(ctx context.Context, target *harvest.Target, outcome harvest.CrawlOutcome) {
	switch outcome {
	case harvest.OutcomeSucceeded:
		target.ConsecutiveEmpty = 0
		target.LastSuccess = c.clock.Now()
	case harvest.OutcomeNoResults:
		target.ConsecutiveEmpty++
	default:
		return
	}
	if err := c.registry.UpdateTarget(ctx, target); err != nil {
		c.logger.Error("update target", zap.String("target", target.ID), zap.Error(err))
	}
}

// RequestCancel flips the cooperative cancel flag for the active run.
// It reports whether a run was active to cancel.
func (c *Coordinator) RequestCancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false
	}
	c.cancelled = true
	return true
}

// Progress snapshots the current run state with an ETA computed from a
// rolling window of recent target durations.
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.progress
	if len(c.durations) > 0 {
		var total time.Duration
		for _, d := range c.durations {
			total += d
		}
		p.AvgDuration = total / time.Duration(len(c.durations))
		if p.Running {
			remaining := p.Total - p.Completed
			if remaining > 0 {
				p.ETA = p.AvgDuration * time.Duration(remaining)
			}
		}
	}
	return p
}

// ReconcileStale marks runs stuck in the running state for longer than the
// configured age as failed. Safe to call on a ticker.
func (c *Coordinator) ReconcileStale(ctx context.Context) (int, error) {
	n, err := c.runStore.FailStaleRuns(ctx, c.cfg.StaleRunMaxAge)
	if err != nil {
		return 0, fmt.Errorf("fail stale runs: %w", err)
	}
	if n > 0 {
		c.logger.Warn("reconciled stale runs", zap.Int("count", n))
	}
	return n, nil
}

func (c *Coordinator) begin(runID, runType string, started time.Time, total int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrRunInProgress
	}
	c.running = true
	c.cancelled = false
	c.durations = nil
	c.failures = nil
	c.progress = Progress{
		Running: true,
		RunID:   runID,
		RunType: runType,
		Started: started,
		Total:   total,
	}
	return nil
}

func (c *Coordinator) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.progress.Running = false
	c.progress.CurrentTarget = ""
}

// setCurrentTarget notes the most recently started target for the
// progress surface. With concurrent tasks the newest one wins.
func (c *Coordinator) setCurrentTarget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress.CurrentTarget = name
}

func (c *Coordinator) cancelRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *Coordinator) recordOutcome(target *harvest.Target, outcome harvest.CrawlOutcome, records int, elapsed time.Duration, err error) {
	metrics.ObserveTarget(string(outcome))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress.Completed++
	c.progress.Records += records
	switch outcome {
	case harvest.OutcomeSucceeded:
		c.progress.Succeeded++
	case harvest.OutcomeNoResults:
		c.progress.NoResults++
	case harvest.OutcomeTimeout:
		c.progress.Failed++
	case harvest.OutcomeFailed:
		c.progress.Failed++
	case harvest.OutcomeSkipped:
		c.progress.Skipped++
	}
	if outcome == harvest.OutcomeFailed || outcome == harvest.OutcomeTimeout {
		failure := harvest.TargetFailure{TargetID: target.ID, Name: target.Name, Outcome: outcome}
		if err != nil {
			failure.Error = err.Error()
		}
		c.failures = append(c.failures, failure)
	}
	if elapsed > 0 {
		c.durations = append(c.durations, elapsed)
		if len(c.durations) > durationWindow {
			c.durations = c.durations[len(c.durations)-durationWindow:]
		}
	}
}

func (c *Coordinator) summarize(runID, runType string, started time.Time) harvest.RunSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := harvest.RunStatusCompleted
	if c.cancelled {
		status = harvest.RunStatusCancelled
	}
	return harvest.RunSummary{
		RunID:     runID,
		Type:      runType,
		Status:    status,
		Started:   started,
		Finished:  c.clock.Now(),
		Total:     c.progress.Total,
		Succeeded: c.progress.Succeeded,
		NoResults: c.progress.NoResults,
		Failed:    c.progress.Failed,
		Skipped:   c.progress.Skipped,
		Records:   c.progress.Records,
		Failures:  c.failures,
	}
}
