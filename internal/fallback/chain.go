// Package fallback sequences extraction strategies for a target: the
// primary method first, then the configured order re-ranked by what has
// actually worked for that target before.
package fallback

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/jobsift/harvester/internal/harvest"
	"github.com/jobsift/harvester/internal/metrics"
	"github.com/jobsift/harvester/internal/strategy"
)

// Detector resolves a strategy for targets that do not declare one.
type Detector interface {
	Detect(ctx context.Context, target *harvest.Target) harvest.StrategyConfig
}

// Result reports which strategy finally produced records, if any.
type Result struct {
	Records  []harvest.NormalizedRecord
	Strategy harvest.StrategyKind
}

// Manager runs a target through its strategy chain.
type Manager struct {
	strategies map[harvest.StrategyKind]strategy.Strategy
	detector   Detector
	order      []harvest.StrategyKind
	clock      harvest.Clock
	logger     *zap.Logger
}

// NewManager wires the available executors. order is the configured
// fallback sequence; kinds with no registered executor are skipped at
// execution time.
func NewManager(strategies []strategy.Strategy, detector Detector, order []harvest.StrategyKind, clock harvest.Clock, logger *zap.Logger) (*Manager, error) {
	if len(strategies) == 0 {
		return nil, fmt.Errorf("at least one strategy is required")
	}
	byKind := make(map[harvest.StrategyKind]strategy.Strategy, len(strategies))
	for _, s := range strategies {
		byKind[s.Kind()] = s
	}
	if len(order) == 0 {
		order = []harvest.StrategyKind{
			harvest.StrategyAPI,
			harvest.StrategyRendered,
			harvest.StrategyLLM,
			harvest.StrategySearch,
		}
	}
	return &Manager{
		strategies: byKind,
		detector:   detector,
		order:      order,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Execute runs the chain for one target. The target's Strategy and History
// fields are updated in place; the caller owns persisting them.
//
// Every candidate is tried in sequence; the first that yields records wins.
// Errors advance the chain. When all candidates run clean but empty the
// result carries StrategyNoResults and a nil error; when every candidate
// errors, the last error is returned.
func (m *Manager) Execute(ctx context.Context, target *harvest.Target) (Result, error) {
	if target.Strategy.Kind == harvest.StrategyUnknown {
		target.Strategy = m.detector.Detect(ctx, target)
		m.logger.Info("strategy detected",
			zap.String("target", target.Name),
			zap.String("strategy", string(target.Strategy.Kind)))
	}

	var lastErr error
	sawError := false
	sawEmpty := false
	for _, kind := range m.candidates(target) {
		exec, ok := m.strategies[kind]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		records, err := exec.Fetch(ctx, target)
		if err != nil {
			sawError = true
			lastErr = err
			metrics.ObserveStrategy(string(kind), "error")
			m.logger.Warn("strategy failed, advancing",
				zap.String("target", target.Name),
				zap.String("strategy", string(kind)),
				zap.Error(err))
			continue
		}
		if len(records) == 0 {
			sawEmpty = true
			metrics.ObserveStrategy(string(kind), "empty")
			continue
		}

		metrics.ObserveStrategy(string(kind), "hit")
		target.RecordSuccess(kind, m.clock.Now())
		if target.Strategy.Kind != kind {
			// Remember what worked so the next run leads with it.
			target.Strategy = harvest.StrategyConfig{Kind: kind}
		}
		return Result{Records: records, Strategy: kind}, nil
	}

	// A pass where every candidate errored propagates the last error.
	// A pass where at least one candidate completed cleanly (even empty)
	// is a no-results outcome.
	if sawError && !sawEmpty {
		return Result{}, lastErr
	}
	if sawError {
		m.logger.Debug("chain exhausted with partial errors",
			zap.String("target", target.Name), zap.Error(lastErr))
	}
	return Result{Strategy: harvest.StrategyNoResults}, nil
}

// candidates builds the execution order: the declared primary first, then
// the configured order with strategies that have succeeded before pulled
// ahead (more hits first, most recent success breaking ties).
func (m *Manager) candidates(target *harvest.Target) []harvest.StrategyKind {
	primary := target.Strategy.Kind

	rest := make([]harvest.StrategyKind, 0, len(m.order))
	for _, kind := range m.order {
		if kind != primary {
			rest = append(rest, kind)
		}
	}

	history := make(map[harvest.StrategyKind]harvest.StrategySuccess, len(target.History))
	for _, h := range target.History {
		history[h.Kind] = h
	}
	sort.SliceStable(rest, func(i, j int) bool {
		hi, hj := history[rest[i]], history[rest[j]]
		if hi.Hits != hj.Hits {
			return hi.Hits > hj.Hits
		}
		return hi.Last.After(hj.Last)
	})

	if primary == harvest.StrategyUnknown {
		return rest
	}
	return append([]harvest.StrategyKind{primary}, rest...)
}
