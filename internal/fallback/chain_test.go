package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobsift/harvester/internal/fetchkit"
	"github.com/jobsift/harvester/internal/harvest"
	"github.com/jobsift/harvester/internal/strategy"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeStrategy struct {
	kind    harvest.StrategyKind
	records []harvest.NormalizedRecord
	err     error
	calls   int
}

func (s *fakeStrategy) Kind() harvest.StrategyKind { return s.kind }

func (s *fakeStrategy) Fetch(ctx context.Context, target *harvest.Target) ([]harvest.NormalizedRecord, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.records, nil
}

type fakeDetector struct {
	cfg   harvest.StrategyConfig
	calls int
}

func (d *fakeDetector) Detect(ctx context.Context, target *harvest.Target) harvest.StrategyConfig {
	d.calls++
	return d.cfg
}

func someRecords(kind harvest.StrategyKind) []harvest.NormalizedRecord {
	return []harvest.NormalizedRecord{{ExternalID: "1", Title: "Engineer", Strategy: kind}}
}

func newTestManager(t *testing.T, detector Detector, strategies ...strategy.Strategy) *Manager {
	t.Helper()
	if detector == nil {
		detector = &fakeDetector{cfg: harvest.StrategyConfig{Kind: harvest.StrategyLLM}}
	}
	m, err := NewManager(strategies, detector, nil, fakeClock{now: time.Unix(5000, 0)}, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestExecutePrimaryWins(t *testing.T) {
	t.Parallel()

	api := &fakeStrategy{kind: harvest.StrategyAPI, records: someRecords(harvest.StrategyAPI)}
	llm := &fakeStrategy{kind: harvest.StrategyLLM}
	m := newTestManager(t, nil, api, llm)

	target := &harvest.Target{ID: "t", URL: "https://x.example.com", Strategy: harvest.StrategyConfig{Kind: harvest.StrategyAPI}}
	res, err := m.Execute(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, harvest.StrategyAPI, res.Strategy)
	require.Len(t, res.Records, 1)
	require.Zero(t, llm.calls, "chain must stop at the first hit")
}

func TestExecuteErrorAdvancesChain(t *testing.T) {
	t.Parallel()

	api := &fakeStrategy{kind: harvest.StrategyAPI, err: &fetchkit.ForbiddenError{URL: "u", Reason: "403"}}
	llm := &fakeStrategy{kind: harvest.StrategyLLM, records: someRecords(harvest.StrategyLLM)}
	m := newTestManager(t, nil, api, llm)

	target := &harvest.Target{ID: "t", URL: "https://x.example.com", Strategy: harvest.StrategyConfig{Kind: harvest.StrategyAPI}}
	res, err := m.Execute(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, harvest.StrategyLLM, res.Strategy)
	require.Equal(t, 1, api.calls)
}

func TestExecuteEmptyAdvancesChain(t *testing.T) {
	t.Parallel()

	api := &fakeStrategy{kind: harvest.StrategyAPI}
	llm := &fakeStrategy{kind: harvest.StrategyLLM, records: someRecords(harvest.StrategyLLM)}
	m := newTestManager(t, nil, api, llm)

	target := &harvest.Target{ID: "t", URL: "https://x.example.com", Strategy: harvest.StrategyConfig{Kind: harvest.StrategyAPI}}
	res, err := m.Execute(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, harvest.StrategyLLM, res.Strategy)
}

func TestExecuteAllEmptyIsNoResults(t *testing.T) {
	t.Parallel()

	api := &fakeStrategy{kind: harvest.StrategyAPI}
	llm := &fakeStrategy{kind: harvest.StrategyLLM}
	m := newTestManager(t, nil, api, llm)

	target := &harvest.Target{ID: "t", URL: "https://x.example.com", Strategy: harvest.StrategyConfig{Kind: harvest.StrategyAPI}}
	res, err := m.Execute(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, harvest.StrategyNoResults, res.Strategy)
	require.Empty(t, res.Records)
}

func TestExecuteAllErrorsPropagatesLast(t *testing.T) {
	t.Parallel()

	first := errors.New("api broke")
	last := errors.New("llm broke")
	api := &fakeStrategy{kind: harvest.StrategyAPI, err: first}
	llm := &fakeStrategy{kind: harvest.StrategyLLM, err: last}
	m := newTestManager(t, nil, api, llm)

	target := &harvest.Target{ID: "t", URL: "https://x.example.com", Strategy: harvest.StrategyConfig{Kind: harvest.StrategyAPI}}
	_, err := m.Execute(context.Background(), target)
	require.ErrorIs(t, err, last)
}

func TestExecuteMixedEmptyAndErrorIsNoResults(t *testing.T) {
	t.Parallel()

	api := &fakeStrategy{kind: harvest.StrategyAPI, err: errors.New("api broke")}
	llm := &fakeStrategy{kind: harvest.StrategyLLM}
	m := newTestManager(t, nil, api, llm)

	target := &harvest.Target{ID: "t", URL: "https://x.example.com", Strategy: harvest.StrategyConfig{Kind: harvest.StrategyAPI}}
	res, err := m.Execute(context.Background(), target)
	require.NoError(t, err, "a clean empty pass outranks an earlier error")
	require.Equal(t, harvest.StrategyNoResults, res.Strategy)
}

func TestExecuteDetectsWhenStrategyUnknown(t *testing.T) {
	t.Parallel()

	det := &fakeDetector{cfg: harvest.StrategyConfig{Kind: harvest.StrategyLLM}}
	llm := &fakeStrategy{kind: harvest.StrategyLLM, records: someRecords(harvest.StrategyLLM)}
	m := newTestManager(t, det, llm)

	target := &harvest.Target{ID: "t", URL: "https://x.example.com"}
	res, err := m.Execute(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, 1, det.calls)
	require.Equal(t, harvest.StrategyLLM, res.Strategy)
	require.Equal(t, harvest.StrategyLLM, target.Strategy.Kind, "detection result is cached on the target")

	// A second pass reuses the cached strategy.
	_, err = m.Execute(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, 1, det.calls)
}

func TestExecuteRecordsSuccessHistory(t *testing.T) {
	t.Parallel()

	llm := &fakeStrategy{kind: harvest.StrategyLLM, records: someRecords(harvest.StrategyLLM)}
	api := &fakeStrategy{kind: harvest.StrategyAPI, err: errors.New("down")}
	m := newTestManager(t, nil, api, llm)

	target := &harvest.Target{ID: "t", URL: "https://x.example.com", Strategy: harvest.StrategyConfig{Kind: harvest.StrategyAPI}}
	_, err := m.Execute(context.Background(), target)
	require.NoError(t, err)

	require.Len(t, target.History, 1)
	require.Equal(t, harvest.StrategyLLM, target.History[0].Kind)
	require.Equal(t, 1, target.History[0].Hits)
	require.Equal(t, harvest.StrategyLLM, target.Strategy.Kind, "the winning strategy becomes the new primary")
}

func TestCandidatesRerankedByHistory(t *testing.T) {
	t.Parallel()

	api := &fakeStrategy{kind: harvest.StrategyAPI, err: errors.New("down")}
	rendered := &fakeStrategy{kind: harvest.StrategyRendered}
	llm := &fakeStrategy{kind: harvest.StrategyLLM}
	search := &fakeStrategy{kind: harvest.StrategySearch, records: someRecords(harvest.StrategySearch)}
	m := newTestManager(t, nil, api, rendered, llm, search)

	target := &harvest.Target{
		ID:       "t",
		URL:      "https://x.example.com",
		Strategy: harvest.StrategyConfig{Kind: harvest.StrategyAPI},
		History: []harvest.StrategySuccess{
			{Kind: harvest.StrategySearch, Hits: 5, Last: time.Unix(4000, 0)},
		},
	}

	order := m.candidates(target)
	require.Equal(t, harvest.StrategyAPI, order[0], "primary always leads")
	require.Equal(t, harvest.StrategySearch, order[1], "history pulls proven strategies forward")
}

func TestExecuteStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	llm := &fakeStrategy{kind: harvest.StrategyLLM, records: someRecords(harvest.StrategyLLM)}
	m := newTestManager(t, nil, llm)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	target := &harvest.Target{ID: "t", URL: "https://x.example.com", Strategy: harvest.StrategyConfig{Kind: harvest.StrategyLLM}}
	_, err := m.Execute(ctx, target)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, llm.calls)
}
