// Package harvest defines core types shared across subsystems.
package harvest

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// StrategyKind identifies one extraction method for a target.
type StrategyKind string

// Extraction strategies in the order a fresh deployment prefers them.
const (
	StrategyUnknown  StrategyKind = ""
	StrategyAPI      StrategyKind = "api"
	StrategyRendered StrategyKind = "rendered"
	StrategyLLM      StrategyKind = "llm"
	StrategySearch   StrategyKind = "search"

	// StrategyNoResults is the pseudo-strategy reported when every
	// candidate ran clean but none produced records.
	StrategyNoResults StrategyKind = "no_results"
)

// APIProvider names a known structured posting API.
type APIProvider string

// Supported structured providers. ProviderJSONLD covers pages that embed
// schema.org JobPosting data without a dedicated board API.
const (
	ProviderGreenhouse APIProvider = "greenhouse"
	ProviderLever      APIProvider = "lever"
	ProviderAshby      APIProvider = "ashby"
	ProviderWorkable   APIProvider = "workable"
	ProviderJSONLD     APIProvider = "jsonld"
)

// APIConfig carries the provider slug for structured board APIs.
type APIConfig struct {
	Provider APIProvider `json:"provider"`
	Slug     string      `json:"slug,omitempty"`
}

// RenderedConfig tunes browser-driven extraction.
type RenderedConfig struct {
	WaitSelector string `json:"wait_selector,omitempty"`
}

// LLMConfig carries optional hints for AI-assisted extraction.
type LLMConfig struct {
	Hint string `json:"hint,omitempty"`
}

// SearchConfig lists query endpoints for search-backed rediscovery.
type SearchConfig struct {
	Endpoints []string `json:"endpoints,omitempty"`
}

// StrategyConfig is a tagged variant: Kind selects which payload is set.
// Exactly one of the pointers is non-nil for a configured strategy; all
// may be nil when Kind alone is enough (e.g. default LLM extraction).
type StrategyConfig struct {
	Kind     StrategyKind    `json:"kind"`
	API      *APIConfig      `json:"api,omitempty"`
	Rendered *RenderedConfig `json:"rendered,omitempty"`
	LLM      *LLMConfig      `json:"llm,omitempty"`
	Search   *SearchConfig   `json:"search,omitempty"`
}

// StrategySuccess is one row of a target's fallback success history.
type StrategySuccess struct {
	Kind StrategyKind `json:"kind"`
	Hits int          `json:"hits"`
	Last time.Time    `json:"last"`
}

// Target is one external source crawled for postings. The registry owns
// the identity fields; the coordinator mutates only the adaptive ones
// (ConsecutiveEmpty, LastSuccess, SeenIDs, History) and does so from the
// single task handling the target during a run.
type Target struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	URL              string            `json:"url"`
	Active           bool              `json:"active"`
	Strategy         StrategyConfig    `json:"strategy"`
	ConsecutiveEmpty int               `json:"consecutive_empty"`
	LastSuccess      time.Time         `json:"last_success"`
	SeenIDs          []string          `json:"seen_ids"`
	History          []StrategySuccess `json:"history,omitempty"`
}

// Origin returns the scheme+host the target's policies are scoped to.
func (t *Target) Origin() string {
	o, err := OriginOf(t.URL)
	if err != nil {
		return strings.ToLower(t.URL)
	}
	return o
}

// RecordSuccess bumps the history row for kind, creating it if absent.
func (t *Target) RecordSuccess(kind StrategyKind, now time.Time) {
	for i := range t.History {
		if t.History[i].Kind == kind {
			t.History[i].Hits++
			t.History[i].Last = now
			return
		}
	}
	t.History = append(t.History, StrategySuccess{Kind: kind, Hits: 1, Last: now})
}

// OriginOf normalizes a URL to its scheme+host.
func OriginOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("origin needs scheme and host: %q", rawURL)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

// NormalizedRecord is the common posting shape handed to the result sink.
type NormalizedRecord struct {
	ExternalID  string       `json:"external_id"`
	Title       string       `json:"title"`
	Location    string       `json:"location,omitempty"`
	URL         string       `json:"url"`
	Description string       `json:"description,omitempty"`
	PostedAt    time.Time    `json:"posted_at,omitempty"`
	Strategy    StrategyKind `json:"strategy"`
}

// CrawlOutcome classifies how one target's crawl finished.
type CrawlOutcome string

// Outcome values reported in run summaries and metrics.
const (
	OutcomeSucceeded CrawlOutcome = "succeeded"
	OutcomeNoResults CrawlOutcome = "no_results"
	OutcomeFailed    CrawlOutcome = "failed"
	OutcomeTimeout   CrawlOutcome = "timeout"
	OutcomeSkipped   CrawlOutcome = "skipped"
)

// RunStatus is the lifecycle state persisted for an orchestrated run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// TargetFailure records one failed target inside a run summary.
type TargetFailure struct {
	TargetID string       `json:"target_id"`
	Name     string       `json:"name"`
	Outcome  CrawlOutcome `json:"outcome"`
	Error    string       `json:"error,omitempty"`
}

// RunSummary is the per-run report produced by the coordinator.
type RunSummary struct {
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	Status    RunStatus       `json:"status"`
	Started   time.Time       `json:"started_at"`
	Finished  time.Time       `json:"finished_at"`
	Total     int             `json:"total"`
	Succeeded int             `json:"succeeded"`
	NoResults int             `json:"no_results"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
	Records   int             `json:"records"`
	Failures  []TargetFailure `json:"failures,omitempty"`
}
