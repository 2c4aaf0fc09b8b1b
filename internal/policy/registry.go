// Package policy owns per-origin resilience state: one token bucket and
// one circuit breaker per origin, plus the shared retry policy that every
// guarded operation runs under.
package policy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jobsift/harvester/internal/fetchkit"
	"github.com/jobsift/harvester/internal/harvest"
	"github.com/jobsift/harvester/internal/metrics"
)

// Config holds the shared policy knobs applied to every origin.
type Config struct {
	RatePerSec       float64
	Burst            int
	FailureThreshold int
	ResetTimeout     time.Duration
	Retry            RetryConfig
}

// Registry lazily creates and owns one Policy per origin. Policies live
// for the process lifetime and are shared by every target on the origin.
type Registry struct {
	mu       sync.Mutex
	policies map[string]*Policy
	cfg      Config
	clock    harvest.Clock
	logger   *zap.Logger
}

// NewRegistry builds a Registry.
func NewRegistry(cfg Config, clock harvest.Clock, logger *zap.Logger) *Registry {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	cfg.Retry = cfg.Retry.withDefaults()
	return &Registry{
		policies: make(map[string]*Policy),
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

// ForOrigin returns the origin's Policy, constructing it on first access.
func (r *Registry) ForOrigin(origin string) *Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.policies[origin]; ok {
		return p
	}
	p := &Policy{
		origin:  origin,
		limiter: rate.NewLimiter(rate.Limit(r.cfg.RatePerSec), r.cfg.Burst),
		breaker: NewBreaker(origin, r.cfg.FailureThreshold, r.cfg.ResetTimeout, r.clock),
		retry:   r.cfg.Retry,
		logger:  r.logger.With(zap.String("origin", origin)),
	}
	r.policies[origin] = p
	return p
}

// OriginMetrics is the per-origin view exposed on the control surface.
type OriginMetrics struct {
	Failures         int     `json:"failures"`
	CircuitOpen      bool    `json:"circuit_open"`
	SecondsSinceOpen float64 `json:"seconds_since_open"`
}

// Metrics snapshots breaker state for every origin seen so far.
func (r *Registry) Metrics() map[string]OriginMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]OriginMetrics, len(r.policies))
	for origin, p := range r.policies {
		failures, open, since := p.breaker.Snapshot()
		out[origin] = OriginMetrics{
			Failures:         failures,
			CircuitOpen:      open,
			SecondsSinceOpen: since.Seconds(),
		}
	}
	return out
}

// Policy guards operations against one origin.
type Policy struct {
	origin  string
	limiter *rate.Limiter
	breaker *Breaker
	retry   RetryConfig
	logger  *zap.Logger
}

// Run executes op under the origin's breaker, rate limit and retry policy.
// An open breaker fails immediately without consuming a token. Retryable
// and throttled failures are retried with backoff; everything else
// surfaces after the first attempt. The breaker counts only
// resilience-relevant failures and resets on success.
func (p *Policy) Run(ctx context.Context, op func(context.Context) error) error {
	if !p.breaker.Allow() {
		_, _, since := p.breaker.Snapshot()
		return &fetchkit.CircuitOpenError{Origin: p.origin, Since: since}
	}

	err := p.attempt(ctx, op)

	// Every granted call resolves the breaker: a half-open probe that
	// ends in a non-counting failure must release its slot, or the
	// origin would reject callers forever.
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case fetchkit.CountsAgainstBreaker(err):
		p.breaker.RecordFailure()
	default:
		p.breaker.ReleaseProbe()
	}
	return err
}

// attempt runs op under the token bucket and retry policy, returning the
// final error after retries.
func (p *Policy) attempt(ctx context.Context, op func(context.Context) error) error {
	waitStart := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(waitStart); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(p.origin, waited)
	}

	var lastErr error
	for attempt := 0; attempt < p.retry.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !fetchkit.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		if attempt == p.retry.MaxAttempts-1 {
			break
		}
		delay := p.retry.delayFor(err, attempt)
		p.logger.Debug("retrying after failure",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := sleep(ctx, delay); err != nil {
			break
		}
	}
	return lastErr
}
