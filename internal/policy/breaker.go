package policy

import (
	"sync"
	"time"

	"github.com/jobsift/harvester/internal/harvest"
	"github.com/jobsift/harvester/internal/metrics"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // calls rejected immediately
	BreakerHalfOpen                     // one probe allowed to test recovery
)

// String returns the metric label for the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker implements a per-origin circuit breaker. All state transitions
// happen under the mutex; contention is limited to targets sharing an
// origin.
type Breaker struct {
	mu           sync.Mutex
	origin       string
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	probing      bool
	clock        harvest.Clock
}

// NewBreaker builds a closed breaker for origin.
func NewBreaker(origin string, threshold int, resetTimeout time.Duration, clock harvest.Clock) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}
	return &Breaker{
		origin:       origin,
		state:        BreakerClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		clock:        clock,
	}
}

// Allow reports whether a call may proceed. An open breaker whose reset
// timeout has elapsed moves to half-open (failure counter cleared) and
// lets exactly one probe through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.clock.Now().Sub(b.openedAt) >= b.resetTimeout {
		b.transition(BreakerHalfOpen)
		b.failures = 0
		b.probing = false
	}
	if b.state == BreakerHalfOpen {
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return b.state != BreakerOpen
}

// RecordSuccess resets the failure counter and closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.probing = false
		b.transition(BreakerClosed)
	}
}

// ReleaseProbe resolves a half-open probe whose outcome says nothing about
// origin health (forbidden, parse, cancellation). The breaker stays
// half-open and the next caller may probe again.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.probing = false
	}
}

// RecordFailure increments the consecutive-failure counter and opens the
// breaker at the threshold. A half-open probe failure reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.open()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
		}
	case BreakerOpen:
	}
}

// Snapshot returns the failure count, whether the breaker is open, and how
// long it has been open.
func (b *Breaker) Snapshot() (failures int, open bool, sinceOpen time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen {
		return b.failures, true, b.clock.Now().Sub(b.openedAt)
	}
	return b.failures, false, 0
}

func (b *Breaker) open() {
	b.openedAt = b.clock.Now()
	b.probing = false
	b.transition(BreakerOpen)
}

// transition must be called with mu held.
func (b *Breaker) transition(next BreakerState) {
	if b.state == next {
		return
	}
	b.state = next
	metrics.ObserveBreakerTransition(b.origin, next.String())
}
