package policy

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/jobsift/harvester/internal/fetchkit"
)

// RetryConfig bounds the retry loop applied inside Policy.Run.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterBound    time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.JitterBound <= 0 {
		c.JitterBound = 250 * time.Millisecond
	}
	return c
}

// Backoff returns the wait before retry number attempt (zero-based):
// initial * 2^attempt capped at MaxBackoff, plus bounded random jitter.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	delay := float64(c.InitialBackoff) * math.Pow(2, float64(attempt))
	if delay > float64(c.MaxBackoff) {
		delay = float64(c.MaxBackoff)
	}
	return time.Duration(delay) + randomJitter(c.JitterBound)
}

// delayFor picks the wait before the next attempt. A throttle hint from
// the server overrides the computed backoff.
func (c RetryConfig) delayFor(err error, attempt int) time.Duration {
	if hint, ok := fetchkit.RetryAfterHint(err); ok {
		return hint + randomJitter(c.JitterBound)
	}
	return c.Backoff(attempt)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// sleep waits for d or until the context finishes.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
