package fetchkit

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError wraps transient failures (network errors, 5xx responses)
// that the policy layer may retry with backoff.
type RetryableError struct {
	URL string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable fetch failure for %s: %v", e.URL, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// ThrottledError signals a 429. RetryAfter is zero when the server sent no
// hint; otherwise the policy layer honors it over computed backoff.
type ThrottledError struct {
	URL        string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("throttled on %s, retry after %s", e.URL, e.RetryAfter)
	}
	return fmt.Sprintf("throttled on %s", e.URL)
}

// ForbiddenError covers 403 responses and robots.txt disallows. Never
// retried; the fallback chain moves to the next strategy.
type ForbiddenError struct {
	URL    string
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("access forbidden for %s: %s", e.URL, e.Reason)
}

// CaptchaError means an anti-bot challenge was detected in the response.
// Not retried, but it still counts against the origin's breaker.
type CaptchaError struct {
	URL    string
	Marker string
}

func (e *CaptchaError) Error() string {
	return fmt.Sprintf("captcha challenge on %s (marker %q)", e.URL, e.Marker)
}

// ParseError means content was fetched but yielded no structured data.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// CircuitOpenError is returned by the policy layer before any network
// attempt when the origin's breaker is open.
type CircuitOpenError struct {
	Origin string
	Since  time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (%s)", e.Origin, e.Since.Round(time.Second))
}

// IsRetryable reports whether the policy layer should retry err.
func IsRetryable(err error) bool {
	var re *RetryableError
	var te *ThrottledError
	return errors.As(err, &re) || errors.As(err, &te)
}

// CountsAgainstBreaker reports whether err should increment the origin
// breaker. Forbidden and parse failures are target-shaped problems, not
// origin health signals, so they are excluded.
func CountsAgainstBreaker(err error) bool {
	var ce *CaptchaError
	return IsRetryable(err) || errors.As(err, &ce)
}

// RetryAfterHint extracts a server-provided retry delay, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var te *ThrottledError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter, true
	}
	return 0, false
}
