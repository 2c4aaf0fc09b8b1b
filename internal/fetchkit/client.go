// Package fetchkit wraps HTTP access with robots enforcement, conditional
// caching and classification of failures into the typed error taxonomy the
// policy and fallback layers act on.
package fetchkit

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/jobsift/harvester/internal/metrics"
)

// Config controls fetch behavior.
type Config struct {
	UserAgents     []string
	Proxies        []string
	Timeout        time.Duration
	RespectRobots  bool
	CaptchaMarkers []string
}

// DefaultCaptchaMarkers are scanned (lowercased) in response bodies.
var DefaultCaptchaMarkers = []string{
	"g-recaptcha",
	"h-captcha",
	"hcaptcha.com/captcha",
	"cf-challenge",
	"challenge-platform",
	"are you a human",
}

// Response is the outcome of a successful Get. A NotModified response
// carries the previously cached body.
type Response struct {
	URL         string
	StatusCode  int
	Header      http.Header
	Body        []byte
	NotModified bool
	Duration    time.Duration
}

// Client is the resilient fetch layer. It performs exactly one request per
// Get; retries and rate limiting belong to the policy layer above it.
type Client struct {
	cfg     Config
	base    *colly.Collector
	robots  *robotsCache
	cond    *conditionalCache
	markers [][]byte
	logger  *zap.Logger
}

// NewClient builds a Client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = []string{"jobsift-harvester/1.0"}
	}
	if len(cfg.CaptchaMarkers) == 0 {
		cfg.CaptchaMarkers = DefaultCaptchaMarkers
	}
	markers := make([][]byte, 0, len(cfg.CaptchaMarkers))
	for _, m := range cfg.CaptchaMarkers {
		markers = append(markers, bytes.ToLower([]byte(m)))
	}
	base := colly.NewCollector(colly.Async(false))
	base.AllowURLRevisit = true
	base.IgnoreRobotsTxt = true // enforced here, before any request
	return &Client{
		cfg:     cfg,
		base:    base,
		robots:  newRobotsCache(cfg.UserAgents[0], logger),
		cond:    newConditionalCache(0),
		markers: markers,
		logger:  logger,
	}
}

// Get fetches rawURL once, classifying the outcome. Robots-disallowed URLs
// fail with ForbiddenError before any request is sent.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse fetch url: %w", err)
	}
	if c.cfg.RespectRobots && !c.robots.Allowed(parsed) {
		return nil, &ForbiddenError{URL: rawURL, Reason: "disallowed by robots.txt"}
	}

	collector := c.base.Clone()
	collector.UserAgent = c.pickUserAgent()
	collector.SetRequestTimeout(c.cfg.Timeout)
	if proxy := c.pickProxy(); proxy != "" {
		if err := collector.SetProxy(proxy); err != nil {
			c.logger.Warn("proxy setup failed; continuing direct",
				zap.String("proxy", proxy), zap.Error(err))
		}
	}

	var (
		resp     *Response
		fetchErr error
	)
	start := time.Now()

	collector.OnRequest(func(r *colly.Request) {
		c.cond.Decorate(rawURL, *r.Headers)
	})
	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		body := append([]byte(nil), r.Body...)
		if marker, hit := c.captchaMarker(body); hit {
			fetchErr = &CaptchaError{URL: rawURL, Marker: marker}
			return
		}
		c.cond.Store(rawURL, headers, body)
		resp = &Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     headers,
			Body:       body,
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, visitErr error) {
		status := 0
		var headers http.Header
		var body []byte
		if r != nil {
			status = r.StatusCode
			body = r.Body
			if r.Headers != nil {
				headers = *r.Headers
			}
		}
		if status == http.StatusNotModified {
			cached, ok := c.cond.Body(rawURL)
			if !ok {
				cached = nil
			}
			resp = &Response{
				URL:         rawURL,
				StatusCode:  status,
				Header:      headers,
				Body:        cached,
				NotModified: true,
				Duration:    time.Since(start),
			}
			return
		}
		fetchErr = c.classify(rawURL, status, headers, body, visitErr)
	})

	if err := c.visit(ctx, collector, rawURL); err != nil {
		metrics.ObserveFetch(parsed.Hostname(), 0)
		return nil, err
	}
	if fetchErr != nil {
		metrics.ObserveFetch(parsed.Hostname(), statusOf(fetchErr))
		return nil, fetchErr
	}
	if resp == nil {
		return nil, &RetryableError{URL: rawURL, Err: fmt.Errorf("no response received")}
	}
	metrics.ObserveFetch(parsed.Hostname(), resp.StatusCode)
	return resp, nil
}

func (c *Client) visit(ctx context.Context, collector *colly.Collector, rawURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		// Visit errors duplicate what OnError already classified; only
		// surface ones that never reached a callback.
		if err != nil && ctx.Err() != nil {
			return fmt.Errorf("fetch canceled: %w", ctx.Err())
		}
		return nil
	}
}

func (c *Client) classify(rawURL string, status int, headers http.Header, body []byte, visitErr error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &ThrottledError{URL: rawURL, RetryAfter: parseRetryAfter(headers)}
	case status == http.StatusForbidden:
		if marker, hit := c.captchaMarker(body); hit {
			return &CaptchaError{URL: rawURL, Marker: marker}
		}
		return &ForbiddenError{URL: rawURL, Reason: "server returned 403"}
	case status >= 500:
		return &RetryableError{URL: rawURL, Err: fmt.Errorf("server status %d", status)}
	case status >= 400:
		return fmt.Errorf("fetch %s: unexpected status %d", rawURL, status)
	default:
		// No usable status: transport failure, DNS error or timeout.
		return &RetryableError{URL: rawURL, Err: visitErr}
	}
}

func (c *Client) captchaMarker(body []byte) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	lower := bytes.ToLower(body)
	for _, marker := range c.markers {
		if bytes.Contains(lower, marker) {
			return string(marker), true
		}
	}
	return "", false
}

func (c *Client) pickUserAgent() string {
	return c.cfg.UserAgents[rand.IntN(len(c.cfg.UserAgents))]
}

func (c *Client) pickProxy() string {
	if len(c.cfg.Proxies) == 0 {
		return ""
	}
	return c.cfg.Proxies[rand.IntN(len(c.cfg.Proxies))]
}

func parseRetryAfter(headers http.Header) time.Duration {
	raw := headers.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func statusOf(err error) int {
	switch err.(type) {
	case *ThrottledError:
		return http.StatusTooManyRequests
	case *ForbiddenError, *CaptchaError:
		return http.StatusForbidden
	default:
		return 0
	}
}
