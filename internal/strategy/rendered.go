package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/jobsift/harvester/internal/fetchkit"
	"github.com/jobsift/harvester/internal/harvest"
	"github.com/jobsift/harvester/internal/policy"
)

// RenderedConfig controls the browser-driven executor.
type RenderedConfig struct {
	MaxParallel        int
	UserAgent          string
	NavigationTimeout  time.Duration
	ContainerSelectors []string
}

// RenderedStrategy renders the target with headless Chrome and extracts
// posting links from the resulting DOM.
type RenderedStrategy struct {
	cfg         RenderedConfig
	policies    *policy.Registry
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewRenderedStrategy creates a chromedp-backed executor.
func NewRenderedStrategy(cfg RenderedConfig, policies *policy.Registry, logger *zap.Logger) (*RenderedStrategy, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if len(cfg.ContainerSelectors) == 0 {
		cfg.ContainerSelectors = []string{"[class*=job]", ".posting", ".opening", "li", "article"}
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &RenderedStrategy{
		cfg:         cfg,
		policies:    policies,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close cancels the browser allocator.
func (s *RenderedStrategy) Close() {
	s.allocCancel()
}

// Kind implements Strategy.
func (s *RenderedStrategy) Kind() harvest.StrategyKind { return harvest.StrategyRendered }

// Fetch implements Strategy. Navigation runs under the origin's policy so
// rendered crawls share the same token bucket and breaker as plain HTTP.
func (s *RenderedStrategy) Fetch(ctx context.Context, target *harvest.Target) ([]harvest.NormalizedRecord, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	waitSelector := "body"
	if target.Strategy.Rendered != nil && target.Strategy.Rendered.WaitSelector != "" {
		waitSelector = target.Strategy.Rendered.WaitSelector
	}

	var html string
	err := s.policies.ForOrigin(target.Origin()).Run(ctx, func(ctx context.Context) error {
		rendered, err := s.render(ctx, target.URL, waitSelector)
		if err != nil {
			return &fetchkit.RetryableError{URL: target.URL, Err: err}
		}
		html = rendered
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.extract(target.URL, html)
}

func (s *RenderedStrategy) render(ctx context.Context, pageURL, waitSelector string) (string, error) {
	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavigationTimeout)
	defer cancel()

	// Honor caller cancellation even though chromedp owns its own tree.
	go func() {
		select {
		case <-ctx.Done():
			taskCancel()
		case <-taskCtx.Done():
		}
	}()

	var html string
	actions := []chromedp.Action{
		s.userAgentAction(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady(waitSelector, chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (s *RenderedStrategy) userAgentAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if s.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// extract pulls posting links out of the rendered DOM. A page that parses
// but yields nothing is a soft empty result, not an error.
func (s *RenderedStrategy) extract(pageURL, html string) ([]harvest.NormalizedRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &fetchkit.ParseError{URL: pageURL, Err: err}
	}

	seen := make(map[string]struct{})
	var records []harvest.NormalizedRecord
	for _, container := range s.cfg.ContainerSelectors {
		doc.Find(container).Find("a[href]").Each(func(_ int, link *goquery.Selection) {
			href, _ := link.Attr("href")
			resolved := resolveURL(pageURL, href)
			title := strings.Join(strings.Fields(link.Text()), " ")
			if resolved == "" || title == "" {
				return
			}
			if _, dup := seen[resolved]; dup {
				return
			}
			seen[resolved] = struct{}{}
			records = append(records, harvest.NormalizedRecord{
				ExternalID: resolved,
				Title:      title,
				URL:        resolved,
				Strategy:   harvest.StrategyRendered,
			})
		})
		if len(records) > 0 {
			break
		}
	}
	return records, nil
}

func (s *RenderedStrategy) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (s *RenderedStrategy) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}
