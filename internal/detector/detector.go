// Package detector classifies a target into the extraction strategy most
// likely to succeed, caching the result on the target.
package detector

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/jobsift/harvester/internal/fetchkit"
	"github.com/jobsift/harvester/internal/harvest"
	"github.com/jobsift/harvester/internal/policy"
)

// Config tunes the render-required heuristics.
type Config struct {
	MinTextBytes       int
	ScriptThreshold    int
	Keywords           []string
	ContainerSelectors []string
}

// Detector inspects a target's URL and static HTML once.
type Detector struct {
	client   *fetchkit.Client
	policies *policy.Registry
	cfg      Config
	keywords [][]byte
	logger   *zap.Logger
}

// New constructs a Detector.
func New(client *fetchkit.Client, policies *policy.Registry, cfg Config, logger *zap.Logger) *Detector {
	if cfg.MinTextBytes <= 0 {
		cfg.MinTextBytes = 512
	}
	if cfg.ScriptThreshold <= 0 {
		cfg.ScriptThreshold = 8
	}
	if len(cfg.ContainerSelectors) == 0 {
		cfg.ContainerSelectors = DefaultContainerSelectors
	}
	keywords := make([][]byte, 0, len(cfg.Keywords))
	for _, kw := range cfg.Keywords {
		kw = strings.TrimSpace(kw)
		if kw != "" {
			keywords = append(keywords, bytes.ToLower([]byte(kw)))
		}
	}
	if len(keywords) == 0 {
		for _, kw := range defaultKeywords {
			keywords = append(keywords, []byte(kw))
		}
	}
	return &Detector{
		client:   client,
		policies: policies,
		cfg:      cfg,
		keywords: keywords,
		logger:   logger,
	}
}

// DefaultContainerSelectors are probed for a wait-selector hint.
var DefaultContainerSelectors = []string{
	"[class*=job-list]",
	"ul.jobs",
	"[data-job-id]",
	".posting",
	".opening",
	"[class*=vacanc]",
}

var defaultKeywords = []string{"job", "career", "vacancy", "position", "opening"}

var (
	greenhouseURLRe = regexp.MustCompile(`boards(?:-api)?\.greenhouse\.io/(?:v1/boards/|embed/job_board\?for=)?([A-Za-z0-9_-]+)`)
	leverURLRe      = regexp.MustCompile(`(?:jobs|api)\.lever\.co/(?:v0/postings/)?([A-Za-z0-9_-]+)`)
	ashbyURLRe      = regexp.MustCompile(`jobs\.ashbyhq\.com/([A-Za-z0-9_-]+)`)
	workableURLRe   = regexp.MustCompile(`(?:apply|www)\.workable\.com/(?:api/v1/widget/accounts/)?([A-Za-z0-9_-]+)`)
)

// Detect classifies the target. Precedence: known structured-API
// signatures, then render-required heuristics, then generic AI-assisted
// extraction. Fetch failures fall through to the default rather than
// propagating.
func (d *Detector) Detect(ctx context.Context, target *harvest.Target) harvest.StrategyConfig {
	if cfg, ok := d.matchAPIHost(target.URL); ok {
		return cfg
	}

	body, err := d.fetchStatic(ctx, target)
	if err != nil {
		d.logger.Debug("detection fetch failed; defaulting to llm extraction",
			zap.String("target", target.ID), zap.Error(err))
		return harvest.StrategyConfig{Kind: harvest.StrategyLLM, LLM: &harvest.LLMConfig{}}
	}

	doc, docErr := goquery.NewDocumentFromReader(bytes.NewReader(body))

	if cfg, ok := d.matchAPIMarkers(body, doc, docErr == nil); ok {
		return cfg
	}
	if hint, needs := d.needsRendering(target.URL, body, doc, docErr == nil); needs {
		return harvest.StrategyConfig{
			Kind:     harvest.StrategyRendered,
			Rendered: &harvest.RenderedConfig{WaitSelector: hint},
		}
	}
	return harvest.StrategyConfig{Kind: harvest.StrategyLLM, LLM: &harvest.LLMConfig{}}
}

func (d *Detector) fetchStatic(ctx context.Context, target *harvest.Target) ([]byte, error) {
	var body []byte
	err := d.policies.ForOrigin(target.Origin()).Run(ctx, func(ctx context.Context) error {
		resp, err := d.client.Get(ctx, target.URL)
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	return body, err
}

// matchAPIHost recognizes board providers from the URL alone.
func (d *Detector) matchAPIHost(rawURL string) (harvest.StrategyConfig, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return harvest.StrategyConfig{}, false
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.HasSuffix(host, "greenhouse.io"):
		return apiConfig(harvest.ProviderGreenhouse, firstSegment(u.Path)), true
	case strings.HasSuffix(host, "lever.co"):
		return apiConfig(harvest.ProviderLever, firstSegment(u.Path)), true
	case strings.HasSuffix(host, "ashbyhq.com"):
		return apiConfig(harvest.ProviderAshby, firstSegment(u.Path)), true
	case strings.HasSuffix(host, "workable.com"):
		return apiConfig(harvest.ProviderWorkable, firstSegment(u.Path)), true
	}
	return harvest.StrategyConfig{}, false
}

// matchAPIMarkers looks for provider references embedded in the HTML and
// for schema.org JobPosting structured data.
func (d *Detector) matchAPIMarkers(body []byte, doc *goquery.Document, haveDoc bool) (harvest.StrategyConfig, bool) {
	text := string(body)
	if m := greenhouseURLRe.FindStringSubmatch(text); m != nil {
		return apiConfig(harvest.ProviderGreenhouse, m[1]), true
	}
	if m := leverURLRe.FindStringSubmatch(text); m != nil {
		return apiConfig(harvest.ProviderLever, m[1]), true
	}
	if m := ashbyURLRe.FindStringSubmatch(text); m != nil {
		return apiConfig(harvest.ProviderAshby, m[1]), true
	}
	if m := workableURLRe.FindStringSubmatch(text); m != nil {
		return apiConfig(harvest.ProviderWorkable, m[1]), true
	}
	if haveDoc && hasJobPostingLD(doc) {
		return apiConfig(harvest.ProviderJSONLD, ""), true
	}
	return harvest.StrategyConfig{}, false
}

func hasJobPostingLD(doc *goquery.Document) bool {
	found := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.Contains(s.Text(), `"JobPosting"`) {
			found = true
			return false
		}
		return true
	})
	return found
}

var spaMarkers = [][]byte{
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte(`id="__next"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("data-v-app"),
}

// needsRendering decides whether the page likely requires client-side
// rendering, returning a wait-selector hint when one of the configured
// job-container selectors is already present in the static HTML.
func (d *Detector) needsRendering(pageURL string, body []byte, doc *goquery.Document, haveDoc bool) (string, bool) {
	hint := ""
	if haveDoc {
		for _, sel := range d.cfg.ContainerSelectors {
			if doc.Find(sel).Length() > 0 {
				hint = sel
				break
			}
		}
	}

	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return hint, true
		}
	}
	if haveDoc {
		text := strings.TrimSpace(doc.Find("body").Text())
		if len(text) < d.cfg.MinTextBytes && d.containsKeywords(body) {
			return hint, true
		}
		if d.externalScriptCount(pageURL, doc) >= d.cfg.ScriptThreshold {
			return hint, true
		}
	}
	return "", false
}

func (d *Detector) containsKeywords(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if bytes.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (d *Detector) externalScriptCount(pageURL string, doc *goquery.Document) int {
	page, err := url.Parse(pageURL)
	if err != nil {
		return 0
	}
	count := 0
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		u, err := url.Parse(src)
		if err != nil {
			return
		}
		if u.Host != "" && !strings.EqualFold(u.Host, page.Host) {
			count++
		}
	})
	return count
}

func apiConfig(provider harvest.APIProvider, slug string) harvest.StrategyConfig {
	return harvest.StrategyConfig{
		Kind: harvest.StrategyAPI,
		API:  &harvest.APIConfig{Provider: provider, Slug: slug},
	}
}

func firstSegment(path string) string {
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			return seg
		}
	}
	return ""
}
