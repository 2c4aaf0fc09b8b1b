package strategy

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/jobsift/harvester/internal/fetchkit"
	"github.com/jobsift/harvester/internal/harvest"
)

const searchResultCap = 20

// defaultSearchEndpoints are query templates; %s receives the encoded query.
var defaultSearchEndpoints = []string{
	"https://html.duckduckgo.com/html/?q=%s",
}

// SearchStrategy rediscovers postings through a web search scoped to the
// target's site. It is a last resort for targets whose listing pages have
// moved or gone dark.
type SearchStrategy struct {
	env       *Env
	endpoints []string
	logger    *zap.Logger
}

// NewSearchStrategy creates a search-backed executor. endpoints may be nil
// to use the defaults.
func NewSearchStrategy(env *Env, endpoints []string, logger *zap.Logger) *SearchStrategy {
	if len(endpoints) == 0 {
		endpoints = defaultSearchEndpoints
	}
	return &SearchStrategy{env: env, endpoints: endpoints, logger: logger}
}

// Kind implements Strategy.
func (s *SearchStrategy) Kind() harvest.StrategyKind { return harvest.StrategySearch }

// Fetch implements Strategy.
func (s *SearchStrategy) Fetch(ctx context.Context, target *harvest.Target) ([]harvest.NormalizedRecord, error) {
	host, err := hostOf(target.URL)
	if err != nil {
		return nil, &fetchkit.ParseError{URL: target.URL, Err: err}
	}

	endpoints := s.endpoints
	if target.Strategy.Search != nil && len(target.Strategy.Search.Endpoints) > 0 {
		endpoints = target.Strategy.Search.Endpoints
	}

	query := url.QueryEscape(fmt.Sprintf("site:%s jobs careers", host))
	var lastErr error
	for _, tmpl := range endpoints {
		searchURL := fmt.Sprintf(tmpl, query)
		resp, err := s.env.Get(ctx, target, searchURL)
		if err != nil {
			lastErr = err
			continue
		}
		records, err := s.extract(host, resp.Body)
		if err != nil {
			lastErr = err
			continue
		}
		if len(records) > 0 {
			s.logger.Debug("search rediscovery hit",
				zap.String("target", target.Name),
				zap.Int("records", len(records)))
			return records, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

// extract keeps only result links that land back on the target's own host.
func (s *SearchStrategy) extract(host string, body []byte) ([]harvest.NormalizedRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, &fetchkit.ParseError{Err: err}
	}

	seen := make(map[string]struct{})
	var records []harvest.NormalizedRecord
	doc.Find("a[href]").EachWithBreak(func(_ int, link *goquery.Selection) bool {
		href, _ := link.Attr("href")
		resolved := unwrapRedirect(href)
		linkHost, err := hostOf(resolved)
		if err != nil || !sameSite(linkHost, host) {
			return true
		}
		title := strings.Join(strings.Fields(link.Text()), " ")
		if title == "" {
			return true
		}
		if _, dup := seen[resolved]; dup {
			return true
		}
		seen[resolved] = struct{}{}
		records = append(records, harvest.NormalizedRecord{
			ExternalID: resolved,
			Title:      title,
			URL:        resolved,
			Strategy:   harvest.StrategySearch,
		})
		return len(records) < searchResultCap
	})
	return records, nil
}

// unwrapRedirect follows the uddg-style indirection search engines wrap
// result links in. Plain links pass through unchanged.
func unwrapRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if wrapped := u.Query().Get("uddg"); wrapped != "" {
		if decoded, err := url.QueryUnescape(wrapped); err == nil {
			return decoded
		}
	}
	return href
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", rawURL)
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www."), nil
}

func sameSite(linkHost, targetHost string) bool {
	return linkHost == targetHost || strings.HasSuffix(linkHost, "."+targetHost)
}
