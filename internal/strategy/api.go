package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jobsift/harvester/internal/fetchkit"
	"github.com/jobsift/harvester/internal/harvest"
)

// Provider endpoint templates, variables so tests can point them at
// local servers.
var (
	greenhouseEndpoint = "https://boards-api.greenhouse.io/v1/boards/%s/jobs?content=true"
	leverEndpoint      = "https://api.lever.co/v0/postings/%s?mode=json"
	ashbyEndpoint      = "https://api.ashbyhq.com/posting-api/job-board/%s"
	workableEndpoint   = "https://apply.workable.com/api/v1/widget/accounts/%s?details=true"
)

// APIStrategy extracts postings from known structured board APIs and from
// schema.org JobPosting data embedded in pages.
type APIStrategy struct {
	env *Env
}

// NewAPIStrategy builds the structured-API executor.
func NewAPIStrategy(env *Env) *APIStrategy {
	return &APIStrategy{env: env}
}

// Kind implements Strategy.
func (s *APIStrategy) Kind() harvest.StrategyKind { return harvest.StrategyAPI }

// Fetch implements Strategy.
func (s *APIStrategy) Fetch(ctx context.Context, target *harvest.Target) ([]harvest.NormalizedRecord, error) {
	cfg := target.Strategy.API
	if cfg == nil {
		return nil, &fetchkit.ParseError{URL: target.URL, Err: fmt.Errorf("target has no api configuration")}
	}
	switch cfg.Provider {
	case harvest.ProviderGreenhouse:
		return s.fetchGreenhouse(ctx, target, cfg.Slug)
	case harvest.ProviderLever:
		return s.fetchLever(ctx, target, cfg.Slug)
	case harvest.ProviderAshby:
		return s.fetchAshby(ctx, target, cfg.Slug)
	case harvest.ProviderWorkable:
		return s.fetchWorkable(ctx, target, cfg.Slug)
	case harvest.ProviderJSONLD:
		return s.fetchJSONLD(ctx, target)
	default:
		return nil, &fetchkit.ParseError{URL: target.URL, Err: fmt.Errorf("unknown api provider %q", cfg.Provider)}
	}
}

func (s *APIStrategy) fetchGreenhouse(ctx context.Context, target *harvest.Target, slug string) ([]harvest.NormalizedRecord, error) {
	endpoint := fmt.Sprintf(greenhouseEndpoint, slug)
	resp, err := s.env.Get(ctx, target, endpoint)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Jobs []struct {
			ID          int64  `json:"id"`
			Title       string `json:"title"`
			AbsoluteURL string `json:"absolute_url"`
			UpdatedAt   string `json:"updated_at"`
			Content     string `json:"content"`
			Location    struct {
				Name string `json:"name"`
			} `json:"location"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, &fetchkit.ParseError{URL: endpoint, Err: err}
	}
	records := make([]harvest.NormalizedRecord, 0, len(payload.Jobs))
	for _, job := range payload.Jobs {
		records = append(records, harvest.NormalizedRecord{
			ExternalID:  fmt.Sprintf("greenhouse-%d", job.ID),
			Title:       job.Title,
			Location:    job.Location.Name,
			URL:         job.AbsoluteURL,
			Description: job.Content,
			PostedAt:    parseTime(job.UpdatedAt),
			Strategy:    harvest.StrategyAPI,
		})
	}
	return records, nil
}

func (s *APIStrategy) fetchLever(ctx context.Context, target *harvest.Target, slug string) ([]harvest.NormalizedRecord, error) {
	endpoint := fmt.Sprintf(leverEndpoint, slug)
	resp, err := s.env.Get(ctx, target, endpoint)
	if err != nil {
		return nil, err
	}
	var postings []struct {
		ID         string `json:"id"`
		Text       string `json:"text"`
		HostedURL  string `json:"hostedUrl"`
		CreatedAt  int64  `json:"createdAt"`
		Plain      string `json:"descriptionPlain"`
		Categories struct {
			Location string `json:"location"`
		} `json:"categories"`
	}
	if err := json.Unmarshal(resp.Body, &postings); err != nil {
		return nil, &fetchkit.ParseError{URL: endpoint, Err: err}
	}
	records := make([]harvest.NormalizedRecord, 0, len(postings))
	for _, p := range postings {
		records = append(records, harvest.NormalizedRecord{
			ExternalID:  "lever-" + p.ID,
			Title:       p.Text,
			Location:    p.Categories.Location,
			URL:         p.HostedURL,
			Description: p.Plain,
			PostedAt:    time.UnixMilli(p.CreatedAt).UTC(),
			Strategy:    harvest.StrategyAPI,
		})
	}
	return records, nil
}

func (s *APIStrategy) fetchAshby(ctx context.Context, target *harvest.Target, slug string) ([]harvest.NormalizedRecord, error) {
	endpoint := fmt.Sprintf(ashbyEndpoint, slug)
	resp, err := s.env.Get(ctx, target, endpoint)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Jobs []struct {
			ID          string `json:"id"`
			Title       string `json:"title"`
			Location    string `json:"location"`
			JobURL      string `json:"jobUrl"`
			PublishedAt string `json:"publishedAt"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, &fetchkit.ParseError{URL: endpoint, Err: err}
	}
	records := make([]harvest.NormalizedRecord, 0, len(payload.Jobs))
	for _, job := range payload.Jobs {
		records = append(records, harvest.NormalizedRecord{
			ExternalID: "ashby-" + job.ID,
			Title:      job.Title,
			Location:   job.Location,
			URL:        job.JobURL,
			PostedAt:   parseTime(job.PublishedAt),
			Strategy:   harvest.StrategyAPI,
		})
	}
	return records, nil
}

func (s *APIStrategy) fetchWorkable(ctx context.Context, target *harvest.Target, slug string) ([]harvest.NormalizedRecord, error) {
	endpoint := fmt.Sprintf(workableEndpoint, slug)
	resp, err := s.env.Get(ctx, target, endpoint)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Jobs []struct {
			Shortcode   string `json:"shortcode"`
			Title       string `json:"title"`
			City        string `json:"city"`
			Country     string `json:"country"`
			URL         string `json:"url"`
			Description string `json:"description"`
			PublishedOn string `json:"published_on"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, &fetchkit.ParseError{URL: endpoint, Err: err}
	}
	records := make([]harvest.NormalizedRecord, 0, len(payload.Jobs))
	for _, job := range payload.Jobs {
		location := job.City
		if location != "" && job.Country != "" {
			location += ", " + job.Country
		} else if location == "" {
			location = job.Country
		}
		records = append(records, harvest.NormalizedRecord{
			ExternalID:  "workable-" + job.Shortcode,
			Title:       job.Title,
			Location:    location,
			URL:         job.URL,
			Description: job.Description,
			PostedAt:    parseTime(job.PublishedOn),
			Strategy:    harvest.StrategyAPI,
		})
	}
	return records, nil
}

// jobPostingLD is the subset of schema.org JobPosting we normalize.
type jobPostingLD struct {
	Type        string          `json:"@type"`
	Graph       []jobPostingLD  `json:"@graph"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	DatePosted  string          `json:"datePosted"`
	URL         string          `json:"url"`
	Identifier  json.RawMessage `json:"identifier"`
	JobLocation json.RawMessage `json:"jobLocation"`
}

func (s *APIStrategy) fetchJSONLD(ctx context.Context, target *harvest.Target) ([]harvest.NormalizedRecord, error) {
	resp, err := s.env.Get(ctx, target, target.URL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, &fetchkit.ParseError{URL: target.URL, Err: err}
	}

	var records []harvest.NormalizedRecord
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		records = append(records, decodeJobPostings([]byte(sel.Text()), target.URL)...)
	})
	return records, nil
}

// decodeJobPostings accepts a single object, an array, or an @graph
// wrapper, keeping only JobPosting entries.
func decodeJobPostings(raw []byte, pageURL string) []harvest.NormalizedRecord {
	var single jobPostingLD
	if err := json.Unmarshal(raw, &single); err == nil {
		return flattenLD(single, pageURL)
	}
	var many []jobPostingLD
	if err := json.Unmarshal(raw, &many); err == nil {
		var out []harvest.NormalizedRecord
		for _, p := range many {
			out = append(out, flattenLD(p, pageURL)...)
		}
		return out
	}
	return nil
}

func flattenLD(p jobPostingLD, pageURL string) []harvest.NormalizedRecord {
	if len(p.Graph) > 0 {
		var out []harvest.NormalizedRecord
		for _, g := range p.Graph {
			out = append(out, flattenLD(g, pageURL)...)
		}
		return out
	}
	if p.Type != "JobPosting" || p.Title == "" {
		return nil
	}
	recordURL := p.URL
	if recordURL == "" {
		recordURL = pageURL
	}
	return []harvest.NormalizedRecord{{
		ExternalID:  "jsonld-" + ldIdentifier(p, recordURL),
		Title:       p.Title,
		Location:    ldLocation(p.JobLocation),
		URL:         recordURL,
		Description: p.Description,
		PostedAt:    parseTime(p.DatePosted),
		Strategy:    harvest.StrategyAPI,
	}}
}

func ldIdentifier(p jobPostingLD, fallback string) string {
	var ident struct {
		Value string `json:"value"`
	}
	if len(p.Identifier) > 0 {
		if err := json.Unmarshal(p.Identifier, &ident); err == nil && ident.Value != "" {
			return ident.Value
		}
		var plain string
		if err := json.Unmarshal(p.Identifier, &plain); err == nil && plain != "" {
			return plain
		}
	}
	return fallback
}

func ldLocation(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var loc struct {
		Address struct {
			Locality string `json:"addressLocality"`
			Country  string `json:"addressCountry"`
		} `json:"address"`
	}
	if err := json.Unmarshal(raw, &loc); err == nil && loc.Address.Locality != "" {
		if loc.Address.Country != "" {
			return loc.Address.Locality + ", " + loc.Address.Country
		}
		return loc.Address.Locality
	}
	var locs []json.RawMessage
	if err := json.Unmarshal(raw, &locs); err == nil && len(locs) > 0 {
		return ldLocation(locs[0])
	}
	return ""
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
