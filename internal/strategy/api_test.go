package strategy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobsift/harvester/internal/fetchkit"
	"github.com/jobsift/harvester/internal/harvest"
	"github.com/jobsift/harvester/internal/policy"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	client := fetchkit.NewClient(fetchkit.Config{Timeout: 5 * time.Second}, zap.NewNop())
	policies := policy.NewRegistry(policy.Config{
		RatePerSec: 1000,
		Burst:      100,
		Retry:      policy.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, JitterBound: time.Millisecond},
	}, fixedClock{now: time.Unix(1000, 0)}, zap.NewNop())
	return &Env{Client: client, Policies: policies, Logger: zap.NewNop()}
}

func serveJSON(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func apiTarget(provider harvest.APIProvider, slug string) *harvest.Target {
	return &harvest.Target{
		ID:     "t1",
		Name:   "acme",
		URL:    "https://careers.acme.test/jobs",
		Active: true,
		Strategy: harvest.StrategyConfig{
			Kind: harvest.StrategyAPI,
			API:  &harvest.APIConfig{Provider: provider, Slug: slug},
		},
	}
}

// Endpoint overrides below mutate package state, so the provider tests
// run sequentially.

func TestAPIFetchGreenhouse(t *testing.T) {
	srv := serveJSON(t, `{"jobs":[
		{"id":101,"title":"Backend Engineer","absolute_url":"https://boards.greenhouse.io/acme/jobs/101",
		 "updated_at":"2026-02-10T09:30:00Z","content":"Build services.",
		 "location":{"name":"Berlin"}},
		{"id":102,"title":"Data Engineer","absolute_url":"https://boards.greenhouse.io/acme/jobs/102",
		 "updated_at":"2026-02-11","location":{"name":"Remote"}}
	]}`)
	orig := greenhouseEndpoint
	greenhouseEndpoint = srv.URL + "/boards/%s/jobs"
	t.Cleanup(func() { greenhouseEndpoint = orig })

	s := NewAPIStrategy(newTestEnv(t))
	records, err := s.Fetch(context.Background(), apiTarget(harvest.ProviderGreenhouse, "acme"))
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.Equal(t, "greenhouse-101", records[0].ExternalID)
	require.Equal(t, "Backend Engineer", records[0].Title)
	require.Equal(t, "Berlin", records[0].Location)
	require.Equal(t, "https://boards.greenhouse.io/acme/jobs/101", records[0].URL)
	require.Equal(t, time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC), records[0].PostedAt)
	require.Equal(t, harvest.StrategyAPI, records[0].Strategy)
	require.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), records[1].PostedAt)
}

func TestAPIFetchLever(t *testing.T) {
	srv := serveJSON(t, `[
		{"id":"ab-12","text":"SRE","hostedUrl":"https://jobs.lever.co/acme/ab-12",
		 "createdAt":1767225600000,"descriptionPlain":"Keep it up.",
		 "categories":{"location":"NYC"}}
	]`)
	orig := leverEndpoint
	leverEndpoint = srv.URL + "/postings/%s"
	t.Cleanup(func() { leverEndpoint = orig })

	s := NewAPIStrategy(newTestEnv(t))
	records, err := s.Fetch(context.Background(), apiTarget(harvest.ProviderLever, "acme"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "lever-ab-12", records[0].ExternalID)
	require.Equal(t, "SRE", records[0].Title)
	require.Equal(t, "NYC", records[0].Location)
	require.Equal(t, time.UnixMilli(1767225600000).UTC(), records[0].PostedAt)
}

func TestAPIFetchAshby(t *testing.T) {
	srv := serveJSON(t, `{"jobs":[
		{"id":"j-9","title":"Platform Engineer","location":"Lisbon",
		 "jobUrl":"https://jobs.ashbyhq.com/acme/j-9","publishedAt":"2026-03-01T00:00:00Z"}
	]}`)
	orig := ashbyEndpoint
	ashbyEndpoint = srv.URL + "/job-board/%s"
	t.Cleanup(func() { ashbyEndpoint = orig })

	s := NewAPIStrategy(newTestEnv(t))
	records, err := s.Fetch(context.Background(), apiTarget(harvest.ProviderAshby, "acme"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "ashby-j-9", records[0].ExternalID)
	require.Equal(t, "Lisbon", records[0].Location)
}

func TestAPIFetchWorkable(t *testing.T) {
	srv := serveJSON(t, `{"jobs":[
		{"shortcode":"W77","title":"QA Engineer","city":"Athens","country":"Greece",
		 "url":"https://apply.workable.com/acme/j/W77","published_on":"2026-01-05"},
		{"shortcode":"W78","title":"Support Engineer","city":"","country":"Ireland",
		 "url":"https://apply.workable.com/acme/j/W78"}
	]}`)
	orig := workableEndpoint
	workableEndpoint = srv.URL + "/accounts/%s"
	t.Cleanup(func() { workableEndpoint = orig })

	s := NewAPIStrategy(newTestEnv(t))
	records, err := s.Fetch(context.Background(), apiTarget(harvest.ProviderWorkable, "acme"))
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "workable-W77", records[0].ExternalID)
	require.Equal(t, "Athens, Greece", records[0].Location)
	require.Equal(t, "Ireland", records[1].Location)
}

func TestAPIFetchMalformedPayload(t *testing.T) {
	srv := serveJSON(t, `{"jobs": "nope"}`)
	orig := greenhouseEndpoint
	greenhouseEndpoint = srv.URL + "/boards/%s/jobs"
	t.Cleanup(func() { greenhouseEndpoint = orig })

	s := NewAPIStrategy(newTestEnv(t))
	_, err := s.Fetch(context.Background(), apiTarget(harvest.ProviderGreenhouse, "acme"))
	var parseErr *fetchkit.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestAPIFetchJSONLD(t *testing.T) {
	t.Parallel()

	page := `<html><head>
	<script type="application/ld+json">
	{"@type":"JobPosting","title":"Compiler Engineer","url":"https://careers.acme.test/jobs/7",
	 "datePosted":"2026-04-01","description":"LLVM work",
	 "identifier":{"value":"req-7"},
	 "jobLocation":{"address":{"addressLocality":"Zurich","addressCountry":"CH"}}}
	</script>
	<script type="application/ld+json">
	{"@graph":[
	  {"@type":"Organization","name":"Acme"},
	  {"@type":"JobPosting","title":"Kernel Engineer","identifier":"req-8"}
	]}
	</script>
	<script type="application/ld+json">not json at all</script>
	</head><body></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	}))
	t.Cleanup(srv.Close)

	target := apiTarget(harvest.ProviderJSONLD, "")
	target.URL = srv.URL + "/careers"

	s := NewAPIStrategy(newTestEnv(t))
	records, err := s.Fetch(context.Background(), target)
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.Equal(t, "jsonld-req-7", records[0].ExternalID)
	require.Equal(t, "Compiler Engineer", records[0].Title)
	require.Equal(t, "Zurich, CH", records[0].Location)
	require.Equal(t, "https://careers.acme.test/jobs/7", records[0].URL)

	require.Equal(t, "jsonld-req-8", records[1].ExternalID)
	// No url on the posting, so the page URL is used for both fields.
	require.Equal(t, target.URL, records[1].URL)
}

func TestAPIFetchMissingConfig(t *testing.T) {
	t.Parallel()

	s := NewAPIStrategy(newTestEnv(t))
	target := apiTarget(harvest.ProviderGreenhouse, "acme")
	target.Strategy.API = nil
	_, err := s.Fetch(context.Background(), target)
	var parseErr *fetchkit.ParseError
	require.ErrorAs(t, err, &parseErr)
}
