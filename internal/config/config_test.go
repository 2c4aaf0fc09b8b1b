package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 4, cfg.Crawl.MaxConcurrent)
	require.Equal(t, 2*time.Minute, cfg.TargetTimeout())
	require.Equal(t, 2*time.Hour, cfg.StaleRunMaxAge())
	require.Equal(t, 500, cfg.Crawl.RecencyCap)
	require.Equal(t, 1.0, cfg.Policy.RatePerSec)
	require.Equal(t, 5, cfg.Policy.FailureThreshold)
	require.True(t, cfg.Fetch.RespectRobots)
	require.Equal(t, []string{"api", "rendered", "llm", "search"}, cfg.Fallback.Order)
	require.Equal(t, "memory", cfg.Registry.Provider)
	require.Equal(t, "memory", cfg.Sink.Provider)
	require.Equal(t, "memory", cfg.Archive.Provider)
	require.True(t, cfg.Rendered.Enabled)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Empty(t, cfg.LLM.APIKey)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
crawl:
  max_concurrent: 8
  target_timeout_seconds: 45
policy:
  rate_per_sec: 0.5
  failure_threshold: 3
fetch:
  respect_robots: false
  user_agents: ["agent-a", "agent-b"]
fallback:
  order: ["api", "llm"]
registry:
  provider: postgres
  dsn: postgres://harvester@localhost/harvester
sink:
  provider: pubsub
  project_id: jobsift-prod
  topic: postings
archive:
  provider: local
  dir: /var/lib/harvester/snapshots
logging:
  development: false
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 8, cfg.Crawl.MaxConcurrent)
	require.Equal(t, 45*time.Second, cfg.TargetTimeout())
	require.Equal(t, 0.5, cfg.Policy.RatePerSec)
	require.False(t, cfg.Fetch.RespectRobots)
	require.Equal(t, []string{"agent-a", "agent-b"}, cfg.Fetch.UserAgents)
	require.Equal(t, []string{"api", "llm"}, cfg.Fallback.Order)
	require.Equal(t, "postgres", cfg.Registry.Provider)
	require.Equal(t, "pubsub", cfg.Sink.Provider)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"zero concurrency", func(c *Config) { c.Crawl.MaxConcurrent = 0 }, "crawl.max_concurrent"},
		{"zero timeout", func(c *Config) { c.Crawl.TargetTimeoutSeconds = 0 }, "crawl.target_timeout_seconds"},
		{"zero recency cap", func(c *Config) { c.Crawl.RecencyCap = 0 }, "crawl.recency_cap"},
		{"zero rate", func(c *Config) { c.Policy.RatePerSec = 0 }, "policy.rate_per_sec"},
		{"postgres without dsn", func(c *Config) { c.Registry.Provider = "postgres" }, "registry.dsn"},
		{"pubsub without topic", func(c *Config) { c.Sink.Provider = "pubsub"; c.Sink.ProjectID = "p" }, "sink.project_id and sink.topic"},
		{"unknown fallback kind", func(c *Config) { c.Fallback.Order = []string{"api", "carrier-pigeon"} }, "fallback.order"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
