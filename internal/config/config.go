// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Detector DetectorConfig `mapstructure:"detector"`
	Fallback FallbackConfig `mapstructure:"fallback"`
	Rendered RenderedConfig `mapstructure:"rendered"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Registry RegistryConfig `mapstructure:"registry"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the operational HTTP endpoint.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CrawlConfig governs the coordinator.
type CrawlConfig struct {
	MaxConcurrent        int `mapstructure:"max_concurrent"`
	TargetTimeoutSeconds int `mapstructure:"target_timeout_seconds"`
	RecencyCap           int `mapstructure:"recency_cap"`
	StaleRunMaxAgeMin    int `mapstructure:"stale_run_max_age_minutes"`
	ReconcileIntervalSec int `mapstructure:"reconcile_interval_seconds"`
}

// PolicyConfig sets per-origin rate limiting, breaker and retry bounds.
type PolicyConfig struct {
	RatePerSec          float64 `mapstructure:"rate_per_sec"`
	Burst               int     `mapstructure:"burst"`
	FailureThreshold    int     `mapstructure:"failure_threshold"`
	ResetTimeoutSeconds int     `mapstructure:"reset_timeout_seconds"`
	MaxRetries          int     `mapstructure:"max_retries"`
	BackoffInitialMs    int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int     `mapstructure:"backoff_max_ms"`
	JitterMs            int     `mapstructure:"jitter_ms"`
}

// FetchConfig controls the resilient fetch layer.
type FetchConfig struct {
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	RespectRobots  bool     `mapstructure:"respect_robots"`
	UserAgents     []string `mapstructure:"user_agents"`
	Proxies        []string `mapstructure:"proxies"`
}

// DetectorConfig tunes strategy detection heuristics.
type DetectorConfig struct {
	MinTextBytes       int      `mapstructure:"min_text_bytes"`
	ScriptThreshold    int      `mapstructure:"script_threshold"`
	Keywords           []string `mapstructure:"keywords"`
	ContainerSelectors []string `mapstructure:"container_selectors"`
}

// FallbackConfig orders non-primary strategies.
type FallbackConfig struct {
	Order []string `mapstructure:"order"`
}

// RenderedConfig configures browser-driven extraction.
type RenderedConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxParallel       int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds int  `mapstructure:"nav_timeout_seconds"`
}

// LLMConfig configures AI-assisted extraction.
type LLMConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
	MaxChars  int    `mapstructure:"max_chars"`
}

// RegistryConfig selects the target registry backend.
type RegistryConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
}

// SinkConfig selects the result sink backend.
type SinkConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ArchiveConfig selects where raw page snapshots go.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Dir      string `mapstructure:"dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// LoggingConfig selects the zap output mode and minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawl.max_concurrent", 4)
	v.SetDefault("crawl.target_timeout_seconds", 120)
	v.SetDefault("crawl.recency_cap", 500)
	v.SetDefault("crawl.stale_run_max_age_minutes", 120)
	v.SetDefault("crawl.reconcile_interval_seconds", 300)
	v.SetDefault("policy.rate_per_sec", 1.0)
	v.SetDefault("policy.burst", 2)
	v.SetDefault("policy.failure_threshold", 5)
	v.SetDefault("policy.reset_timeout_seconds", 60)
	v.SetDefault("policy.max_retries", 3)
	v.SetDefault("policy.backoff_initial_ms", 500)
	v.SetDefault("policy.backoff_max_ms", 30000)
	v.SetDefault("policy.jitter_ms", 250)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("detector.min_text_bytes", 512)
	v.SetDefault("detector.script_threshold", 8)
	v.SetDefault("detector.keywords", []string{"job", "career", "vacancy", "position", "opening"})
	v.SetDefault("detector.container_selectors", []string{
		"[class*=job-list]", "ul.jobs", "[data-job-id]", ".posting", ".opening", "[class*=vacanc]",
	})
	v.SetDefault("fallback.order", []string{"api", "rendered", "llm", "search"})
	v.SetDefault("rendered.enabled", true)
	v.SetDefault("rendered.max_parallel", 2)
	v.SetDefault("rendered.nav_timeout_seconds", 30)
	v.SetDefault("llm.model", "claude-3-5-haiku-latest")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.max_chars", 24000)
	v.SetDefault("registry.provider", "memory")
	v.SetDefault("sink.provider", "memory")
	v.SetDefault("archive.provider", "memory")
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.MaxConcurrent <= 0 {
		return fmt.Errorf("crawl.max_concurrent must be > 0")
	}
	if c.Crawl.TargetTimeoutSeconds <= 0 {
		return fmt.Errorf("crawl.target_timeout_seconds must be > 0")
	}
	if c.Crawl.RecencyCap <= 0 {
		return fmt.Errorf("crawl.recency_cap must be > 0")
	}
	if c.Policy.RatePerSec <= 0 {
		return fmt.Errorf("policy.rate_per_sec must be > 0")
	}
	if c.Policy.FailureThreshold <= 0 {
		return fmt.Errorf("policy.failure_threshold must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Registry.Provider == "postgres" && c.Registry.DSN == "" {
		return fmt.Errorf("registry.dsn must be set when registry.provider is postgres")
	}
	if c.Sink.Provider == "pubsub" && (c.Sink.ProjectID == "" || c.Sink.Topic == "") {
		return fmt.Errorf("sink.project_id and sink.topic must be set when sink.provider is pubsub")
	}
	for _, kind := range c.Fallback.Order {
		switch kind {
		case "api", "rendered", "llm", "search":
		default:
			return fmt.Errorf("fallback.order contains unknown strategy %q", kind)
		}
	}
	return nil
}

// TargetTimeout converts the per-target time limit into a duration.
func (c Config) TargetTimeout() time.Duration {
	return time.Duration(c.Crawl.TargetTimeoutSeconds) * time.Second
}

// StaleRunMaxAge converts the reconciliation threshold into a duration.
func (c Config) StaleRunMaxAge() time.Duration {
	return time.Duration(c.Crawl.StaleRunMaxAgeMin) * time.Minute
}
