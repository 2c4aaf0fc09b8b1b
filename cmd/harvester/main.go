// Package main wires together the harvester service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/jobsift/harvester/internal/api"
	"github.com/jobsift/harvester/internal/archive"
	"github.com/jobsift/harvester/internal/clock/system"
	"github.com/jobsift/harvester/internal/config"
	"github.com/jobsift/harvester/internal/coordinator"
	"github.com/jobsift/harvester/internal/detector"
	"github.com/jobsift/harvester/internal/fallback"
	"github.com/jobsift/harvester/internal/fetchkit"
	"github.com/jobsift/harvester/internal/harvest"
	"github.com/jobsift/harvester/internal/logging"
	"github.com/jobsift/harvester/internal/metrics"
	"github.com/jobsift/harvester/internal/policy"
	"github.com/jobsift/harvester/internal/registry"
	"github.com/jobsift/harvester/internal/sink"
	"github.com/jobsift/harvester/internal/strategy"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	runOnce := flag.Bool("once", false, "Run a single crawl pass and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()

	policies := policy.NewRegistry(policy.Config{
		RatePerSec:       cfg.Policy.RatePerSec,
		Burst:            cfg.Policy.Burst,
		FailureThreshold: cfg.Policy.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.Policy.ResetTimeoutSeconds) * time.Second,
		Retry: policy.RetryConfig{
			MaxAttempts:    cfg.Policy.MaxRetries,
			InitialBackoff: time.Duration(cfg.Policy.BackoffInitialMs) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.Policy.BackoffMaxMs) * time.Millisecond,
			JitterBound:    time.Duration(cfg.Policy.JitterMs) * time.Millisecond,
		},
	}, clock, logger.Named("policy"))

	client := fetchkit.NewClient(fetchkit.Config{
		UserAgents:     cfg.Fetch.UserAgents,
		Proxies:        cfg.Fetch.Proxies,
		Timeout:        time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		RespectRobots:  cfg.Fetch.RespectRobots,
		CaptchaMarkers: fetchkit.DefaultCaptchaMarkers,
	}, logger.Named("fetch"))

	reg, runStore, err := buildRegistry(ctx, cfg, clock)
	if err != nil {
		logger.Fatal("registry init failed", zap.Error(err))
	}
	sinks, err := buildSink(ctx, cfg)
	if err != nil {
		logger.Fatal("sink init failed", zap.Error(err))
	}
	archiver, err := buildArchiver(ctx, cfg, clock)
	if err != nil {
		logger.Fatal("archiver init failed", zap.Error(err))
	}

	env := &strategy.Env{
		Client:   client,
		Policies: policies,
		Archiver: archiver,
		Logger:   logger.Named("strategy"),
	}

	strategies := []strategy.Strategy{
		strategy.NewAPIStrategy(env),
		strategy.NewSearchStrategy(env, nil, logger.Named("search")),
	}
	if cfg.Rendered.Enabled {
		rendered, err := strategy.NewRenderedStrategy(strategy.RenderedConfig{
			MaxParallel:        cfg.Rendered.MaxParallel,
			NavigationTimeout:  time.Duration(cfg.Rendered.NavTimeoutSeconds) * time.Second,
			ContainerSelectors: cfg.Detector.ContainerSelectors,
		}, policies, logger.Named("rendered"))
		if err != nil {
			logger.Warn("rendered strategy init failed", zap.Error(err))
		} else {
			defer rendered.Close()
			strategies = append(strategies, rendered)
		}
	}
	if cfg.LLM.APIKey != "" {
		llm, err := strategy.NewLLMStrategy(strategy.LLMConfig{
			APIKey:    cfg.LLM.APIKey,
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.MaxTokens,
			MaxChars:  cfg.LLM.MaxChars,
		}, env, logger.Named("llm"))
		if err != nil {
			logger.Warn("llm strategy init failed", zap.Error(err))
		} else {
			strategies = append(strategies, llm)
		}
	}

	detect := detector.New(client, policies, detector.Config{
		MinTextBytes:       cfg.Detector.MinTextBytes,
		ScriptThreshold:    cfg.Detector.ScriptThreshold,
		Keywords:           cfg.Detector.Keywords,
		ContainerSelectors: cfg.Detector.ContainerSelectors,
	}, logger.Named("detector"))

	order := make([]harvest.StrategyKind, 0, len(cfg.Fallback.Order))
	for _, kind := range cfg.Fallback.Order {
		order = append(order, harvest.StrategyKind(kind))
	}
	chain, err := fallback.NewManager(strategies, detect, order, clock, logger.Named("fallback"))
	if err != nil {
		logger.Fatal("fallback init failed", zap.Error(err))
	}

	coord := coordinator.New(reg, runStore, sinks, chain, clock, coordinator.Config{
		MaxConcurrent:  cfg.Crawl.MaxConcurrent,
		TargetTimeout:  cfg.TargetTimeout(),
		RecencyCap:     cfg.Crawl.RecencyCap,
		StaleRunMaxAge: cfg.StaleRunMaxAge(),
	}, logger.Named("coordinator"))

	if *runOnce {
		summary, err := coord.Run(ctx, "once")
		if err != nil {
			logger.Fatal("crawl run failed", zap.Error(err))
		}
		logger.Info("crawl pass complete",
			zap.String("run_id", summary.RunID),
			zap.Int("records", summary.Records))
		return
	}

	apiServer := api.NewServer(coord, policies, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	go reconcileLoop(ctx, coord, time.Duration(cfg.Crawl.ReconcileIntervalSec)*time.Second, logger)

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// reconcileLoop periodically fails runs stuck in the running state.
func reconcileLoop(ctx context.Context, coord *coordinator.Coordinator, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := coord.ReconcileStale(ctx); err != nil {
				logger.Error("stale run reconcile failed", zap.Error(err))
			}
		}
	}
}

func buildRegistry(ctx context.Context, cfg config.Config, clock harvest.Clock) (harvest.Registry, harvest.RunStore, error) {
	switch cfg.Registry.Provider {
	case "postgres":
		pg, err := registry.NewPostgres(ctx, cfg.Registry.DSN, clock)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg, nil
	case "", "memory":
		mem := registry.NewMemory(clock)
		return mem, mem, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry provider %q", cfg.Registry.Provider)
	}
}

func buildSink(ctx context.Context, cfg config.Config) (harvest.SinkProvider, error) {
	switch cfg.Sink.Provider {
	case "pubsub":
		return sink.NewPubSub(ctx, cfg.Sink.ProjectID, cfg.Sink.Topic)
	case "", "memory":
		return sink.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown sink provider %q", cfg.Sink.Provider)
	}
}

func buildArchiver(ctx context.Context, cfg config.Config, clock harvest.Clock) (harvest.Archiver, error) {
	switch cfg.Archive.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return archive.NewGCS(client, cfg.Archive.Bucket, cfg.Archive.Prefix, clock)
	case "local":
		return archive.NewLocal(cfg.Archive.Dir, clock)
	case "", "memory":
		return archive.NewMemory(clock), nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Archive.Provider)
	}
}
