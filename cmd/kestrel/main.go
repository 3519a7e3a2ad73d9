// Kestrel - Risk decisions for every transaction.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/batch"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluator"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", envOr("KESTREL_CONFIG", "kestrel.yaml"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(config.NewLogger(cfg.Logging, os.Stdout))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"config_version", cfg.Engine.Version,
		"review_at", cfg.Engine.Thresholds.ReviewAt,
		"reject_at", cfg.Engine.Thresholds.RejectAt,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository (nil when driver is "none")
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	if repo != nil {
		defer repo.Close()
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache (nil when type is "none")
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	if cacheImpl != nil {
		defer cacheImpl.Close()
	}
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Evaluator
	eval, err := evaluator.New(cfg.Engine)
	if err != nil {
		slog.Error("failed to initialize evaluator", "error", err)
		os.Exit(1)
	}
	slog.Info("evaluator initialized", "fingerprint", eval.Fingerprint())

	var results *cache.ResultCache
	if cacheImpl != nil {
		results = cache.NewResultCache(cacheImpl, eval.Fingerprint(), cfg.Cache.ResultTTL)
	}

	p := pipeline.New(eval, results, repo)
	runner := batch.NewRunner(p,
		batch.WithWorkers(cfg.Batch.Workers),
		batch.WithStrict(cfg.Batch.Strict),
	)

	// Initialize stream Worker
	var streamWorker *worker.Worker
	if cfg.StreamWorker {
		streamWorker = worker.NewWorker(busImpl, p)
		if err := streamWorker.Start(); err != nil {
			slog.Error("failed to start stream worker", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, p, runner, cacheImpl, busImpl, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop stream worker first
	if streamWorker != nil {
		if err := streamWorker.Stop(); err != nil {
			slog.Error("failed to stop stream worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - Transaction Risk Engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Config:   %s (review at %d, reject at %d)\n",
		cfg.Engine.Version, cfg.Engine.Thresholds.ReviewAt, cfg.Engine.Thresholds.RejectAt)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transaction        - Evaluate a transaction")
	fmt.Println("    POST /transaction/async  - Submit a transaction to the stream worker")
	fmt.Println("    POST /batch              - Score a CSV table")
	fmt.Println("    GET  /evaluations/{id}   - Get evaluation by ID")
	fmt.Println("    GET  /config             - Active engine configuration")
	fmt.Println("    GET  /health             - Health check")
	fmt.Println("    GET  /metrics            - Prometheus metrics")
	fmt.Println()
}
