// Command server runs the golden-integrity metadata service.
//
// # Usage
//
//	server --config /etc/golden-integrity/server.yaml
//	server --listen :8443 --storage /var/lib/golden-integrity/metadata.db
//
// # Configuration
//
// The server can be configured via:
// - Config file (YAML)
// - Environment variables (INTEGRITY_*)
// - Command-line flags
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pilot-net/golden-integrity/metadata-service/internal/api"
	"github.com/pilot-net/golden-integrity/metadata-service/internal/cache"
	"github.com/pilot-net/golden-integrity/metadata-service/internal/config"
	"github.com/pilot-net/golden-integrity/metadata-service/internal/metrics"
	"github.com/pilot-net/golden-integrity/metadata-service/internal/service"
	"github.com/pilot-net/golden-integrity/metadata-service/internal/store"
	"github.com/pilot-net/golden-integrity/metadata-service/internal/worker"
)

var version = "0.1.0"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file (YAML)")
		listen      = flag.String("listen", "", "HTTP listen address (overrides config)")
		storagePath = flag.String("storage", "", "Store file path (overrides config)")
		redisURL    = flag.String("redis", "", "Redis URL for response caching (overrides config)")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("integrity-metadata-service v%s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Load configuration
	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnvOverrides()
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *storagePath != "" {
		cfg.Storage.Path = *storagePath
	}
	if *redisURL != "" {
		cfg.Cache.RedisURL = *redisURL
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the store
	db, err := store.Open(cfg.Storage.Path, store.Options{
		Timeout:          cfg.Storage.OpenTimeout,
		HeartbeatHistory: cfg.Storage.HeartbeatHistory,
	})
	if err != nil {
		logger.Error("failed to open store", "path", cfg.Storage.Path, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("store opened", "path", cfg.Storage.Path)

	// Optional response cache
	var responseCache *cache.Cache
	var cachePinger metrics.CachePinger
	var invalidator worker.Invalidator
	if cfg.Cache.RedisURL != "" {
		responseCache, err = cache.New(ctx, cfg.Cache.RedisURL, logger)
		if err != nil {
			logger.Warn("redis unavailable, response caching disabled", "error", err)
			responseCache = nil
		} else {
			defer responseCache.Close()
			cachePinger = responseCache
			invalidator = responseCache
			logger.Info("response caching enabled")
		}
	}

	svc := service.NewService(db, logger)
	collector := metrics.NewCollector(db, cachePinger)

	if cfg.Auth.CollectorTokenHash == "" {
		logger.Warn("collector authentication disabled; any client can store baselines")
	}
	apiServer := api.NewServer(svc, collector, responseCache, api.Options{
		CollectorTokenHash: cfg.Auth.CollectorTokenHash,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		MaxBaselineBytes:   cfg.Server.MaxBaselineBytes,
		AgentsCacheTTL:     cfg.Cache.TTL,
		RequestTimeout:     cfg.Server.RequestTimeout,
	}, logger)

	retention := worker.NewRetentionWorker(db, invalidator, worker.RetentionWorkerConfig{
		Interval:    cfg.Retention.Interval,
		StaleAfter:  cfg.Retention.StaleAfter,
		AlertMaxAge: cfg.Retention.AlertMaxAge,
		AgentMaxAge: cfg.Retention.AgentMaxAge,
	}, logger)
	retention.Start(ctx)
	defer retention.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  config.DefaultIdleTimeout,
	}

	go func() {
		logger.Info("starting server", "listen", cfg.Server.Listen, "version", version)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
