// Command agent runs the golden-image integrity agent.
//
// # Usage
//
//	agent --metadata-url https://integrity.pilot.net --image-id web-2024.06.1
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (INTEGRITY_*)
// - Config file (--config)
//
// # Examples
//
// Monitor with a config file:
//
//	agent --config /etc/golden-integrity/agent.yaml
//
// Check the host once and exit (1 on anomalies, 2 on a trust failure):
//
//	agent --config /etc/golden-integrity/agent.yaml --mode scan
//
// Reload the baseline of a running agent:
//
//	kill -HUP $(pidof agent)
//
// # Exit Status
//
//	0  clean shutdown, or scan found no anomalies
//	1  configuration error, or scan found anomalies
//	2  baseline could not be fetched or trusted (scan mode)
//	3  the exit fail-closed action fired
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pilot-net/golden-integrity/agent"
	"github.com/pilot-net/golden-integrity/agent/internal/config"
)

func main() {
	// Parse flags
	var (
		configFile  = flag.String("config", "", "Path to config file")
		mode        = flag.String("mode", "monitor", "monitor or scan")
		metadataURL = flag.String("metadata-url", "", "Metadata service URL")
		agentID     = flag.String("agent-id", "", "Agent identifier (defaults to the hostname)")
		imageID     = flag.String("image-id", "", "Image whose baseline is enforced")
		scanRoot    = flag.String("scan-root", "", "Filesystem root the baseline applies to")
		watch       = flag.String("watch", "", "Comma separated paths to monitor")
		publicKey   = flag.String("public-key", "", "Trusted baseline signing key (authorized_keys format)")
		threshold   = flag.Int("threshold", 0, "Consecutive anomalies before failing closed")
		metricsAddr = flag.String("metrics-listen", "", "Address for the Prometheus endpoint")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		version     = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	// Print version
	if *version {
		fmt.Printf("integrity-agent %s\n", agent.Version)
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

	// Load from file if specified
	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	// Apply environment overrides
	cfg.ApplyEnvOverrides()

	// Apply flag overrides
	if *metadataURL != "" {
		cfg.Metadata.URL = *metadataURL
	}
	if *agentID != "" {
		cfg.Agent.ID = *agentID
	}
	if *imageID != "" {
		cfg.Agent.ImageID = *imageID
	}
	if *scanRoot != "" {
		cfg.Scan.Root = *scanRoot
	}
	if *watch != "" {
		cfg.Scan.WatchPaths = config.SplitList(*watch)
	}
	if *publicKey != "" {
		cfg.Trust.PublicKey = *publicKey
	}
	if *threshold > 0 {
		cfg.Policy.Threshold = *threshold
	}
	if *metricsAddr != "" {
		cfg.Metrics.Listen = *metricsAddr
	}
	if cfg.Agent.ID == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Agent.ID = hostname
		}
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *mode != "monitor" && *mode != "scan" {
		logger.Error("invalid mode", "mode", *mode)
		os.Exit(1)
	}

	// Create agent
	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				logger.Info("received SIGHUP, re-syncing baseline")
				a.Resync()
				continue
			}
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
			return
		}
	}()

	if *mode == "scan" {
		os.Exit(runScan(ctx, a, logger))
	}

	// Run agent
	logger.Info("starting integrity agent",
		"agent_id", cfg.Agent.ID,
		"metadata_url", cfg.Metadata.URL)

	err = a.Run(ctx)
	switch {
	case errors.Is(err, agent.ErrExitRequested):
		logger.Error("exiting on fail-closed action")
		a.Close()
		os.Exit(3)
	case err != nil && !errors.Is(err, context.Canceled):
		logger.Error("agent exited with error", "error", err)
		a.Close()
		os.Exit(1)
	}

	logger.Info("agent shutdown complete")
}

func runScan(ctx context.Context, a *agent.Agent, logger *slog.Logger) int {
	defer a.Close()

	anomalies, err := a.ScanOnce(ctx)
	if err != nil {
		logger.Error("scan failed", "error", err)
		if errors.Is(err, agent.ErrTrustAnchor) {
			return 2
		}
		return 1
	}

	for _, an := range anomalies {
		fmt.Printf("%-17s %s\n", an.Kind, an.Path)
	}
	logger.Info("scan complete", "anomalies", len(anomalies))
	if len(anomalies) > 0 {
		return 1
	}
	return 0
}
