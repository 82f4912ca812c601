// Command collector captures a golden-image baseline.
//
// # Usage
//
//	collector --scan-path /mnt/image --image-id web-2024.06.1 \
//	          --metadata-url https://integrity.pilot.net --token col_xxx
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
// Sign with a local key and keep a copy of the baseline:
//
//	collector --config /etc/golden-integrity/collector.yaml \
//	          --sign --output /tmp/baseline.json
//
// Export only, upload later:
//
//	collector --scan-path / --image-id web-1 --no-upload --output web-1.json
//	collector --from-file web-1.json --metadata-url https://integrity.pilot.net
//
// Print the public key agents must trust:
//
//	collector --sign --print-public-key
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

	"github.com/pilot-net/golden-integrity/collector"
	"github.com/pilot-net/golden-integrity/collector/internal/config"
)

func main() {
	var (
		configFile     = flag.String("config", "", "Path to config file")
		scanPath       = flag.String("scan-path", "", "Root of the image to scan")
		imageID        = flag.String("image-id", "", "Image identifier the baseline is stored under")
		metadataURL    = flag.String("metadata-url", "", "Metadata service URL")
		token          = flag.String("token", "", "Collector bearer token")
		exclude        = flag.String("exclude", "", "Comma separated paths to exclude (replaces defaults)")
		sign           = flag.Bool("sign", false, "Sign the baseline")
		output         = flag.String("output", "", "Also write the baseline to this file")
		noUpload       = flag.Bool("no-upload", false, "Do not upload; requires --output")
		fromFile       = flag.String("from-file", "", "Upload a previously exported baseline instead of scanning")
		printPublicKey = flag.Bool("print-public-key", false, "Print the signing public key and exit")
		rotateKey      = flag.Bool("rotate-key", false, "Rotate the signing key, print the new public key and exit")
		debug          = flag.Bool("debug", false, "Enable debug logging")
		version        = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("integrity-collector %s\n", collector.Version)
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
	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	cfg.ApplyEnvOverrides()

	// Apply flag overrides
	if *scanPath != "" {
		cfg.Scan.Root = *scanPath
	}
	if *imageID != "" {
		cfg.ImageID = *imageID
	}
	if *metadataURL != "" {
		cfg.Metadata.URL = *metadataURL
	}
	if *token != "" {
		cfg.Metadata.Token = *token
	}
	if *exclude != "" {
		cfg.Scan.Exclusions = config.SplitList(*exclude)
	}
	if *sign || *printPublicKey || *rotateKey {
		cfg.Signing.Enabled = true
	}
	if *output != "" {
		cfg.Output = *output
	}
	if *noUpload {
		cfg.NoUpload = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Key management needs no image or destination.
	if *printPublicKey || *rotateKey {
		c, err := collector.New(cfg, logger)
		if err != nil {
			logger.Error("failed to create collector", "error", err)
			os.Exit(1)
		}
		defer c.Close()

		var pub string
		if *rotateKey {
			pub, err = c.RotateKey(ctx)
		} else {
			pub, err = c.PublicKey(ctx)
		}
		if err != nil {
			logger.Error("key operation failed", "error", err)
			os.Exit(1)
		}
		fmt.Print(pub)
		return
	}

	if *fromFile != "" {
		baseline, err := collector.ReadBaseline(*fromFile)
		if err != nil {
			logger.Error("failed to read baseline", "error", err)
			os.Exit(1)
		}
		cfg.ImageID = baseline.ImageID
		cfg.Signing.Enabled = false
		if err := cfg.Validate(); err != nil {
			logger.Error("invalid configuration", "error", err)
			os.Exit(1)
		}
		c, err := collector.New(cfg, logger)
		if err != nil {
			logger.Error("failed to create collector", "error", err)
			os.Exit(1)
		}
		defer c.Close()
		if _, err := c.Upload(ctx, baseline); err != nil {
			logger.Error("upload failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	c, err := collector.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create collector", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	result, err := c.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("collection cancelled")
		} else {
			logger.Error("collection failed", "error", err)
		}
		c.Close()
		os.Exit(1)
	}

	fmt.Printf("image_id=%s entries=%d signed=%t uploaded=%t\n",
		result.Summary.ImageID, result.Summary.EntryCount, result.Summary.Signed, result.Uploaded)
}
