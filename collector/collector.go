// Package collector provides the baseline collector.
//
// # Collector Run
//
//  1. Walk the scan root under the exclusion policy
//  2. Hash every regular file and capture mode/uid/gid
//  3. Sign the baseline (optional)
//  4. Write the baseline to a local file (optional)
//  5. Upload the baseline to the metadata service (one request)
//
// A run is idempotent per image id: re-running it replaces the stored
// baseline with the new one.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pilot-net/golden-integrity/collector/internal/config"
	"github.com/pilot-net/golden-integrity/collector/internal/secrets"
	"github.com/pilot-net/golden-integrity/pkg/client"
	"github.com/pilot-net/golden-integrity/pkg/scan"
	"github.com/pilot-net/golden-integrity/pkg/signing"
	"github.com/pilot-net/golden-integrity/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// Uploader stores baselines. Satisfied by *client.Client.
type Uploader interface {
	StoreBaseline(ctx context.Context, baseline *types.Baseline) (*types.BaselineSummary, error)
}

// Result describes a completed run.
type Result struct {
	Summary        types.BaselineSummary
	Uploaded       bool
	OutputPath     string
	KeyFingerprint string
	Duration       time.Duration
}

// Collector produces baselines.
type Collector struct {
	cfg      *config.Config
	uploader Uploader
	keys     secrets.KeyStore
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a collector with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Collector, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	c := &Collector{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}

	if !cfg.NoUpload {
		c.uploader = client.NewClient(client.Config{
			BaseURL:   cfg.Metadata.URL,
			AuthToken: cfg.Metadata.Token,
			UserAgent: "golden-integrity-collector/" + Version,
			Timeout:   cfg.Metadata.RequestTimeout,
		})
	}

	if cfg.Signing.Enabled {
		keys, err := secrets.NewKeyStore(cfg.Signing.Secrets(), logger)
		if err != nil {
			return nil, fmt.Errorf("opening key store: %w", err)
		}
		c.keys = keys
	}

	return c, nil
}

// Close releases the key store.
func (c *Collector) Close() error {
	if c.keys != nil {
		return c.keys.Close()
	}
	return nil
}

// Run walks, signs, writes and uploads one baseline.
func (c *Collector) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	c.logger.Info("starting collection",
		"image_id", c.cfg.ImageID,
		"root", c.cfg.Scan.Root,
		"exclusions", c.cfg.Scan.Exclusions,
		"version", Version)

	baseline, err := c.Collect(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{}

	if c.keys != nil {
		fingerprint, err := c.sign(ctx, baseline)
		if err != nil {
			return nil, err
		}
		result.KeyFingerprint = fingerprint
	}

	if c.cfg.Output != "" {
		if err := WriteBaseline(c.cfg.Output, baseline); err != nil {
			return nil, err
		}
		result.OutputPath = c.cfg.Output
		c.logger.Info("baseline written", "path", c.cfg.Output)
	}

	result.Summary = baseline.Summary()

	if c.uploader != nil {
		summary, err := c.uploader.StoreBaseline(ctx, baseline)
		if err != nil {
			return nil, fmt.Errorf("uploading baseline: %w", err)
		}
		result.Summary = *summary
		result.Uploaded = true
	}

	result.Duration = time.Since(start)
	c.logger.Info("collection complete",
		"image_id", result.Summary.ImageID,
		"entries", result.Summary.EntryCount,
		"signed", result.Summary.Signed,
		"uploaded", result.Uploaded,
		"duration", result.Duration)

	return result, nil
}

// Upload sends a previously exported baseline to the metadata service.
func (c *Collector) Upload(ctx context.Context, baseline *types.Baseline) (*types.BaselineSummary, error) {
	if c.uploader == nil {
		return nil, fmt.Errorf("upload is disabled")
	}
	if err := baseline.Validate(); err != nil {
		return nil, err
	}
	summary, err := c.uploader.StoreBaseline(ctx, baseline)
	if err != nil {
		return nil, fmt.Errorf("uploading baseline: %w", err)
	}
	c.logger.Info("baseline uploaded",
		"image_id", summary.ImageID,
		"entries", summary.EntryCount,
		"signed", summary.Signed)
	return summary, nil
}

// Collect walks the scan root and returns an unsigned baseline.
func (c *Collector) Collect(ctx context.Context) (*types.Baseline, error) {
	scanner, err := scan.New(c.cfg.Scan.Root, c.cfg.Scan.Exclusions, c.logger)
	if err != nil {
		return nil, err
	}

	entries, err := scanner.Walk(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", scanner.Root(), err)
	}

	baseline := &types.Baseline{
		ImageID:   c.cfg.ImageID,
		CreatedAt: c.now().UTC(),
		Entries:   entries,
	}
	if err := baseline.Validate(); err != nil {
		return nil, err
	}
	return baseline, nil
}

func (c *Collector) sign(ctx context.Context, baseline *types.Baseline) (string, error) {
	key, err := c.keys.GetOrCreateKey(ctx, c.cfg.Signing.KeyName)
	if err != nil {
		return "", fmt.Errorf("loading signing key: %w", err)
	}
	signer, err := key.Signer()
	if err != nil {
		return "", err
	}
	if err := signing.Sign(baseline, signer); err != nil {
		return "", err
	}
	c.logger.Info("baseline signed", "key", key.Name, "fingerprint", key.Fingerprint)
	return key.Fingerprint, nil
}

// PublicKey returns the signing public key in authorized_keys format,
// creating the key pair if needed. Agents are configured with this value.
func (c *Collector) PublicKey(ctx context.Context) (string, error) {
	if c.keys == nil {
		return "", fmt.Errorf("signing is not enabled")
	}
	key, err := c.keys.GetOrCreateKey(ctx, c.cfg.Signing.KeyName)
	if err != nil {
		return "", fmt.Errorf("loading signing key: %w", err)
	}
	return key.PublicKey, nil
}

// RotateKey replaces the signing key. Baselines signed afterwards only
// verify on agents that trust the new public key.
func (c *Collector) RotateKey(ctx context.Context) (string, error) {
	if c.keys == nil {
		return "", fmt.Errorf("signing is not enabled")
	}
	key, err := c.keys.RotateKey(ctx, c.cfg.Signing.KeyName)
	if err != nil {
		return "", fmt.Errorf("rotating signing key: %w", err)
	}
	return key.PublicKey, nil
}

// WriteBaseline writes a baseline as indented JSON. The file is replaced
// atomically.
func WriteBaseline(path string, baseline *types.Baseline) error {
	data, err := json.MarshalIndent(baseline, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling baseline: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".baseline-*.json")
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing output file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("setting output file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing output file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming output file: %w", err)
	}
	return nil
}

// ReadBaseline reads a baseline written by WriteBaseline.
func ReadBaseline(path string) (*types.Baseline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading baseline: %w", err)
	}
	var b types.Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing baseline: %w", err)
	}
	return &b, nil
}
