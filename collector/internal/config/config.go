// Package config handles collector configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (INTEGRITY_*, OP_CONNECT_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	image_id: web-2024.06.1
//
//	scan:
//	  root: /mnt/image
//	  exclusions: [/proc, /sys, /dev, /run, /tmp, /var/tmp, /var/log]
//
//	metadata:
//	  url: https://integrity.pilot.net
//	  token: col_xxx
//
//	signing:
//	  enabled: true
//	  backend: 1password
//	  op_host: https://op-connect.internal
//	  op_vault_id: 7x...
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/golden-integrity/collector/internal/secrets"
	"github.com/pilot-net/golden-integrity/pkg/scan"
)

// Config is the complete collector configuration.
type Config struct {
	ImageID  string         `yaml:"image_id"`
	Scan     ScanConfig     `yaml:"scan"`
	Metadata MetadataConfig `yaml:"metadata"`
	Signing  SigningConfig  `yaml:"signing"`

	// Output is an optional local file the baseline is written to.
	Output string `yaml:"output,omitempty"`

	// NoUpload skips the metadata service entirely. Requires Output.
	NoUpload bool `yaml:"no_upload,omitempty"`
}

// ScanConfig defines what is walked.
type ScanConfig struct {
	Root       string   `yaml:"root"`
	Exclusions []string `yaml:"exclusions"`
}

// MetadataConfig defines how to reach the metadata service.
type MetadataConfig struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"` // collector bearer token
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// SigningConfig defines baseline signing.
type SigningConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Backend     string `yaml:"backend"` // local, 1password, auto
	KeyName     string `yaml:"key_name"`
	LocalKeyDir string `yaml:"local_key_dir,omitempty"`
	OPHost      string `yaml:"op_host,omitempty"`
	OPToken     string `yaml:"op_token,omitempty"`
	OPVaultID   string `yaml:"op_vault_id,omitempty"`
}

// Secrets converts the signing section to a key store configuration.
func (s SigningConfig) Secrets() secrets.Config {
	return secrets.Config{
		Backend:     s.Backend,
		LocalKeyDir: s.LocalKeyDir,
		OnePassword: secrets.OnePasswordConfig{
			Host:    s.OPHost,
			Token:   s.OPToken,
			VaultID: s.OPVaultID,
		},
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Scan: ScanConfig{
			Root:       "/",
			Exclusions: append([]string(nil), scan.DefaultExclusions...),
		},
		Metadata: MetadataConfig{
			// Large images take a while to upload.
			RequestTimeout: 10 * time.Minute,
		},
		Signing: SigningConfig{
			Backend: "auto",
			KeyName: secrets.DefaultKeyName,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use INTEGRITY_ prefix:
// - INTEGRITY_IMAGE_ID
// - INTEGRITY_SCAN_ROOT
// - INTEGRITY_EXCLUSIONS (comma separated, replaces the list)
// - INTEGRITY_METADATA_URL
// - INTEGRITY_COLLECTOR_TOKEN
// - INTEGRITY_KEY_DIR
//
// 1Password Connect uses its own OP_CONNECT_HOST, OP_CONNECT_TOKEN and
// OP_VAULT_ID variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("INTEGRITY_IMAGE_ID"); v != "" {
		c.ImageID = v
	}
	if v := os.Getenv("INTEGRITY_SCAN_ROOT"); v != "" {
		c.Scan.Root = v
	}
	if v := os.Getenv("INTEGRITY_EXCLUSIONS"); v != "" {
		c.Scan.Exclusions = SplitList(v)
	}
	if v := os.Getenv("INTEGRITY_METADATA_URL"); v != "" {
		c.Metadata.URL = v
	}
	if v := os.Getenv("INTEGRITY_COLLECTOR_TOKEN"); v != "" {
		c.Metadata.Token = v
	}
	if v := os.Getenv("INTEGRITY_KEY_DIR"); v != "" {
		c.Signing.LocalKeyDir = v
	}
	if v := os.Getenv("OP_CONNECT_HOST"); v != "" {
		c.Signing.OPHost = v
	}
	if v := os.Getenv("OP_CONNECT_TOKEN"); v != "" {
		c.Signing.OPToken = v
	}
	if v := os.Getenv("OP_VAULT_ID"); v != "" {
		c.Signing.OPVaultID = v
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.ImageID == "" {
		return fmt.Errorf("image_id is required")
	}
	if c.Scan.Root == "" {
		return fmt.Errorf("scan.root is required")
	}
	if c.NoUpload {
		if c.Output == "" {
			return fmt.Errorf("output is required when upload is disabled")
		}
	} else {
		if c.Metadata.URL == "" {
			return fmt.Errorf("metadata.url is required")
		}
		u, err := url.Parse(c.Metadata.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("metadata.url %q is not an absolute URL", c.Metadata.URL)
		}
	}
	if c.Signing.Enabled {
		switch c.Signing.Backend {
		case "", "auto", "local", "1password":
		default:
			return fmt.Errorf("signing.backend must be one of local, 1password, auto")
		}
		if c.Signing.KeyName == "" {
			return fmt.Errorf("signing.key_name is required when signing is enabled")
		}
	}
	return nil
}

// SplitList splits a comma separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
