// Package config handles agent configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (INTEGRITY_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	metadata:
//	  url: https://integrity.pilot.net
//
//	agent:
//	  id: web-01
//	  image_id: web-2024.06.1
//
//	scan:
//	  root: /
//	  watch_paths: [/usr, /etc, /opt]
//
//	policy:
//	  threshold: 5
//	  quiet_interval: 5m
//	  startup_grace: 2m
//	  actions: [log, marker, deny]
//
//	trust:
//	  public_key: /etc/golden-integrity/baseline.pub
package config

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/golden-integrity/pkg/scan"
)

// Config is the complete agent configuration.
type Config struct {
	Metadata MetadataConfig `yaml:"metadata"`
	Agent    AgentConfig    `yaml:"agent"`
	Scan     ScanConfig     `yaml:"scan"`
	Policy   PolicyConfig   `yaml:"policy"`
	Health   HealthConfig   `yaml:"health"`
	Workers  WorkersConfig  `yaml:"workers"`
	Trust    TrustConfig    `yaml:"trust"`
	Spool    SpoolConfig    `yaml:"spool"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// MetadataConfig defines how to connect to the metadata service.
type MetadataConfig struct {
	URL string `yaml:"url"` // e.g., https://integrity.pilot.net

	// TLS settings
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	CACertFile         string `yaml:"ca_cert_file,omitempty"`

	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// AgentConfig defines agent identity.
type AgentConfig struct {
	ID      string `yaml:"id"`       // defaults to the hostname
	ImageID string `yaml:"image_id"` // baseline to enforce
}

// ScanConfig defines the monitored scope.
type ScanConfig struct {
	Root       string   `yaml:"root"`
	WatchPaths []string `yaml:"watch_paths"` // canonical, under root
	Exclusions []string `yaml:"exclusions"`
}

// PolicyConfig defines the fail-closed policy.
type PolicyConfig struct {
	Threshold     int           `yaml:"threshold"`
	QuietInterval time.Duration `yaml:"quiet_interval"`

	// StartupGrace is how long to keep retrying the baseline fetch before
	// failing closed. Zero fails closed on the first failure.
	StartupGrace time.Duration `yaml:"startup_grace"`

	Actions      []string `yaml:"actions"`
	MarkerPath   string   `yaml:"marker_path,omitempty"`
	SystemdUnits []string `yaml:"systemd_units,omitempty"`

	// DenyOnViolation denies a permission event whose own path is anomalous,
	// before the threshold is reached.
	DenyOnViolation bool `yaml:"deny_on_violation"`
}

// HealthConfig defines health reporting.
type HealthConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// WorkersConfig defines the verification pool.
type WorkersConfig struct {
	Count             int           `yaml:"count"`
	QueueSize         int           `yaml:"queue_size"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	PermissionTimeout time.Duration `yaml:"permission_timeout"`
	OverflowDecision  string        `yaml:"overflow_decision"` // allow or deny
	RescanInterval    time.Duration `yaml:"rescan_interval"`   // 0 disables
}

// TrustConfig defines baseline signature verification.
type TrustConfig struct {
	// PublicKey is an authorized_keys formatted file. When set, unsigned or
	// badly signed baselines are rejected.
	PublicKey string `yaml:"public_key,omitempty"`
}

// SpoolConfig defines the undelivered alert spool.
type SpoolConfig struct {
	Path   string        `yaml:"path"` // empty disables spooling
	MaxAge time.Duration `yaml:"max_age"`
}

// MetricsConfig defines the Prometheus listener.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"` // empty disables
}

// Action names accepted in policy.actions.
const (
	ActionLog         = "log"
	ActionMarker      = "marker"
	ActionDeny        = "deny"
	ActionSystemdStop = "systemd-stop"
	ActionExit        = "exit"
)

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Metadata: MetadataConfig{
			RequestTimeout: 30 * time.Second,
		},
		Scan: ScanConfig{
			Root:       "/",
			WatchPaths: []string{"/"},
			Exclusions: append([]string(nil), scan.DefaultExclusions...),
		},
		Policy: PolicyConfig{
			Threshold:       5,
			QuietInterval:   5 * time.Minute,
			Actions:         []string{ActionLog, ActionDeny},
			MarkerPath:      "/run/golden-integrity/quarantine",
			DenyOnViolation: true,
		},
		Health: HealthConfig{
			HeartbeatInterval: 30 * time.Second,
		},
		Workers: WorkersConfig{
			Count:             4,
			QueueSize:         1024,
			DrainTimeout:      10 * time.Second,
			PermissionTimeout: 5 * time.Second,
			OverflowDecision:  "allow",
			RescanInterval:    time.Hour,
		},
		Spool: SpoolConfig{
			Path:   "/var/lib/golden-integrity/agent-spool.db",
			MaxAge: 24 * time.Hour,
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
// - INTEGRITY_METADATA_URL
// - INTEGRITY_AGENT_ID
// - INTEGRITY_IMAGE_ID
// - INTEGRITY_SCAN_ROOT
// - INTEGRITY_WATCH_PATHS (comma separated)
// - INTEGRITY_THRESHOLD
// - INTEGRITY_PUBLIC_KEY
// - INTEGRITY_SPOOL_PATH
// - INTEGRITY_METRICS_LISTEN
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("INTEGRITY_METADATA_URL"); v != "" {
		c.Metadata.URL = v
	}
	if v := os.Getenv("INTEGRITY_AGENT_ID"); v != "" {
		c.Agent.ID = v
	}
	if v := os.Getenv("INTEGRITY_IMAGE_ID"); v != "" {
		c.Agent.ImageID = v
	}
	if v := os.Getenv("INTEGRITY_SCAN_ROOT"); v != "" {
		c.Scan.Root = v
	}
	if v := os.Getenv("INTEGRITY_WATCH_PATHS"); v != "" {
		c.Scan.WatchPaths = SplitList(v)
	}
	if v := os.Getenv("INTEGRITY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Policy.Threshold = n
		}
	}
	if v := os.Getenv("INTEGRITY_PUBLIC_KEY"); v != "" {
		c.Trust.PublicKey = v
	}
	if v := os.Getenv("INTEGRITY_SPOOL_PATH"); v != "" {
		c.Spool.Path = v
	}
	if v := os.Getenv("INTEGRITY_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.Metadata.URL == "" {
		return fmt.Errorf("metadata.url is required")
	}
	if u, err := url.Parse(c.Metadata.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("metadata.url %q is not an absolute URL", c.Metadata.URL)
	}
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if c.Agent.ImageID == "" {
		return fmt.Errorf("agent.image_id is required")
	}
	if c.Scan.Root == "" {
		return fmt.Errorf("scan.root is required")
	}
	if len(c.Scan.WatchPaths) == 0 {
		return fmt.Errorf("scan.watch_paths must not be empty")
	}
	for _, p := range c.Scan.WatchPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("scan.watch_paths: %q is not absolute", p)
		}
	}
	if c.Policy.Threshold < 1 {
		return fmt.Errorf("policy.threshold must be at least 1")
	}
	if c.Policy.QuietInterval <= 0 {
		return fmt.Errorf("policy.quiet_interval must be positive")
	}
	if c.Policy.StartupGrace < 0 {
		return fmt.Errorf("policy.startup_grace must not be negative")
	}
	for _, a := range c.Policy.Actions {
		switch a {
		case ActionLog, ActionMarker, ActionDeny, ActionSystemdStop, ActionExit:
		default:
			return fmt.Errorf("policy.actions: unknown action %q", a)
		}
		if a == ActionMarker && c.Policy.MarkerPath == "" {
			return fmt.Errorf("policy.marker_path is required for the marker action")
		}
		if a == ActionSystemdStop && len(c.Policy.SystemdUnits) == 0 {
			return fmt.Errorf("policy.systemd_units is required for the systemd-stop action")
		}
	}
	if c.Health.HeartbeatInterval <= 0 {
		return fmt.Errorf("health.heartbeat_interval must be positive")
	}
	if c.Workers.Count < 1 || c.Workers.QueueSize < 1 {
		return fmt.Errorf("workers.count and workers.queue_size must be at least 1")
	}
	if c.Workers.PermissionTimeout <= 0 {
		return fmt.Errorf("workers.permission_timeout must be positive")
	}
	if c.Workers.OverflowDecision != "allow" && c.Workers.OverflowDecision != "deny" {
		return fmt.Errorf("workers.overflow_decision must be allow or deny")
	}
	if c.Workers.RescanInterval < 0 {
		return fmt.Errorf("workers.rescan_interval must not be negative")
	}
	return nil
}

// CanonicalWatchPaths returns the cleaned watch paths with nested entries
// removed.
func (c *Config) CanonicalWatchPaths() []string {
	cleaned := make([]string, 0, len(c.Scan.WatchPaths))
	for _, p := range c.Scan.WatchPaths {
		cleaned = append(cleaned, path.Clean(p))
	}
	sort.Strings(cleaned)

	var out []string
next:
	for _, p := range cleaned {
		for _, kept := range out {
			if under(kept, p) {
				continue next
			}
		}
		out = append(out, p)
	}
	return out
}

func under(prefix, p string) bool {
	return prefix == "/" || p == prefix || strings.HasPrefix(p, prefix+"/")
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
