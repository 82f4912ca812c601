package config

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config is the complete metadata service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Cache     CacheConfig     `yaml:"cache"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Listen         string        `yaml:"listen"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Body limits in bytes
	MaxBodyBytes     int64 `yaml:"max_body_bytes"`
	MaxBaselineBytes int64 `yaml:"max_baseline_bytes"`
}

// StorageConfig defines the embedded store.
type StorageConfig struct {
	Path             string        `yaml:"path"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HeartbeatHistory int           `yaml:"heartbeat_history"`
}

// AuthConfig defines write authentication for collectors.
type AuthConfig struct {
	// CollectorTokenHash is a bcrypt hash of the collector bearer token.
	// Empty disables authentication of POST /baselines.
	CollectorTokenHash string `yaml:"collector_token_hash"`
}

// CacheConfig defines the optional Redis response cache.
type CacheConfig struct {
	RedisURL string        `yaml:"redis_url"` // empty disables caching
	TTL      time.Duration `yaml:"ttl"`
}

// RetentionConfig defines the retention worker.
type RetentionConfig struct {
	Interval    time.Duration `yaml:"interval"`
	StaleAfter  time.Duration `yaml:"stale_after"`
	AlertMaxAge time.Duration `yaml:"alert_max_age"` // 0 keeps alerts forever
	AgentMaxAge time.Duration `yaml:"agent_max_age"` // 0 keeps agents forever
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:           ":8443",
			ReadTimeout:      DefaultReadTimeout,
			WriteTimeout:     DefaultWriteTimeout,
			RequestTimeout:   DefaultRequestTimeout,
			MaxBodyBytes:     MaxRequestBodyBytes,
			MaxBaselineBytes: MaxBaselineBodyBytes,
		},
		Storage: StorageConfig{
			Path:             DefaultStoragePath,
			OpenTimeout:      DefaultOpenTimeout,
			HeartbeatHistory: DefaultHeartbeatHistory,
		},
		Cache: CacheConfig{
			TTL: CacheTTLAgents,
		},
		Retention: RetentionConfig{
			Interval:    DefaultRetentionInterval,
			StaleAfter:  DefaultStaleAfter,
			AlertMaxAge: DefaultAlertMaxAge,
			AgentMaxAge: DefaultAgentMaxAge,
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
// - INTEGRITY_LISTEN
// - INTEGRITY_STORAGE_PATH
// - INTEGRITY_COLLECTOR_TOKEN_HASH
// - INTEGRITY_REDIS_URL
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("INTEGRITY_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("INTEGRITY_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("INTEGRITY_COLLECTOR_TOKEN_HASH"); v != "" {
		c.Auth.CollectorTokenHash = v
	}
	if v := os.Getenv("INTEGRITY_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Server.MaxBodyBytes <= 0 || c.Server.MaxBaselineBytes <= 0 {
		return fmt.Errorf("server body limits must be positive")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}
	if c.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be positive")
	}
	if c.Retention.StaleAfter <= 0 {
		return fmt.Errorf("retention.stale_after must be positive")
	}
	if c.Retention.AgentMaxAge > 0 && c.Retention.AgentMaxAge < c.Retention.StaleAfter {
		return fmt.Errorf("retention.agent_max_age must not be shorter than retention.stale_after")
	}
	if c.Auth.CollectorTokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.Auth.CollectorTokenHash)); err != nil {
			return fmt.Errorf("auth.collector_token_hash is not a bcrypt hash: %w", err)
		}
	}
	return nil
}
