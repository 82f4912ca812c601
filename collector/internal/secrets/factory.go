package secrets

import (
	"fmt"
	"log/slog"
	"os"
)

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend specifies which backend to use: "1password", "local", or "auto".
	// "auto" (default) uses 1Password if configured, otherwise local.
	Backend string

	// 1Password Connect configuration
	OnePassword OnePasswordConfig

	// Local storage directory (default: ~/.golden-integrity/keys)
	LocalKeyDir string
}

// ApplyEnv fills unset fields from OP_CONNECT_HOST, OP_CONNECT_TOKEN,
// OP_VAULT_ID and INTEGRITY_KEY_DIR.
func (c *Config) ApplyEnv() {
	if c.OnePassword.Host == "" {
		c.OnePassword.Host = os.Getenv("OP_CONNECT_HOST")
	}
	if c.OnePassword.Token == "" {
		c.OnePassword.Token = os.Getenv("OP_CONNECT_TOKEN")
	}
	if c.OnePassword.VaultID == "" {
		c.OnePassword.VaultID = os.Getenv("OP_VAULT_ID")
	}
	if c.LocalKeyDir == "" {
		c.LocalKeyDir = os.Getenv("INTEGRITY_KEY_DIR")
	}
}

func (c *Config) onePasswordConfigured() bool {
	return c.OnePassword.Host != "" && c.OnePassword.Token != "" && c.OnePassword.VaultID != ""
}

// NewKeyStore creates a KeyStore based on configuration.
func NewKeyStore(cfg Config, logger *slog.Logger) (KeyStore, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		return NewOnePasswordKeyStore(cfg.OnePassword, logger)

	case "local":
		return NewLocalKeyStore(cfg.LocalKeyDir, logger)

	case "auto":
		if cfg.onePasswordConfigured() {
			ks, err := NewOnePasswordKeyStore(cfg.OnePassword, logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password, falling back to local storage",
					"error", err)
				return NewLocalKeyStore(cfg.LocalKeyDir, logger)
			}
			return ks, nil
		}
		logger.Info("1Password Connect not configured, using local key storage")
		return NewLocalKeyStore(cfg.LocalKeyDir, logger)

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}
