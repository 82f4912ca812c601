// Package config provides configuration loading and constants for the
// metadata service.
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (INTEGRITY_*)
// 3. Config file (YAML)
// 4. Defaults
//
// Example config file:
//
//	server:
//	  listen: :8443
//	  request_timeout: 2m
//
//	storage:
//	  path: /var/lib/golden-integrity/metadata.db
//	  heartbeat_history: 100
//
//	auth:
//	  collector_token_hash: $2a$10$...
//
//	cache:
//	  redis_url: redis://localhost:6379/0
//
//	retention:
//	  interval: 1m
//	  stale_after: 3m
//	  alert_max_age: 720h
//	  agent_max_age: 336h
package config

import "time"

// Request size limits.
const (
	// MaxBaselineBodyBytes bounds POST /baselines. A baseline of a full
	// image is large: one entry per regular file.
	MaxBaselineBodyBytes = 512 << 20

	// MaxRequestBodyBytes bounds every other request body.
	MaxRequestBodyBytes = 1 << 20
)

// HTTP server timeouts.
const (
	DefaultReadTimeout    = 5 * time.Minute
	DefaultWriteTimeout   = 5 * time.Minute
	DefaultIdleTimeout    = 120 * time.Second
	DefaultRequestTimeout = 2 * time.Minute

	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout = 15 * time.Second
)

// Storage defaults.
const (
	DefaultStoragePath      = "/var/lib/golden-integrity/metadata.db"
	DefaultOpenTimeout      = 5 * time.Second
	DefaultHeartbeatHistory = 100
)

// Cache TTLs for API response caching.
const (
	// CacheTTLAgents is the TTL for the agent list.
	CacheTTLAgents = 10 * time.Second

	// CacheTTLInfraHealth is the TTL for infrastructure health data.
	CacheTTLInfraHealth = 60 * time.Second

	// RedisConnectionTimeout is the timeout for Redis connectivity checks.
	RedisConnectionTimeout = 5 * time.Second
)

// Retention defaults. An agent is stale after missing several heartbeats.
const (
	DefaultRetentionInterval = time.Minute
	DefaultStaleAfter        = 3 * time.Minute
	DefaultAlertMaxAge       = 30 * 24 * time.Hour
	DefaultAgentMaxAge       = 14 * 24 * time.Hour
)

// Pagination defaults for list endpoints.
const (
	DefaultHeartbeatLimit = 50
	MaxHeartbeatLimit     = 1000
)
