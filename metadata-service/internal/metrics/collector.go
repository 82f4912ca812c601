// Package metrics provides Prometheus instruments and infrastructure health
// collection for the metadata service.
package metrics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

// StorageStatsProvider reports embedded store statistics.
type StorageStatsProvider interface {
	Stats(ctx context.Context) (*types.StorageHealth, error)
}

// CachePinger checks the optional response cache.
type CachePinger interface {
	Ping(ctx context.Context) error
}

// Collector gathers infrastructure metrics with caching.
type Collector struct {
	storage StorageStatsProvider
	cache   CachePinger // nil when the cache is disabled

	startTime time.Time

	mu            sync.RWMutex
	cachedHealth  *types.InfrastructureHealth
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a new metrics collector.
func NewCollector(storage StorageStatsProvider, cache CachePinger) *Collector {
	return &Collector{
		storage:       storage,
		cache:         cache,
		startTime:     time.Now(),
		cacheDuration: 30 * time.Second,
	}
}

// GetInfrastructureHealth returns the current infrastructure health metrics.
// Results are cached for 30 seconds.
func (c *Collector) GetInfrastructureHealth(ctx context.Context) (*types.InfrastructureHealth, error) {
	c.mu.RLock()
	if c.cachedHealth != nil && time.Now().Before(c.cacheExpiry) {
		health := *c.cachedHealth
		c.mu.RUnlock()
		return &health, nil
	}
	c.mu.RUnlock()

	health, err := c.collectHealth(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cachedHealth = health
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	return health, nil
}

func (c *Collector) collectHealth(ctx context.Context) (*types.InfrastructureHealth, error) {
	health := &types.InfrastructureHealth{
		Timestamp: time.Now().UTC(),
		Service:   c.collectServiceHealth(),
	}

	storage, err := c.storage.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("collecting storage stats: %w", err)
	}
	storage.SizeFormatted = formatBytes(storage.SizeBytes)
	health.Storage = *storage

	if c.cache != nil {
		health.Cache.Enabled = true
		health.Cache.Connected = c.cache.Ping(ctx) == nil
	}

	return health, nil
}

func (c *Collector) collectServiceHealth() types.ServiceHealth {
	health := types.ServiceHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}

	return health
}

// formatBytes converts bytes to a human-readable string.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
