// Package worker provides background workers for the metadata service.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pilot-net/golden-integrity/metadata-service/internal/cache"
	"github.com/pilot-net/golden-integrity/metadata-service/internal/metrics"
	"github.com/pilot-net/golden-integrity/pkg/types"
)

// RetentionStore defines the storage interface for the retention worker.
type RetentionStore interface {
	// MarkStaleAgents sets agents whose last heartbeat is before cutoff to
	// unknown and returns their IDs.
	MarkStaleAgents(ctx context.Context, cutoff time.Time) ([]string, error)

	// PruneAlerts removes alerts older than cutoff.
	PruneAlerts(ctx context.Context, cutoff time.Time) (int, error)

	// DeleteSilentAgents removes agents (with their alerts and heartbeats)
	// whose last heartbeat is before cutoff.
	DeleteSilentAgents(ctx context.Context, cutoff time.Time) (int, error)

	// CountAgentsByStatus returns the number of agents per status.
	CountAgentsByStatus(ctx context.Context) (map[types.AgentStatus]int, error)
}

// Invalidator drops cached views after the worker changes agent records.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string)
}

// RetentionWorkerConfig holds configuration for the retention worker.
type RetentionWorkerConfig struct {
	// Interval between runs.
	Interval time.Duration

	// StaleAfter is how long an agent may go without a heartbeat before its
	// status becomes unknown.
	StaleAfter time.Duration

	// AlertMaxAge is how long alerts are kept. Zero keeps them forever.
	AlertMaxAge time.Duration

	// AgentMaxAge is how long a silent agent is kept. Zero keeps them forever.
	AgentMaxAge time.Duration
}

// DefaultRetentionWorkerConfig returns sensible defaults.
func DefaultRetentionWorkerConfig() RetentionWorkerConfig {
	return RetentionWorkerConfig{
		Interval:    time.Minute,
		StaleAfter:  3 * time.Minute,     // three missed 60s heartbeats
		AlertMaxAge: 30 * 24 * time.Hour, // 30 days
		AgentMaxAge: 14 * 24 * time.Hour, // 14 days
	}
}

// RetentionWorker marks stale agents and expires old records.
type RetentionWorker struct {
	store       RetentionStore
	invalidator Invalidator // may be nil
	config      RetentionWorkerConfig
	logger      *slog.Logger
	stopCh      chan struct{}
	now         func() time.Time
}

// NewRetentionWorker creates a new retention worker.
func NewRetentionWorker(store RetentionStore, invalidator Invalidator, config RetentionWorkerConfig, logger *slog.Logger) *RetentionWorker {
	return &RetentionWorker{
		store:       store,
		invalidator: invalidator,
		config:      config,
		logger:      logger.With("component", "retention_worker"),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// Start begins the retention worker in a goroutine.
func (w *RetentionWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *RetentionWorker) Stop() {
	close(w.stopCh)
}

func (w *RetentionWorker) run(ctx context.Context) {
	w.logger.Info("retention worker started",
		"interval", w.config.Interval,
		"stale_after", w.config.StaleAfter,
		"alert_max_age", w.config.AlertMaxAge,
		"agent_max_age", w.config.AgentMaxAge,
	)

	// Run immediately on start
	w.runOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retention worker stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("retention worker stopped")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce performs a single retention pass. Each step is independent; a
// failure is logged and the remaining steps still run.
func (w *RetentionWorker) runOnce(ctx context.Context) {
	now := w.now()
	changed := false

	stale, err := w.store.MarkStaleAgents(ctx, now.Add(-w.config.StaleAfter))
	if err != nil {
		w.logger.Error("failed to mark stale agents", "error", err)
	} else if len(stale) > 0 {
		changed = true
		metrics.RetentionRemovedTotal.WithLabelValues("stale_agent").Add(float64(len(stale)))
		for _, id := range stale {
			w.logger.Warn("agent heartbeat stale, status set to unknown",
				"agent_id", id,
				"stale_after", w.config.StaleAfter)
		}
	}

	if w.config.AlertMaxAge > 0 {
		n, err := w.store.PruneAlerts(ctx, now.Add(-w.config.AlertMaxAge))
		if err != nil {
			w.logger.Error("failed to prune alerts", "error", err)
		} else if n > 0 {
			metrics.RetentionRemovedTotal.WithLabelValues("alert").Add(float64(n))
			w.logger.Info("pruned expired alerts", "count", n)
		}
	}

	if w.config.AgentMaxAge > 0 {
		n, err := w.store.DeleteSilentAgents(ctx, now.Add(-w.config.AgentMaxAge))
		if err != nil {
			w.logger.Error("failed to delete silent agents", "error", err)
		} else if n > 0 {
			changed = true
			metrics.RetentionRemovedTotal.WithLabelValues("agent").Add(float64(n))
			w.logger.Info("deleted silent agents", "count", n)
		}
	}

	if changed && w.invalidator != nil {
		w.invalidator.Invalidate(ctx, cache.KeyAgents)
	}

	w.updateStatusGauge(ctx)
}

func (w *RetentionWorker) updateStatusGauge(ctx context.Context) {
	counts, err := w.store.CountAgentsByStatus(ctx)
	if err != nil {
		w.logger.Error("failed to count agents", "error", err)
		return
	}
	for _, status := range []types.AgentStatus{
		types.AgentStatusHealthy,
		types.AgentStatusWarning,
		types.AgentStatusCritical,
		types.AgentStatusUnknown,
	} {
		metrics.AgentsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
