// Package service contains the business logic for the metadata service.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pilot-net/golden-integrity/metadata-service/internal/metrics"
	"github.com/pilot-net/golden-integrity/metadata-service/internal/store"
	"github.com/pilot-net/golden-integrity/pkg/types"
)

// Service provides business logic operations.
type Service struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new service.
func NewService(store *store.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Store returns the underlying store (used by the health collector and workers).
func (s *Service) Store() *store.Store {
	return s.store
}

// =============================================================================
// BASELINE OPERATIONS
// =============================================================================

// StoreBaseline validates and stores a baseline, replacing any previous
// baseline for the same image. The returned summary is only produced once
// the write is durable.
func (s *Service) StoreBaseline(ctx context.Context, baseline *types.Baseline) (*types.BaselineSummary, error) {
	if err := baseline.Validate(); err != nil {
		return nil, err
	}
	baseline.SortEntries()
	if baseline.CreatedAt.IsZero() {
		baseline.CreatedAt = s.now().UTC()
	}

	previous, err := s.store.GetBaseline(ctx, baseline.ImageID)
	if err != nil {
		return nil, fmt.Errorf("checking existing baseline: %w", err)
	}

	if err := s.store.PutBaseline(ctx, baseline); err != nil {
		return nil, fmt.Errorf("storing baseline: %w", err)
	}
	metrics.BaselinesStoredTotal.Inc()

	if previous != nil {
		s.logger.Warn("baseline replaced",
			"image_id", baseline.ImageID,
			"previous_entries", len(previous.Entries),
			"entries", len(baseline.Entries),
			"signed", baseline.Signature != nil)
	} else {
		s.logger.Info("baseline stored",
			"image_id", baseline.ImageID,
			"entries", len(baseline.Entries),
			"signed", baseline.Signature != nil)
	}

	summary := baseline.Summary()
	return &summary, nil
}

// GetBaseline returns the baseline for an image, or nil if none exists.
func (s *Service) GetBaseline(ctx context.Context, imageID string) (*types.Baseline, error) {
	return s.store.GetBaseline(ctx, imageID)
}

// ListBaselines returns summaries of all stored baselines.
func (s *Service) ListBaselines(ctx context.Context) ([]types.BaselineSummary, error) {
	return s.store.ListBaselines(ctx)
}

// =============================================================================
// AGENT OPERATIONS
// =============================================================================

// ProcessHeartbeat records an agent heartbeat, creating the agent record on
// first contact.
func (s *Service) ProcessHeartbeat(ctx context.Context, heartbeat types.Heartbeat) (*types.HeartbeatResponse, error) {
	if err := heartbeat.Validate(); err != nil {
		return nil, err
	}
	received := s.now().UTC()
	if heartbeat.Timestamp.IsZero() {
		heartbeat.Timestamp = received
	}

	rec, err := s.store.RecordHeartbeat(ctx, heartbeat, applyHeartbeat(heartbeat, received))
	if err != nil {
		return nil, fmt.Errorf("recording heartbeat: %w", err)
	}
	metrics.HeartbeatsTotal.WithLabelValues(string(heartbeat.Status)).Inc()

	s.logger.Debug("heartbeat recorded",
		"agent_id", heartbeat.AgentID,
		"status", rec.Status,
		"state", heartbeat.State)

	return &types.HeartbeatResponse{
		Acknowledged: true,
		Status:       rec.Status,
	}, nil
}

// GetAgent returns an agent record, or nil if unknown.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*types.AgentRecord, error) {
	return s.store.GetAgent(ctx, agentID)
}

// ListAgents returns all agent records.
func (s *Service) ListAgents(ctx context.Context) ([]types.AgentRecord, error) {
	return s.store.ListAgents(ctx)
}

// ListHeartbeats returns the recent heartbeat series of an agent.
func (s *Service) ListHeartbeats(ctx context.Context, agentID string, limit int) ([]types.Heartbeat, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListHeartbeats(ctx, agentID, limit)
}
