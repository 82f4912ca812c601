package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pilot-net/golden-integrity/metadata-service/internal/metrics"
	"github.com/pilot-net/golden-integrity/pkg/types"
)

// =============================================================================
// ALERT OPERATIONS
// =============================================================================

// RecordAlert appends an alert, increments the agent's alert count and
// raises its status according to the alert severity.
func (s *Service) RecordAlert(ctx context.Context, alert types.Alert) (*types.Alert, error) {
	if err := alert.Validate(); err != nil {
		return nil, err
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = s.now().UTC()
	}

	rec, recorded, err := s.store.RecordAlert(ctx, alert, applyAlert(alert))
	if err != nil {
		return nil, fmt.Errorf("recording alert: %w", err)
	}
	if !recorded {
		s.logger.Debug("duplicate alert ignored", "agent_id", alert.AgentID, "alert_id", alert.ID)
		return &alert, nil
	}
	metrics.AlertsTotal.WithLabelValues(string(alert.Severity), string(alert.AnomalyKind)).Inc()

	s.logger.Warn("alert recorded",
		"agent_id", alert.AgentID,
		"severity", alert.Severity,
		"anomaly_kind", alert.AnomalyKind,
		"path", alert.Path,
		"agent_status", rec.Status,
		"alert_count", rec.AlertCount)

	return &alert, nil
}

// ListAlerts returns a page of alerts, newest first.
func (s *Service) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	if err := filter.Normalize(); err != nil {
		return nil, err
	}
	return s.store.ListAlerts(ctx, filter)
}
