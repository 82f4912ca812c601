package types

import (
	"strings"
	"time"
)

// =============================================================================
// ALERT
// =============================================================================

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Status returns the agent status an alert of this severity raises the agent
// to. Info alerts leave the status unchanged.
func (s Severity) Status() AgentStatus {
	switch s {
	case SeverityCritical:
		return AgentStatusCritical
	case SeverityWarning:
		return AgentStatusWarning
	}
	return AgentStatusUnknown
}

// AnomalyKind classifies a divergence between a baseline and disk.
type AnomalyKind string

const (
	// AnomalyAdded - present on disk, absent from the baseline
	AnomalyAdded AnomalyKind = "added"
	// AnomalyDeleted - present in the baseline, absent on disk
	AnomalyDeleted AnomalyKind = "deleted"
	// AnomalyModified - content hash differs
	AnomalyModified AnomalyKind = "modified"
	// AnomalyMetadataChanged - same content, mode/uid/gid differ
	AnomalyMetadataChanged AnomalyKind = "metadata_changed"
)

// Valid reports whether k is a known kind. The empty kind is valid and marks
// alerts that are not tied to a file, such as a fail-closed notice.
func (k AnomalyKind) Valid() bool {
	switch k {
	case "", AnomalyAdded, AnomalyDeleted, AnomalyModified, AnomalyMetadataChanged:
		return true
	}
	return false
}

// Alert is an append-only record of something an agent observed.
type Alert struct {
	ID          string      `json:"id"`
	AgentID     string      `json:"agent_id"`
	Severity    Severity    `json:"severity"`
	Message     string      `json:"message"`
	AnomalyKind AnomalyKind `json:"anomaly_kind,omitempty"`
	Path        string      `json:"path,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Validate checks required alert fields.
func (a *Alert) Validate() error {
	if strings.TrimSpace(a.AgentID) == "" {
		return invalid("agent_id is required")
	}
	if !a.Severity.Valid() {
		return invalid("unknown severity: %q", a.Severity)
	}
	if !a.AnomalyKind.Valid() {
		return invalid("unknown anomaly_kind: %q", a.AnomalyKind)
	}
	if a.AnomalyKind != "" && a.Path == "" {
		return invalid("path is required for anomaly alerts")
	}
	return nil
}

// AlertFilter selects a page of alerts, newest first.
type AlertFilter struct {
	AgentID string
	Limit   int
	Offset  int
}

// DefaultAlertLimit and MaxAlertLimit bound alert pages.
const (
	DefaultAlertLimit = 100
	MaxAlertLimit     = 1000
)

// Normalize applies paging defaults and bounds.
func (f *AlertFilter) Normalize() error {
	if f.Limit < 0 || f.Offset < 0 {
		return invalid("limit and offset must be non-negative")
	}
	if f.Limit == 0 {
		f.Limit = DefaultAlertLimit
	}
	if f.Limit > MaxAlertLimit {
		f.Limit = MaxAlertLimit
	}
	return nil
}
