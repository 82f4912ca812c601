package types

import (
	"strings"
	"time"
)

// =============================================================================
// AGENT STATUS
// =============================================================================

// AgentStatus is the health an agent reports to the metadata service.
type AgentStatus string

const (
	// AgentStatusHealthy - monitoring with no recent anomalies
	AgentStatusHealthy AgentStatus = "healthy"
	// AgentStatusWarning - anomalies observed, below the fail-closed threshold
	AgentStatusWarning AgentStatus = "warning"
	// AgentStatusCritical - agent has failed closed
	AgentStatusCritical AgentStatus = "critical"
	// AgentStatusUnknown - still syncing, or heartbeats have gone stale
	AgentStatusUnknown AgentStatus = "unknown"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusHealthy, AgentStatusWarning, AgentStatusCritical, AgentStatusUnknown:
		return true
	}
	return false
}

// rank orders statuses by severity so alerts only ever raise a status.
func (s AgentStatus) rank() int {
	switch s {
	case AgentStatusHealthy:
		return 1
	case AgentStatusWarning:
		return 2
	case AgentStatusCritical:
		return 3
	}
	return 0
}

// Raise returns the more severe of s and other.
func (s AgentStatus) Raise(other AgentStatus) AgentStatus {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// AgentState is the agent's internal lifecycle state, reported for diagnostics.
type AgentState string

const (
	StateInitializing      AgentState = "initializing"
	StateSyncing           AgentState = "syncing"
	StateMonitoring        AgentState = "monitoring"
	StateDegradedReporting AgentState = "degraded_reporting"
	StateFailClosed        AgentState = "fail_closed"
)

// =============================================================================
// AGENT RECORD
// =============================================================================

// AgentRecord is the metadata service's view of one agent. It is created on
// the first heartbeat and updated by heartbeats and alerts.
type AgentRecord struct {
	AgentID              string      `json:"agent_id"`
	Hostname             string      `json:"hostname"`
	IPAddress            string      `json:"ip_address"`
	ImageID              string      `json:"image_id"`
	Status               AgentStatus `json:"status"`
	State                AgentState  `json:"state,omitempty"`
	ConsecutiveAnomalies int         `json:"consecutive_anomalies"`
	LastHeartbeatAt      time.Time   `json:"last_heartbeat_at"`
	AlertCount           int64       `json:"alert_count"`
	CreatedAt            time.Time   `json:"created_at"`
}

// =============================================================================
// HEARTBEAT
// =============================================================================

// Heartbeat is the periodic liveness report sent by an agent.
type Heartbeat struct {
	AgentID              string      `json:"agent_id"`
	Status               AgentStatus `json:"status"`
	Timestamp            time.Time   `json:"timestamp"`
	Hostname             string      `json:"hostname,omitempty"`
	IPAddress            string      `json:"ip_address,omitempty"`
	ImageID              string      `json:"image_id,omitempty"`
	State                AgentState  `json:"state,omitempty"`
	ConsecutiveAnomalies int         `json:"consecutive_anomalies"`
	Version              string      `json:"version,omitempty"`
	MemoryMB             float64     `json:"memory_mb,omitempty"`
	SpooledAlerts        int         `json:"spooled_alerts"`
}

// Validate checks required heartbeat fields.
func (h *Heartbeat) Validate() error {
	if strings.TrimSpace(h.AgentID) == "" {
		return invalid("agent_id is required")
	}
	if !h.Status.Valid() {
		return invalid("unknown status: %q", h.Status)
	}
	return nil
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Acknowledged bool        `json:"acknowledged"`
	Status       AgentStatus `json:"status"`
}
