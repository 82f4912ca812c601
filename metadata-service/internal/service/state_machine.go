package service

import (
	"time"

	"github.com/pilot-net/golden-integrity/metadata-service/internal/store"
	"github.com/pilot-net/golden-integrity/pkg/types"
)

// Agent status transitions.
//
// Heartbeats carry the agent's own view of its health and replace the
// stored status. Alerts can only raise it:
//
//	critical alert -> critical
//	warning alert  -> at least warning
//	info alert     -> unchanged
//
// Both run inside the store transaction that writes the heartbeat or alert.

// applyHeartbeat returns the mutator for a heartbeat received at the given time.
func applyHeartbeat(hb types.Heartbeat, received time.Time) store.AgentMutator {
	return func(rec *types.AgentRecord, created bool) {
		if hb.Hostname != "" {
			rec.Hostname = hb.Hostname
		}
		if hb.IPAddress != "" {
			rec.IPAddress = hb.IPAddress
		}
		if hb.ImageID != "" {
			rec.ImageID = hb.ImageID
		}
		rec.Status = hb.Status
		rec.State = hb.State
		rec.ConsecutiveAnomalies = hb.ConsecutiveAnomalies
		rec.LastHeartbeatAt = received
	}
}

// applyAlert returns the mutator for a newly appended alert.
func applyAlert(alert types.Alert) store.AgentMutator {
	return func(rec *types.AgentRecord, created bool) {
		rec.AlertCount++
		rec.Status = rec.Status.Raise(alert.Severity.Status())
	}
}
