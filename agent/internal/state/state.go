// Package state implements the agent's fail-closed state machine.
//
// # States
//
//	Initializing -> Syncing -> Monitoring <-> DegradedReporting
//	                  |            |                 |
//	                  +------------+-----------------+--> FailClosed
//
// FailClosed is terminal: nothing in this package leaves it. Only an
// operator restarting the agent does.
//
// # Concurrency
//
// A Machine has a single writer, the agent's monitoring loop. Readers on
// other goroutines (heartbeats, metrics) use Snapshot, which returns the
// last published state without locking.
package state

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

// Policy configures the anomaly threshold.
type Policy struct {
	// Threshold is the number of consecutive anomalies that fails closed.
	Threshold int
	// QuietInterval resets the counter when no anomaly is seen for this long.
	QuietInterval time.Duration
}

// DefaultPolicy returns the default fail-closed policy.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:     5,
		QuietInterval: 5 * time.Minute,
	}
}

// Snapshot is an immutable view of the machine.
type Snapshot struct {
	State                types.AgentState
	ConsecutiveAnomalies int
	LastAnomalyAt        time.Time
	FailClosedAt         time.Time
	Reason               string
}

// Status maps the state to the status reported in heartbeats.
func (s Snapshot) Status() types.AgentStatus {
	switch s.State {
	case types.StateFailClosed:
		return types.AgentStatusCritical
	case types.StateMonitoring, types.StateDegradedReporting:
		if s.ConsecutiveAnomalies > 0 {
			return types.AgentStatusWarning
		}
		return types.AgentStatusHealthy
	}
	return types.AgentStatusUnknown
}

// Machine tracks the agent state and the consecutive-anomaly counter.
type Machine struct {
	policy Policy
	logger *slog.Logger

	state       types.AgentState
	count       int
	lastAnomaly time.Time
	failedAt    time.Time
	reason      string

	published atomic.Pointer[Snapshot]
}

// New creates a machine in the Initializing state.
func New(policy Policy, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Threshold < 1 {
		policy.Threshold = 1
	}
	m := &Machine{
		policy: policy,
		logger: logger.With("component", "state"),
		state:  types.StateInitializing,
	}
	m.publish()
	return m
}

// Policy returns the machine's policy.
func (m *Machine) Policy() Policy {
	return m.policy
}

// Snapshot returns the last published state. Safe for concurrent use.
func (m *Machine) Snapshot() Snapshot {
	return *m.published.Load()
}

// State returns the current state.
func (m *Machine) State() types.AgentState {
	return m.state
}

// BeginSync moves Initializing to Syncing.
func (m *Machine) BeginSync() error {
	if m.state != types.StateInitializing {
		return fmt.Errorf("cannot sync from state %s", m.state)
	}
	m.transition(types.StateSyncing, "fetching baseline")
	return nil
}

// StartMonitoring moves Syncing to Monitoring.
func (m *Machine) StartMonitoring() error {
	if m.state != types.StateSyncing {
		return fmt.Errorf("cannot start monitoring from state %s", m.state)
	}
	m.transition(types.StateMonitoring, "baseline loaded")
	return nil
}

// SetReporting records whether alerts and heartbeats are being delivered.
// It moves Monitoring and DegradedReporting into each other and has no
// effect in any other state.
func (m *Machine) SetReporting(ok bool) {
	switch {
	case ok && m.state == types.StateDegradedReporting:
		m.transition(types.StateMonitoring, "reporting restored")
	case !ok && m.state == types.StateMonitoring:
		m.transition(types.StateDegradedReporting, "metadata service unreachable")
	}
}

// RecordAnomaly counts one anomaly observed at now. It returns true when
// this anomaly crossed the threshold and the machine entered FailClosed.
// That happens at most once per Machine.
func (m *Machine) RecordAnomaly(now time.Time) bool {
	switch m.state {
	case types.StateSyncing, types.StateMonitoring, types.StateDegradedReporting:
	default:
		return false
	}

	m.count++
	m.lastAnomaly = now
	m.logger.Warn("consecutive anomaly recorded",
		"count", m.count,
		"threshold", m.policy.Threshold)

	if m.count >= m.policy.Threshold {
		m.failClosed(now, fmt.Sprintf("%d consecutive anomalies reached threshold %d", m.count, m.policy.Threshold))
		return true
	}
	m.publish()
	return false
}

// Tick resets the counter once QuietInterval has passed since the last
// anomaly. Returns true when a reset happened.
func (m *Machine) Tick(now time.Time) bool {
	if m.state == types.StateFailClosed || m.count == 0 {
		return false
	}
	if now.Sub(m.lastAnomaly) < m.policy.QuietInterval {
		return false
	}
	m.logger.Info("quiet interval elapsed, resetting anomaly counter",
		"previous_count", m.count,
		"quiet_interval", m.policy.QuietInterval)
	m.count = 0
	m.publish()
	return true
}

// FailClosed enters FailClosed for a reason other than the anomaly
// threshold, such as a missing trust anchor. Returns false when the machine
// had already failed closed.
func (m *Machine) FailClosed(now time.Time, reason string) bool {
	if m.state == types.StateFailClosed {
		return false
	}
	m.failClosed(now, reason)
	return true
}

func (m *Machine) failClosed(now time.Time, reason string) {
	m.failedAt = now
	m.reason = reason
	m.transition(types.StateFailClosed, reason)
}

func (m *Machine) transition(to types.AgentState, reason string) {
	from := m.state
	m.state = to
	m.publish()

	if to == types.StateFailClosed {
		m.logger.Error("state transition", "from", from, "to", to, "reason", reason)
		return
	}
	m.logger.Info("state transition", "from", from, "to", to, "reason", reason)
}

func (m *Machine) publish() {
	m.published.Store(&Snapshot{
		State:                m.state,
		ConsecutiveAnomalies: m.count,
		LastAnomalyAt:        m.lastAnomaly,
		FailClosedAt:         m.failedAt,
		Reason:               m.reason,
	})
}
