// Package testutil provides testing utilities and fixtures for the metadata service.
//
// This package contains:
//   - Test helper functions (loggers, stores)
//   - Fixture factories for domain types (baselines, heartbeats, alerts, agent records)
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	b := testutil.FixtureBaseline(3)
//	b := testutil.FixtureBaseline(3, func(b *types.Baseline) {
//		b.ImageID = "img-custom"
//	})
package testutil

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/golden-integrity/metadata-service/internal/store"
	"github.com/pilot-net/golden-integrity/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewVerboseTestLogger returns a debug logger that writes to stderr.
// Use for debugging test failures.
func NewVerboseTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// NewTestStore opens a store in a temporary directory that is closed when
// the test ends.
func NewTestStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "metadata.db"), store.DefaultOptions())
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// =============================================================================
// BASELINE FIXTURES
// =============================================================================

// FixtureHash returns the hex SHA-512 of seed.
func FixtureHash(seed string) string {
	sum := sha512.Sum512([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// FixtureEntry creates a regular-file entry for path with a hash derived from
// the path.
func FixtureEntry(path string, overrides ...func(*types.FileIntegrityEntry)) types.FileIntegrityEntry {
	entry := types.FileIntegrityEntry{
		Path:        path,
		ContentHash: FixtureHash(path),
		Mode:        0o644,
		UID:         0,
		GID:         0,
	}

	for _, override := range overrides {
		override(&entry)
	}

	return entry
}

// FixtureBaseline creates a baseline with n entries under /usr/bin.
func FixtureBaseline(n int, overrides ...func(*types.Baseline)) *types.Baseline {
	b := &types.Baseline{
		ImageID:   "img-" + uuid.New().String()[:8],
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	for i := 0; i < n; i++ {
		b.Entries = append(b.Entries, FixtureEntry(fmt.Sprintf("/usr/bin/tool%03d", i), func(e *types.FileIntegrityEntry) {
			e.Mode = 0o755
		}))
	}

	for _, override := range overrides {
		override(b)
	}

	return b
}

// =============================================================================
// AGENT FIXTURES
// =============================================================================

// FixtureHeartbeat creates a healthy heartbeat for agentID.
func FixtureHeartbeat(agentID string, overrides ...func(*types.Heartbeat)) types.Heartbeat {
	hb := types.Heartbeat{
		AgentID:   agentID,
		Status:    types.AgentStatusHealthy,
		Timestamp: time.Now().UTC(),
		Hostname:  "host-" + agentID,
		IPAddress: "10.0.0.1",
		ImageID:   "img-test",
		State:     types.StateMonitoring,
		Version:   "1.0.0",
	}

	for _, override := range overrides {
		override(&hb)
	}

	return hb
}

// FixtureAgentRecord creates a healthy agent record.
func FixtureAgentRecord(overrides ...func(*types.AgentRecord)) *types.AgentRecord {
	rec := &types.AgentRecord{
		AgentID:         "agent-" + uuid.New().String()[:8],
		Hostname:        "test-host",
		IPAddress:       "10.0.0.1",
		ImageID:         "img-test",
		Status:          types.AgentStatusHealthy,
		State:           types.StateMonitoring,
		LastHeartbeatAt: time.Now().UTC(),
		CreatedAt:       time.Now().UTC(),
	}

	for _, override := range overrides {
		override(rec)
	}

	return rec
}

// =============================================================================
// ALERT FIXTURES
// =============================================================================

// FixtureAlert creates an informational alert for agentID.
func FixtureAlert(agentID string, overrides ...func(*types.Alert)) types.Alert {
	alert := types.Alert{
		AgentID:   agentID,
		Severity:  types.SeverityInfo,
		Message:   "agent started",
		Timestamp: time.Now().UTC(),
	}

	for _, override := range overrides {
		override(&alert)
	}

	return alert
}

// FixtureAnomalyAlert creates a warning alert for an anomaly at path.
func FixtureAnomalyAlert(agentID string, kind types.AnomalyKind, path string, overrides ...func(*types.Alert)) types.Alert {
	return FixtureAlert(agentID, append([]func(*types.Alert){
		func(a *types.Alert) {
			a.Severity = types.SeverityWarning
			a.AnomalyKind = kind
			a.Path = path
			a.Message = fmt.Sprintf("%s: %s", kind, path)
		},
	}, overrides...)...)
}

// =============================================================================
// HELPERS
// =============================================================================

// TimeAgo returns a time in the past.
func TimeAgo(d time.Duration) time.Time {
	return time.Now().Add(-d)
}
