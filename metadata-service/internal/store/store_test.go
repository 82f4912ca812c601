package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "metadata.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testBaseline(imageID string, n int) *types.Baseline {
	b := &types.Baseline{ImageID: imageID, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	for i := 0; i < n; i++ {
		b.Entries = append(b.Entries, types.FileIntegrityEntry{
			Path:        fmt.Sprintf("/usr/bin/tool%03d", i),
			ContentHash: strings.Repeat("a", 128),
			Mode:        0o755,
		})
	}
	return b
}

func TestStore_BaselineRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, DefaultOptions())

	want := testBaseline("img-1", 3)
	require.NoError(t, s.PutBaseline(ctx, want))

	got, err := s.GetBaseline(ctx, "img-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ImageID, got.ImageID)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, want.Entries, got.Entries)
}

func TestStore_BaselineLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, DefaultOptions())

	require.NoError(t, s.PutBaseline(ctx, testBaseline("img-1", 2)))
	require.NoError(t, s.PutBaseline(ctx, testBaseline("img-1", 5)))

	got, err := s.GetBaseline(ctx, "img-1")
	require.NoError(t, err)
	assert.Len(t, got.Entries, 5)

	summaries, err := s.ListBaselines(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 5, summaries[0].EntryCount)
}

func TestStore_BaselineNotFound(t *testing.T) {
	s := openTestStore(t, DefaultOptions())

	got, err := s.GetBaseline(context.Background(), "never-stored")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_DurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "metadata.db")

	s, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, s.PutBaseline(ctx, testBaseline("img-1", 1)))
	require.NoError(t, s.Close())

	s, err = Open(path, DefaultOptions())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetBaseline(ctx, "img-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Entries, 1)
}

func TestStore_CancelledContext(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.PutBaseline(ctx, testBaseline("img-1", 1)), context.Canceled)
	_, err := s.GetBaseline(ctx, "img-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_RecordHeartbeat(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{HeartbeatHistory: 3})

	for i := 0; i < 5; i++ {
		hb := types.Heartbeat{AgentID: "agent-1", Status: types.AgentStatusHealthy, ConsecutiveAnomalies: i}
		rec, err := s.RecordHeartbeat(ctx, hb, func(rec *types.AgentRecord, created bool) {
			assert.Equal(t, i == 0, created)
			rec.Status = hb.Status
			rec.Hostname = "host-1"
		})
		require.NoError(t, err)
		assert.Equal(t, "host-1", rec.Hostname)
	}

	rec, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, types.AgentStatusHealthy, rec.Status)

	series, err := s.ListHeartbeats(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, series, 3, "series is bounded")
	assert.Equal(t, 4, series[0].ConsecutiveAnomalies, "newest first")
	assert.Equal(t, 2, series[2].ConsecutiveAnomalies)
}

func TestStore_ConcurrentHeartbeatsIsolated(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, DefaultOptions())

	const agents = 8
	const beats = 10
	var wg sync.WaitGroup
	for a := 0; a < agents; a++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < beats; i++ {
				_, err := s.RecordHeartbeat(ctx, types.Heartbeat{AgentID: id, Status: types.AgentStatusHealthy},
					func(rec *types.AgentRecord, _ bool) {
						rec.Hostname = id
						rec.Status = types.AgentStatusHealthy
					})
				assert.NoError(t, err)
			}
		}(fmt.Sprintf("agent-%d", a))
	}
	wg.Wait()

	records, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, records, agents)
	for _, rec := range records {
		assert.Equal(t, rec.AgentID, rec.Hostname)
		series, err := s.ListHeartbeats(ctx, rec.AgentID, 100)
		require.NoError(t, err)
		assert.Len(t, series, beats)
	}
}

func TestStore_RecordAlertAndList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, DefaultOptions())

	increment := func(rec *types.AgentRecord, _ bool) { rec.AlertCount++ }
	for i := 0; i < 5; i++ {
		agent := "agent-a"
		if i%2 == 1 {
			agent = "agent-b"
		}
		_, _, err := s.RecordAlert(ctx, types.Alert{
			ID:        fmt.Sprintf("alert-%d", i),
			AgentID:   agent,
			Severity:  types.SeverityWarning,
			Timestamp: time.Now(),
		}, increment)
		require.NoError(t, err)
	}

	all, err := s.ListAlerts(ctx, types.AlertFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "alert-4", all[0].ID, "newest first")

	page, err := s.ListAlerts(ctx, types.AlertFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "alert-3", page[0].ID)
	assert.Equal(t, "alert-2", page[1].ID)

	forB, err := s.ListAlerts(ctx, types.AlertFilter{AgentID: "agent-b", Limit: 10})
	require.NoError(t, err)
	require.Len(t, forB, 2)
	assert.Equal(t, "alert-3", forB[0].ID)
	assert.Equal(t, "alert-1", forB[1].ID)

	none, err := s.ListAlerts(ctx, types.AlertFilter{AgentID: "nobody", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, none)

	rec, err := s.GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.EqualValues(t, 3, rec.AlertCount)
}

func TestStore_RecordAlertRedelivery(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, DefaultOptions())

	increment := func(rec *types.AgentRecord, _ bool) { rec.AlertCount++ }
	alert := types.Alert{ID: "a-1", AgentID: "agent-a", Severity: types.SeverityWarning, Timestamp: time.Now()}

	_, recorded, err := s.RecordAlert(ctx, alert, increment)
	require.NoError(t, err)
	assert.True(t, recorded)

	rec, recorded, err := s.RecordAlert(ctx, alert, increment)
	require.NoError(t, err)
	assert.False(t, recorded, "same id must not be applied twice")
	require.NotNil(t, rec)
	assert.EqualValues(t, 1, rec.AlertCount)

	all, err := s.ListAlerts(ctx, types.AlertFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// The id is released once the alert is pruned.
	_, err = s.PruneAlerts(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, recorded, err = s.RecordAlert(ctx, alert, increment)
	require.NoError(t, err)
	assert.True(t, recorded)
}

func TestStore_Retention(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, DefaultOptions())
	now := time.Now()

	_, err := s.RecordHeartbeat(ctx, types.Heartbeat{AgentID: "fresh"}, func(rec *types.AgentRecord, _ bool) {
		rec.Status = types.AgentStatusHealthy
		rec.LastHeartbeatAt = now
	})
	require.NoError(t, err)
	_, err = s.RecordHeartbeat(ctx, types.Heartbeat{AgentID: "stale"}, func(rec *types.AgentRecord, _ bool) {
		rec.Status = types.AgentStatusWarning
		rec.LastHeartbeatAt = now.Add(-time.Hour)
	})
	require.NoError(t, err)
	_, _, err = s.RecordAlert(ctx, types.Alert{ID: "old", AgentID: "stale", Severity: types.SeverityInfo, Timestamp: now.Add(-48 * time.Hour)}, nil)
	require.NoError(t, err)
	_, _, err = s.RecordAlert(ctx, types.Alert{ID: "new", AgentID: "stale", Severity: types.SeverityInfo, Timestamp: now}, nil)
	require.NoError(t, err)

	marked, err := s.MarkStaleAgents(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, marked)

	rec, _ := s.GetAgent(ctx, "stale")
	assert.Equal(t, types.AgentStatusUnknown, rec.Status)

	pruned, err := s.PruneAlerts(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
	left, _ := s.ListAlerts(ctx, types.AlertFilter{AgentID: "stale", Limit: 10})
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].ID)

	removed, err := s.DeleteSilentAgents(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	gone, _ := s.GetAgent(ctx, "stale")
	assert.Nil(t, gone)
	remaining, _ := s.ListAlerts(ctx, types.AlertFilter{Limit: 10})
	assert.Empty(t, remaining)

	counts, err := s.CountAgentsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.AgentStatusHealthy])
}

func TestStore_Stats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, DefaultOptions())
	require.NoError(t, s.PutBaseline(ctx, testBaseline("img-1", 1)))
	require.NoError(t, s.Ping(ctx))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Greater(t, stats.SizeBytes, int64(0))
	for _, b := range stats.Buckets {
		if b.Name == "baselines" {
			assert.Equal(t, 1, b.Keys)
		}
	}
}
