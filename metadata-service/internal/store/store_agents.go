package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

// AgentMutator updates an agent record inside the write transaction that
// records a heartbeat or alert. created is true when the record is new.
type AgentMutator func(rec *types.AgentRecord, created bool)

// =============================================================================
// AGENTS
// =============================================================================

// upsertAgent loads (or creates) an agent record, applies mutate and writes it back.
func upsertAgent(tx *bolt.Tx, agentID string, now time.Time, mutate AgentMutator) (*types.AgentRecord, error) {
	agents := tx.Bucket(bucketAgents)
	rec, err := getJSON[types.AgentRecord](agents, []byte(agentID))
	if err != nil {
		return nil, err
	}
	created := rec == nil
	if created {
		rec = &types.AgentRecord{
			AgentID:   agentID,
			Status:    types.AgentStatusUnknown,
			CreatedAt: now,
		}
	}
	if mutate != nil {
		mutate(rec, created)
	}
	if err := putJSON(agents, []byte(agentID), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordHeartbeat upserts the agent record and appends the heartbeat to the
// agent's bounded series in a single transaction.
func (s *Store) RecordHeartbeat(ctx context.Context, hb types.Heartbeat, mutate AgentMutator) (*types.AgentRecord, error) {
	var rec *types.AgentRecord
	err := s.update(ctx, func(tx *bolt.Tx) error {
		var err error
		rec, err = upsertAgent(tx, hb.AgentID, time.Now(), mutate)
		if err != nil {
			return err
		}

		series, err := tx.Bucket(bucketHeartbeats).CreateBucketIfNotExists([]byte(hb.AgentID))
		if err != nil {
			return fmt.Errorf("creating heartbeat bucket: %w", err)
		}
		seq, err := series.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating heartbeat sequence: %w", err)
		}
		if err := putJSON(series, seqKey(seq), hb); err != nil {
			return err
		}
		return trimSeries(series, seq, uint64(s.heartbeatHistory))
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// trimSeries drops entries older than the newest keep sequences.
func trimSeries(b *bolt.Bucket, newest, keep uint64) error {
	if newest <= keep {
		return nil
	}
	cutoff := newest - keep

	var stale [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil && keySeq(k) <= cutoff; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return fmt.Errorf("trimming heartbeat series: %w", err)
		}
	}
	return nil
}

// GetAgent retrieves an agent record.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*types.AgentRecord, error) {
	var rec *types.AgentRecord
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var err error
		rec, err = getJSON[types.AgentRecord](tx.Bucket(bucketAgents), []byte(agentID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListAgents returns all agent records ordered by agent id.
func (s *Store) ListAgents(ctx context.Context) ([]types.AgentRecord, error) {
	agents := []types.AgentRecord{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var rec types.AgentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding agent %s: %w", k, err)
			}
			agents = append(agents, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return agents, nil
}

// CountAgentsByStatus returns the number of agents in each status.
func (s *Store) CountAgentsByStatus(ctx context.Context) (map[types.AgentStatus]int, error) {
	agents, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[types.AgentStatus]int{
		types.AgentStatusHealthy:  0,
		types.AgentStatusWarning:  0,
		types.AgentStatusCritical: 0,
		types.AgentStatusUnknown:  0,
	}
	for _, a := range agents {
		counts[a.Status]++
	}
	return counts, nil
}

// ListHeartbeats returns up to limit recent heartbeats for an agent, newest first.
func (s *Store) ListHeartbeats(ctx context.Context, agentID string, limit int) ([]types.Heartbeat, error) {
	heartbeats := []types.Heartbeat{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		series := tx.Bucket(bucketHeartbeats).Bucket([]byte(agentID))
		if series == nil {
			return nil
		}
		c := series.Cursor()
		for k, v := c.Last(); k != nil && len(heartbeats) < limit; k, v = c.Prev() {
			var hb types.Heartbeat
			if err := json.Unmarshal(v, &hb); err != nil {
				return fmt.Errorf("decoding heartbeat: %w", err)
			}
			heartbeats = append(heartbeats, hb)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return heartbeats, nil
}

// MarkStaleAgents sets every agent whose last heartbeat is older than cutoff
// to unknown. Returns the affected agent ids.
func (s *Store) MarkStaleAgents(ctx context.Context, cutoff time.Time) ([]string, error) {
	var marked []string
	err := s.update(ctx, func(tx *bolt.Tx) error {
		agents := tx.Bucket(bucketAgents)
		var stale []*types.AgentRecord
		err := agents.ForEach(func(k, v []byte) error {
			var rec types.AgentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding agent %s: %w", k, err)
			}
			if rec.Status != types.AgentStatusUnknown && rec.LastHeartbeatAt.Before(cutoff) {
				stale = append(stale, &rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range stale {
			rec.Status = types.AgentStatusUnknown
			if err := putJSON(agents, []byte(rec.AgentID), rec); err != nil {
				return err
			}
			marked = append(marked, rec.AgentID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return marked, nil
}

// DeleteSilentAgents removes agents whose last heartbeat (or creation, if
// they never sent one) is older than cutoff, together with their alerts and
// heartbeat series. Returns the number of agents removed.
func (s *Store) DeleteSilentAgents(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.update(ctx, func(tx *bolt.Tx) error {
		agents := tx.Bucket(bucketAgents)
		var silent []string
		err := agents.ForEach(func(k, v []byte) error {
			var rec types.AgentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding agent %s: %w", k, err)
			}
			last := rec.LastHeartbeatAt
			if last.IsZero() {
				last = rec.CreatedAt
			}
			if last.Before(cutoff) {
				silent = append(silent, rec.AgentID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, id := range silent {
			if err := deleteAgentTx(tx, id); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func deleteAgentTx(tx *bolt.Tx, agentID string) error {
	key := []byte(agentID)
	if err := tx.Bucket(bucketAgents).Delete(key); err != nil {
		return fmt.Errorf("deleting agent %s: %w", agentID, err)
	}

	if tx.Bucket(bucketHeartbeats).Bucket(key) != nil {
		if err := tx.Bucket(bucketHeartbeats).DeleteBucket(key); err != nil {
			return fmt.Errorf("deleting heartbeats for %s: %w", agentID, err)
		}
	}

	byAgent := tx.Bucket(bucketAlertsByAgent)
	idx := byAgent.Bucket(key)
	if idx == nil {
		return nil
	}
	alerts := tx.Bucket(bucketAlerts)
	ids := tx.Bucket(bucketAlertIDs)
	if err := idx.ForEach(func(k, _ []byte) error {
		alert, err := getJSON[types.Alert](alerts, k)
		if err != nil {
			return err
		}
		if alert != nil && alert.ID != "" {
			if err := ids.Delete([]byte(alert.ID)); err != nil {
				return err
			}
		}
		return alerts.Delete(k)
	}); err != nil {
		return fmt.Errorf("deleting alerts for %s: %w", agentID, err)
	}
	return byAgent.DeleteBucket(key)
}
