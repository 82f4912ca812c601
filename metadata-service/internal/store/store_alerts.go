package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

// =============================================================================
// ALERTS
// =============================================================================

// RecordAlert appends an alert and updates the owning agent record in one
// transaction, so the alert and its effect on alert_count and status are
// never observed separately. An alert whose ID is already stored is not
// applied again; recorded is false and rec is the current agent record.
func (s *Store) RecordAlert(ctx context.Context, alert types.Alert, mutate AgentMutator) (rec *types.AgentRecord, recorded bool, err error) {
	data, err := json.Marshal(alert)
	if err != nil {
		return nil, false, fmt.Errorf("encoding alert: %w", err)
	}

	err = s.update(ctx, func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketAlertIDs)
		if alert.ID != "" && ids.Get([]byte(alert.ID)) != nil {
			existing, gerr := getJSON[types.AgentRecord](tx.Bucket(bucketAgents), []byte(alert.AgentID))
			rec = existing
			return gerr
		}

		alerts := tx.Bucket(bucketAlerts)
		seq, err := alerts.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating alert sequence: %w", err)
		}
		key := seqKey(seq)
		if err := alerts.Put(key, data); err != nil {
			return fmt.Errorf("writing alert: %w", err)
		}
		if alert.ID != "" {
			if err := ids.Put([]byte(alert.ID), key); err != nil {
				return fmt.Errorf("indexing alert id: %w", err)
			}
		}

		idx, err := tx.Bucket(bucketAlertsByAgent).CreateBucketIfNotExists([]byte(alert.AgentID))
		if err != nil {
			return fmt.Errorf("creating alert index: %w", err)
		}
		if err := idx.Put(key, []byte{}); err != nil {
			return fmt.Errorf("indexing alert: %w", err)
		}

		rec, err = upsertAgent(tx, alert.AgentID, time.Now(), mutate)
		recorded = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return rec, recorded, nil
}

// ListAlerts returns a page of alerts, newest first, optionally for one agent.
// The filter must already be normalized.
func (s *Store) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	out := []types.Alert{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		alerts := tx.Bucket(bucketAlerts)

		// Both buckets are keyed by the global alert sequence.
		var c *bolt.Cursor
		if filter.AgentID == "" {
			c = alerts.Cursor()
		} else {
			idx := tx.Bucket(bucketAlertsByAgent).Bucket([]byte(filter.AgentID))
			if idx == nil {
				return nil
			}
			c = idx.Cursor()
		}

		skip := filter.Offset
		for k, _ := c.Last(); k != nil && len(out) < filter.Limit; k, _ = c.Prev() {
			if skip > 0 {
				skip--
				continue
			}
			v := alerts.Get(k)
			if v == nil {
				continue
			}
			var a types.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decoding alert: %w", err)
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PruneAlerts removes alerts with a timestamp older than cutoff. Returns the
// number removed.
func (s *Store) PruneAlerts(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.update(ctx, func(tx *bolt.Tx) error {
		alerts := tx.Bucket(bucketAlerts)
		byAgent := tx.Bucket(bucketAlertsByAgent)

		type staleAlert struct {
			key     []byte
			id      string
			agentID string
		}
		var stale []staleAlert
		err := alerts.ForEach(func(k, v []byte) error {
			var a types.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decoding alert: %w", err)
			}
			if a.Timestamp.Before(cutoff) {
				stale = append(stale, staleAlert{key: append([]byte(nil), k...), id: a.ID, agentID: a.AgentID})
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, sa := range stale {
			if err := alerts.Delete(sa.key); err != nil {
				return fmt.Errorf("deleting alert: %w", err)
			}
			if sa.id != "" {
				if err := tx.Bucket(bucketAlertIDs).Delete([]byte(sa.id)); err != nil {
					return fmt.Errorf("deleting alert id: %w", err)
				}
			}
			if idx := byAgent.Bucket([]byte(sa.agentID)); idx != nil {
				if err := idx.Delete(sa.key); err != nil {
					return fmt.Errorf("deleting alert index: %w", err)
				}
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
