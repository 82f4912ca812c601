// Package store provides durable storage for the metadata service.
//
// # Design
//
// The store is a single bbolt file. bbolt serializes writers and gives every
// reader a consistent MVCC snapshot, so a baseline read never observes a
// partially written baseline and readers never wait on writers. Update
// transactions are fsynced before they return; a write that is acknowledged
// is durable.
//
// # Layout
//
//	baselines/        image_id -> Baseline (JSON)
//	agents/           agent_id -> AgentRecord (JSON)
//	alerts/           seq (uint64 BE) -> Alert (JSON), global append order
//	alerts_by_agent/  agent_id/ seq -> ""
//	alert_ids/        alert id -> seq, rejects redelivered alerts
//	heartbeats/       agent_id/ seq -> Heartbeat (JSON), bounded per agent
//
// Lookups that find nothing return (nil, nil).
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

var (
	bucketBaselines     = []byte("baselines")
	bucketAgents        = []byte("agents")
	bucketAlerts        = []byte("alerts")
	bucketAlertsByAgent = []byte("alerts_by_agent")
	bucketAlertIDs      = []byte("alert_ids")
	bucketHeartbeats    = []byte("heartbeats")

	allBuckets = [][]byte{
		bucketBaselines,
		bucketAgents,
		bucketAlerts,
		bucketAlertsByAgent,
		bucketAlertIDs,
		bucketHeartbeats,
	}
)

// Options configures the store.
type Options struct {
	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
	// HeartbeatHistory is the number of heartbeats kept per agent.
	HeartbeatHistory int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:          5 * time.Second,
		HeartbeatHistory: 100,
	}
}

// Store provides database operations.
type Store struct {
	db               *bolt.DB
	path             string
	heartbeatHistory int
}

// Open opens (creating if needed) the store at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.HeartbeatHistory <= 0 {
		opts.HeartbeatHistory = DefaultOptions().HeartbeatHistory
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path, heartbeatHistory: opts.HeartbeatHistory}, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies a read transaction can be opened.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

// Stats returns file size and per-bucket key counts.
func (s *Store) Stats(ctx context.Context) (*types.StorageHealth, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	health := &types.StorageHealth{Status: "healthy", Path: s.path}
	err := s.db.View(func(tx *bolt.Tx) error {
		health.SizeBytes = tx.Size()
		for _, name := range allBuckets {
			b := tx.Bucket(name)
			if b == nil {
				continue
			}
			health.Buckets = append(health.Buckets, types.BucketStats{
				Name: string(name),
				Keys: b.Stats().KeyN,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return health, nil
}

// update runs fn in a write transaction after checking ctx. bbolt has no
// cancellation, so ctx only guards entry.
func (s *Store) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *Store) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// =============================================================================
// HELPERS
// =============================================================================

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func keySeq(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return b.Put(key, data)
}

func getJSON[T any](b *bolt.Bucket, key []byte) (*T, error) {
	data := b.Get(key)
	if data == nil {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return &v, nil
}
