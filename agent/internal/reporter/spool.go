package reporter

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

var bucketSpool = []byte("alerts")

// Spool is a durable FIFO of alerts that could not be delivered.
//
//	alerts/  seq (uint64 BE) -> spooledAlert (JSON)
type Spool struct {
	db   *bolt.DB
	path string
}

// SpooledAlert is one spooled alert with its sequence key.
type SpooledAlert struct {
	Seq       uint64      `json:"-"`
	Alert     types.Alert `json:"alert"`
	SpooledAt time.Time   `json:"spooled_at"`
}

// OpenSpool opens (creating if needed) the spool file at path.
func OpenSpool(path string) (*Spool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSpool)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating spool bucket: %w", err)
	}
	return &Spool{db: db, path: path}, nil
}

// Close closes the spool file.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Put appends an alert.
func (s *Spool) Put(alert types.Alert, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSpool)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(SpooledAlert{Alert: alert, SpooledAt: now.UTC()})
		if err != nil {
			return fmt.Errorf("marshaling alert: %w", err)
		}
		return b.Put(seqKey(seq), data)
	})
}

// Peek returns up to n of the oldest alerts without removing them.
func (s *Spool) Peek(n int) ([]SpooledAlert, error) {
	var out []SpooledAlert
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSpool).Cursor()
		for k, v := c.First(); k != nil && len(out) < n; k, v = c.Next() {
			var sa SpooledAlert
			if err := json.Unmarshal(v, &sa); err != nil {
				return fmt.Errorf("decoding spooled alert %d: %w", binary.BigEndian.Uint64(k), err)
			}
			sa.Seq = binary.BigEndian.Uint64(k)
			out = append(out, sa)
		}
		return nil
	})
	return out, err
}

// Delete removes one alert.
func (s *Spool) Delete(seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSpool).Delete(seqKey(seq))
	})
}

// Prune removes alerts spooled before cutoff, and any that no longer
// decode, returning how many were removed.
func (s *Spool) Prune(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSpool)

		var stale [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sa SpooledAlert
			if err := json.Unmarshal(v, &sa); err != nil || sa.SpooledAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// Len returns the number of spooled alerts.
func (s *Spool) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketSpool).Stats().KeyN
		return nil
	})
	return n, err
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
