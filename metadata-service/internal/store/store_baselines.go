package store

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

// =============================================================================
// BASELINES
// =============================================================================

// PutBaseline stores a baseline, replacing any baseline with the same image id.
func (s *Store) PutBaseline(ctx context.Context, baseline *types.Baseline) error {
	data, err := json.Marshal(baseline)
	if err != nil {
		return fmt.Errorf("encoding baseline: %w", err)
	}
	return s.update(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBaselines).Put([]byte(baseline.ImageID), data)
	})
}

// GetBaseline retrieves a baseline by image id.
func (s *Store) GetBaseline(ctx context.Context, imageID string) (*types.Baseline, error) {
	var baseline *types.Baseline
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var err error
		baseline, err = getJSON[types.Baseline](tx.Bucket(bucketBaselines), []byte(imageID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return baseline, nil
}

// ListBaselines returns a summary of every stored baseline, ordered by image id.
func (s *Store) ListBaselines(ctx context.Context) ([]types.BaselineSummary, error) {
	summaries := []types.BaselineSummary{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBaselines).ForEach(func(k, v []byte) error {
			var b types.Baseline
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("decoding baseline %s: %w", k, err)
			}
			summaries = append(summaries, b.Summary())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}
