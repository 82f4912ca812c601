// Package diff classifies divergence between a baseline and on-disk state.
//
// # Classification
//
// For a single path the first matching rule wins:
//
//  1. Added: absent from the baseline, present on disk
//  2. Deleted: present in the baseline, absent on disk
//  3. Modified: content hash differs
//  4. MetadataChanged: hash equal, mode/uid/gid differ
//
// Classification depends only on (baseline, current disk state), so the same
// inputs always produce the same anomalies in the same order.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

// Anomaly is one divergence from the baseline.
type Anomaly struct {
	Kind     types.AnomalyKind         `json:"kind"`
	Path     string                    `json:"path"`
	Expected *types.FileIntegrityEntry `json:"expected,omitempty"`
	Actual   *types.FileIntegrityEntry `json:"actual,omitempty"`
}

// Message returns a human-readable description.
func (a Anomaly) Message() string {
	switch a.Kind {
	case types.AnomalyAdded:
		return fmt.Sprintf("unexpected file %s", a.Path)
	case types.AnomalyDeleted:
		return fmt.Sprintf("file %s is missing", a.Path)
	case types.AnomalyModified:
		return fmt.Sprintf("content of %s differs from baseline", a.Path)
	case types.AnomalyMetadataChanged:
		return fmt.Sprintf("metadata of %s changed: mode %04o->%04o uid %d->%d gid %d->%d",
			a.Path,
			a.Expected.Mode, a.Actual.Mode,
			a.Expected.UID, a.Actual.UID,
			a.Expected.GID, a.Actual.GID)
	}
	return fmt.Sprintf("%s: %s", a.Kind, a.Path)
}

// Classify compares the expected and actual state of one path. A nil entry
// means absent. ok is false when the states match.
func Classify(expected, actual *types.FileIntegrityEntry) (kind types.AnomalyKind, ok bool) {
	switch {
	case expected == nil && actual == nil:
		return "", false
	case expected == nil:
		return types.AnomalyAdded, true
	case actual == nil:
		return types.AnomalyDeleted, true
	case expected.ContentHash != actual.ContentHash:
		return types.AnomalyModified, true
	case !expected.SameMetadata(*actual):
		return types.AnomalyMetadataChanged, true
	}
	return "", false
}

// Check classifies one path against a snapshot.
func Check(snap *Snapshot, path string, actual *types.FileIntegrityEntry) (Anomaly, bool) {
	var expected *types.FileIntegrityEntry
	if e, found := snap.Lookup(path); found {
		expected = &e
	}
	kind, ok := Classify(expected, actual)
	if !ok {
		return Anomaly{}, false
	}
	return Anomaly{Kind: kind, Path: path, Expected: expected, Actual: actual}, true
}

// Compare diffs the live entries of one subtree against the snapshot.
// Baseline paths outside prefix are ignored, as are paths for which skip
// returns true. The result is sorted by path.
func Compare(snap *Snapshot, prefix string, live []types.FileIntegrityEntry, skip func(string) bool) []Anomaly {
	liveIdx := make(map[string]*types.FileIntegrityEntry, len(live))
	for i := range live {
		if !Under(prefix, live[i].Path) {
			continue
		}
		liveIdx[live[i].Path] = &live[i]
	}

	var anomalies []Anomaly
	for _, p := range snap.PathsUnder(prefix) {
		if skip != nil && skip(p) {
			continue
		}
		if a, ok := Check(snap, p, liveIdx[p]); ok {
			anomalies = append(anomalies, a)
		}
		delete(liveIdx, p)
	}

	for p, actual := range liveIdx {
		if skip != nil && skip(p) {
			continue
		}
		if a, ok := Check(snap, p, actual); ok {
			anomalies = append(anomalies, a)
		}
	}

	sort.Slice(anomalies, func(i, j int) bool {
		return anomalies[i].Path < anomalies[j].Path
	})
	return anomalies
}

// Under reports whether path is prefix or lies beneath it.
func Under(prefix, path string) bool {
	if prefix == "/" || prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is an immutable, indexed view of a baseline. It is shared
// read-only between verification workers.
type Snapshot struct {
	baseline *types.Baseline
	index    map[string]types.FileIntegrityEntry
	paths    []string
}

// NewSnapshot indexes a baseline. The baseline must not be mutated afterwards.
func NewSnapshot(b *types.Baseline) *Snapshot {
	idx := b.Index()
	paths := make([]string, 0, len(idx))
	for p := range idx {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return &Snapshot{baseline: b, index: idx, paths: paths}
}

// ImageID returns the baseline's image id.
func (s *Snapshot) ImageID() string {
	return s.baseline.ImageID
}

// Baseline returns the underlying baseline.
func (s *Snapshot) Baseline() *types.Baseline {
	return s.baseline
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	return len(s.paths)
}

// Lookup returns the expected entry for path.
func (s *Snapshot) Lookup(path string) (types.FileIntegrityEntry, bool) {
	e, ok := s.index[path]
	return e, ok
}

// PathsUnder returns the sorted baseline paths beneath prefix.
func (s *Snapshot) PathsUnder(prefix string) []string {
	if prefix == "/" || prefix == "" {
		return s.paths
	}
	start := sort.SearchStrings(s.paths, prefix)
	var out []string
	for _, p := range s.paths[start:] {
		if !strings.HasPrefix(p, prefix) {
			break
		}
		if Under(prefix, p) {
			out = append(out, p)
		}
	}
	return out
}
