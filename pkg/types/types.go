// Package types defines the core domain types shared by the collector, the
// metadata service and the integrity agent.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for API transport
// 3. Immutability: A stored Baseline is never edited, only replaced as a whole
// 4. Validation: Types include Validate() methods for business rule enforcement
package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// ErrValidation is wrapped by every Validate() failure so transports can map
// it to a client error.
var ErrValidation = errors.New("validation failed")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// =============================================================================
// FILE INTEGRITY ENTRY
// =============================================================================

// ContentHashLength is the length of a hex-encoded SHA-512 digest.
const ContentHashLength = 128

// PermissionMask keeps permission, setuid, setgid and sticky bits only.
const PermissionMask = 0o7777

// FileIntegrityEntry is the expected state of one regular file.
//
// Path is canonical: "/"-rooted and relative to the scan root, so the same
// file scanned from a mounted image and from the running host compares equal.
type FileIntegrityEntry struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	Mode        uint32 `json:"mode"`
	UID         uint32 `json:"uid"`
	GID         uint32 `json:"gid"`
}

// Validate checks a single entry.
func (e *FileIntegrityEntry) Validate() error {
	if e.Path == "" {
		return invalid("entry path is required")
	}
	if !strings.HasPrefix(e.Path, "/") {
		return invalid("entry path must be absolute: %s", e.Path)
	}
	if path.Clean(e.Path) != e.Path || e.Path == "/" {
		return invalid("entry path is not canonical: %s", e.Path)
	}
	if len(e.ContentHash) != ContentHashLength {
		return invalid("entry %s: content_hash must be %d hex characters", e.Path, ContentHashLength)
	}
	if _, err := hex.DecodeString(e.ContentHash); err != nil {
		return invalid("entry %s: content_hash is not hex", e.Path)
	}
	if e.Mode&^PermissionMask != 0 {
		return invalid("entry %s: mode has non-permission bits set", e.Path)
	}
	return nil
}

// SameMetadata reports whether mode, uid and gid match.
func (e FileIntegrityEntry) SameMetadata(other FileIntegrityEntry) bool {
	return e.Mode == other.Mode && e.UID == other.UID && e.GID == other.GID
}

// =============================================================================
// BASELINE
// =============================================================================

// SignatureFormatSSH is the only signature format produced today.
const SignatureFormatSSH = "ssh-ed25519"

// Signature is a detached signature over a Baseline's canonical digest.
type Signature struct {
	Format         string `json:"format"`
	Blob           []byte `json:"blob"`
	KeyFingerprint string `json:"key_fingerprint"`
}

// Baseline is the signed set of expected file states for one golden image.
// ImageID is the natural key; storing a Baseline with an existing ImageID
// replaces it.
type Baseline struct {
	ImageID   string               `json:"image_id"`
	CreatedAt time.Time            `json:"created_at"`
	Entries   []FileIntegrityEntry `json:"entries"`
	Signature *Signature           `json:"signature,omitempty"`
}

// Validate checks the baseline and every entry. Paths must be unique.
func (b *Baseline) Validate() error {
	if strings.TrimSpace(b.ImageID) == "" {
		return invalid("image_id is required")
	}
	seen := make(map[string]struct{}, len(b.Entries))
	for i := range b.Entries {
		if err := b.Entries[i].Validate(); err != nil {
			return err
		}
		if _, dup := seen[b.Entries[i].Path]; dup {
			return invalid("duplicate entry path: %s", b.Entries[i].Path)
		}
		seen[b.Entries[i].Path] = struct{}{}
	}
	return nil
}

// SortEntries orders entries by path, the serialized order.
func (b *Baseline) SortEntries() {
	sort.Slice(b.Entries, func(i, j int) bool {
		return b.Entries[i].Path < b.Entries[j].Path
	})
}

// Index returns the entries keyed by path.
func (b *Baseline) Index() map[string]FileIntegrityEntry {
	idx := make(map[string]FileIntegrityEntry, len(b.Entries))
	for _, e := range b.Entries {
		idx[e.Path] = e
	}
	return idx
}

// Summary returns the acknowledgement body for a stored baseline.
func (b *Baseline) Summary() BaselineSummary {
	return BaselineSummary{
		ImageID:    b.ImageID,
		CreatedAt:  b.CreatedAt,
		EntryCount: len(b.Entries),
		Signed:     b.Signature != nil,
	}
}

// BaselineSummary is returned when a baseline is stored.
type BaselineSummary struct {
	ImageID    string    `json:"image_id"`
	CreatedAt  time.Time `json:"created_at"`
	EntryCount int       `json:"entry_count"`
	Signed     bool      `json:"signed"`
}
