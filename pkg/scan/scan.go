// Package scan walks a filesystem and produces FileIntegrityEntry records.
//
// The collector and the agent share this package so that a baseline captured
// from a mounted image and a live scan of the running host apply exactly the
// same traversal and exclusion policy.
//
// # Policy
//
//   - Symbolic links are never followed and never recorded
//   - Devices, FIFOs and sockets are skipped
//   - Directories are traversed but not recorded
//   - Excluded subtrees (volatile paths) are not entered
//   - Unreadable files are logged and omitted; an unreadable root is fatal
package scan

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

// DefaultExclusions are volatile trees that never belong in a baseline.
var DefaultExclusions = []string{
	"/proc",
	"/sys",
	"/dev",
	"/run",
	"/tmp",
	"/var/tmp",
	"/var/log",
}

// ErrRootUnreadable is returned when the scan root itself cannot be read.
var ErrRootUnreadable = errors.New("scan root unreadable")

// Scanner walks a root directory under a fixed exclusion policy.
type Scanner struct {
	root       string
	exclusions []string
	logger     *slog.Logger
}

// New creates a scanner for root. Exclusions are canonical paths; nil means
// DefaultExclusions.
func New(root string, exclusions []string, logger *slog.Logger) (*Scanner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if exclusions == nil {
		exclusions = DefaultExclusions
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving scan root: %w", err)
	}
	// A missing root is reported by Walk so callers fail at scan time.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		info, err := os.Stat(resolved)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRootUnreadable, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("scan root %s is not a directory", root)
		}
		abs = resolved
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("resolving scan root: %w", err)
	}

	cleaned := make([]string, 0, len(exclusions))
	for _, ex := range exclusions {
		if ex == "" {
			continue
		}
		cleaned = append(cleaned, path.Clean("/"+strings.TrimPrefix(ex, "/")))
	}

	return &Scanner{
		root:       abs,
		exclusions: cleaned,
		logger:     logger.With("component", "scanner"),
	}, nil
}

// Root returns the absolute scan root.
func (s *Scanner) Root() string {
	return s.root
}

// Exclusions returns the canonical excluded prefixes.
func (s *Scanner) Exclusions() []string {
	return append([]string(nil), s.exclusions...)
}

// Canonical converts a host path under the root to its canonical form.
func (s *Scanner) Canonical(hostPath string) (string, error) {
	rel, err := filepath.Rel(s.root, hostPath)
	if err != nil {
		return "", fmt.Errorf("relativizing %s: %w", hostPath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside scan root %s", hostPath, s.root)
	}
	if rel == "." {
		return "/", nil
	}
	return "/" + filepath.ToSlash(rel), nil
}

// HostPath converts a canonical path to a path on this host.
func (s *Scanner) HostPath(canonical string) string {
	return filepath.Join(s.root, filepath.FromSlash(canonical))
}

// Excluded reports whether a canonical path falls in an excluded subtree.
func (s *Scanner) Excluded(canonical string) bool {
	for _, ex := range s.exclusions {
		if canonical == ex || strings.HasPrefix(canonical, ex+"/") {
			return true
		}
	}
	return false
}

// Walk scans the whole root.
func (s *Scanner) Walk(ctx context.Context) ([]types.FileIntegrityEntry, error) {
	return s.WalkSubtree(ctx, "/")
}

// WalkSubtree scans one canonical subtree and returns its entries sorted by
// path. A subtree that does not exist yields an error matching fs.ErrNotExist.
func (s *Scanner) WalkSubtree(ctx context.Context, subtree string) ([]types.FileIntegrityEntry, error) {
	subtree = path.Clean("/" + strings.TrimPrefix(subtree, "/"))
	start := s.HostPath(subtree)

	if s.Excluded(subtree) {
		return nil, nil
	}

	info, err := os.Lstat(start)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRootUnreadable, err)
	}
	if !info.IsDir() {
		entry, err := s.Entry(subtree)
		if err != nil {
			s.logger.Warn("skipping unreadable file", "path", subtree, "error", err)
			return nil, nil
		}
		if entry == nil {
			return nil, nil
		}
		return []types.FileIntegrityEntry{*entry}, nil
	}
	if _, err := os.ReadDir(start); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootUnreadable, err)
	}

	var entries []types.FileIntegrityEntry
	err = filepath.WalkDir(start, func(hostPath string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		canonical, err := s.Canonical(hostPath)
		if err != nil {
			return err
		}

		if walkErr != nil {
			s.logger.Warn("skipping unreadable path", "path", canonical, "error", walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if s.Excluded(canonical) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.IsDir():
			return nil
		case !d.Type().IsRegular():
			// symlinks, devices, fifos, sockets
			return nil
		}

		entry, err := s.Entry(canonical)
		if err != nil {
			s.logger.Warn("skipping unreadable file", "path", canonical, "error", err)
			return nil
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

// Entry captures the current state of one canonical path.
//
// Returns (nil, nil) when the path is absent, excluded, or not a regular
// file. Returns an error when the file exists but cannot be read.
func (s *Scanner) Entry(canonical string) (*types.FileIntegrityEntry, error) {
	if s.Excluded(canonical) {
		return nil, nil
	}
	hostPath := s.HostPath(canonical)

	linfo, err := os.Lstat(hostPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if !linfo.Mode().IsRegular() {
		return nil, nil
	}

	f, err := os.Open(hostPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	// Replaced between Lstat and Open.
	if !os.SameFile(linfo, info) {
		return nil, fmt.Errorf("file changed while opening: %s", canonical)
	}

	hash, err := hashReader(f)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", canonical, err)
	}

	uid, gid := owner(info)
	return &types.FileIntegrityEntry{
		Path:        canonical,
		ContentHash: hash,
		Mode:        permBits(info.Mode()),
		UID:         uid,
		GID:         gid,
	}, nil
}

// HashFile returns the hex SHA-512 of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hashReader(f)
}

func hashReader(r io.Reader) (string, error) {
	h := sha512.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// permBits maps a FileMode to the classic 07777 permission word.
func permBits(m fs.FileMode) uint32 {
	bits := uint32(m.Perm())
	if m&fs.ModeSetuid != 0 {
		bits |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		bits |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		bits |= 0o1000
	}
	return bits
}
