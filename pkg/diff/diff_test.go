package diff

import (
	"strings"
	"testing"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

func entry(path, hashByte string, mode uint32) types.FileIntegrityEntry {
	return types.FileIntegrityEntry{
		Path:        path,
		ContentHash: strings.Repeat(hashByte, 128),
		Mode:        mode,
	}
}

func baseline(entries ...types.FileIntegrityEntry) *types.Baseline {
	return &types.Baseline{ImageID: "img-1", Entries: entries}
}

func TestClassify_Precedence(t *testing.T) {
	base := entry("/etc/passwd", "a", 0o644)
	changedHash := entry("/etc/passwd", "b", 0o644)
	changedMode := entry("/etc/passwd", "a", 0o600)
	changedBoth := entry("/etc/passwd", "b", 0o777)

	tests := []struct {
		name     string
		expected *types.FileIntegrityEntry
		actual   *types.FileIntegrityEntry
		want     types.AnomalyKind
		wantOK   bool
	}{
		{"identical", &base, &base, "", false},
		{"both absent", nil, nil, "", false},
		{"added", nil, &base, types.AnomalyAdded, true},
		{"deleted", &base, nil, types.AnomalyDeleted, true},
		{"modified", &base, &changedHash, types.AnomalyModified, true},
		{"metadata only", &base, &changedMode, types.AnomalyMetadataChanged, true},
		{"content wins over metadata", &base, &changedBoth, types.AnomalyModified, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.expected, tt.actual)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Classify() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestCompare_SingleAnomalies(t *testing.T) {
	snap := NewSnapshot(baseline(
		entry("/bin/ls", "1", 0o755),
		entry("/etc/hosts", "2", 0o644),
		entry("/etc/passwd", "3", 0o644),
	))

	unchanged := []types.FileIntegrityEntry{
		entry("/bin/ls", "1", 0o755),
		entry("/etc/hosts", "2", 0o644),
		entry("/etc/passwd", "3", 0o644),
	}

	if got := Compare(snap, "/", unchanged, nil); len(got) != 0 {
		t.Fatalf("expected no anomalies, got %+v", got)
	}

	t.Run("one byte modified", func(t *testing.T) {
		live := append([]types.FileIntegrityEntry(nil), unchanged...)
		live[2] = entry("/etc/passwd", "4", 0o644)
		got := Compare(snap, "/", live, nil)
		if len(got) != 1 || got[0].Kind != types.AnomalyModified || got[0].Path != "/etc/passwd" {
			t.Fatalf("expected one Modified for /etc/passwd, got %+v", got)
		}
	})

	t.Run("deleted", func(t *testing.T) {
		live := unchanged[:2]
		got := Compare(snap, "/", live, nil)
		if len(got) != 1 || got[0].Kind != types.AnomalyDeleted || got[0].Path != "/etc/passwd" {
			t.Fatalf("expected one Deleted, got %+v", got)
		}
	})

	t.Run("added", func(t *testing.T) {
		live := append(append([]types.FileIntegrityEntry(nil), unchanged...), entry("/etc/cron.d/evil", "5", 0o644))
		got := Compare(snap, "/", live, nil)
		if len(got) != 1 || got[0].Kind != types.AnomalyAdded || got[0].Path != "/etc/cron.d/evil" {
			t.Fatalf("expected one Added, got %+v", got)
		}
	})

	t.Run("metadata changed", func(t *testing.T) {
		live := append([]types.FileIntegrityEntry(nil), unchanged...)
		live[0].UID = 1000
		got := Compare(snap, "/", live, nil)
		if len(got) != 1 || got[0].Kind != types.AnomalyMetadataChanged {
			t.Fatalf("expected one MetadataChanged, got %+v", got)
		}
		if !strings.Contains(got[0].Message(), "uid 0->1000") {
			t.Errorf("unexpected message %q", got[0].Message())
		}
	})
}

func TestCompare_SubtreeScope(t *testing.T) {
	snap := NewSnapshot(baseline(
		entry("/etc/hosts", "1", 0o644),
		entry("/etc/ssh/sshd_config", "2", 0o600),
		entry("/etcetera/file", "3", 0o644),
		entry("/usr/bin/env", "4", 0o755),
	))

	// Only /etc is rescanned; entries elsewhere must not be reported deleted.
	live := []types.FileIntegrityEntry{entry("/etc/hosts", "1", 0o644)}
	got := Compare(snap, "/etc", live, nil)
	if len(got) != 1 || got[0].Path != "/etc/ssh/sshd_config" || got[0].Kind != types.AnomalyDeleted {
		t.Fatalf("expected only /etc/ssh/sshd_config deleted, got %+v", got)
	}
}

func TestCompare_SkipAndOrdering(t *testing.T) {
	snap := NewSnapshot(baseline(
		entry("/a", "1", 0o644),
		entry("/var/log/x", "2", 0o644),
	))
	live := []types.FileIntegrityEntry{
		entry("/z", "1", 0o644),
		entry("/b", "1", 0o644),
	}
	skip := func(p string) bool { return Under("/var/log", p) }

	got := Compare(snap, "/", live, skip)
	want := []struct {
		path string
		kind types.AnomalyKind
	}{
		{"/a", types.AnomalyDeleted},
		{"/b", types.AnomalyAdded},
		{"/z", types.AnomalyAdded},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d anomalies, got %+v", len(want), got)
	}
	for i, w := range want {
		if got[i].Path != w.path || got[i].Kind != w.kind {
			t.Errorf("anomaly %d: got %s %s, want %s %s", i, got[i].Kind, got[i].Path, w.kind, w.path)
		}
	}
}

func TestSnapshot_PathsUnder(t *testing.T) {
	snap := NewSnapshot(baseline(
		entry("/etc", "0", 0o644),
		entry("/etc/a", "1", 0o644),
		entry("/etc-old/b", "2", 0o644),
		entry("/etc/z/c", "3", 0o644),
	))

	got := snap.PathsUnder("/etc")
	want := []string{"/etc", "/etc/a", "/etc/z/c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("path %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if snap.Len() != 4 {
		t.Errorf("expected 4 entries, got %d", snap.Len())
	}
}
