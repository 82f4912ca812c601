package scan

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

const helloSHA512 = "e7c22b994c59d9cf2b48e549b1e24666636045930d3da7c1acb299d1c3b7f931f94aae41edda2c2b207a36e10f8bcb8d45223e54878f5b316e7ce3b6bc019629"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, root, rel, content string, mode os.FileMode) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), mode); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chmod(p, mode); err != nil {
		t.Fatalf("chmod: %v", err)
	}
}

func TestWalk_RecordsRegularFilesOnly(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "etc/passwd", "hello\n", 0644)
	writeFile(t, root, "bin/ls", "binary", 0755)
	writeFile(t, root, "tmp/scratch", "volatile", 0644)
	writeFile(t, root, "var/log/syslog", "log line", 0644)
	writeFile(t, root, "var/lib/state", "kept", 0600)
	if err := os.Symlink("/etc/passwd", filepath.Join(root, "etc", "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	s, err := New(root, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entries, err := s.Walk(context.Background())
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	want := []string{"/bin/ls", "/etc/passwd", "/var/lib/state"}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d: %+v", len(want), len(entries), entries)
	}
	for i, p := range want {
		if entries[i].Path != p {
			t.Errorf("entry %d: expected %s, got %s", i, p, entries[i].Path)
		}
	}

	if entries[1].ContentHash != helloSHA512 {
		t.Errorf("unexpected hash for /etc/passwd: %s", entries[1].ContentHash)
	}
	if entries[0].Mode != 0o755 {
		t.Errorf("expected mode 0755 for /bin/ls, got %o", entries[0].Mode)
	}
	if entries[2].Mode != 0o600 {
		t.Errorf("expected mode 0600 for /var/lib/state, got %o", entries[2].Mode)
	}
	if int(entries[1].UID) != os.Getuid() {
		t.Errorf("expected uid %d, got %d", os.Getuid(), entries[1].UID)
	}
}

func TestWalk_ExcludedPathsNeverAppear(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "proc/1/status", "x", 0644)
	writeFile(t, root, "opt/cache/blob", "x", 0644)
	writeFile(t, root, "opt/cachefile", "x", 0644)

	s, err := New(root, []string{"opt/cache", "/proc"}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entries, err := s.Walk(context.Background())
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "/opt/cachefile" {
		t.Fatalf("expected only /opt/cachefile, got %+v", entries)
	}
}

func TestWalk_SetuidBitsPreserved(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "usr/bin/su", "su", 0755)
	if err := os.Chmod(filepath.Join(root, "usr", "bin", "su"), 0755|os.ModeSetuid); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	s, _ := New(root, nil, testLogger())
	entry, err := s.Entry("/usr/bin/su")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if entry.Mode != 0o4755 {
		t.Errorf("expected mode 04755, got %o", entry.Mode)
	}
}

func TestWalk_UnreadableRootIsFatal(t *testing.T) {
	s, _ := New(filepath.Join(t.TempDir(), "missing"), nil, testLogger())
	if _, err := s.Walk(context.Background()); err == nil {
		t.Fatal("expected error for missing root")
	}

	if os.Geteuid() == 0 {
		t.Skip("root can read any directory")
	}
	root := t.TempDir()
	if err := os.Chmod(root, 0); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer os.Chmod(root, 0755)

	s, _ = New(root, nil, testLogger())
	if _, err := s.Walk(context.Background()); !errors.Is(err, ErrRootUnreadable) {
		t.Fatalf("expected ErrRootUnreadable, got %v", err)
	}
}

func TestWalk_UnreadableFileSkipped(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read any file")
	}
	root := t.TempDir()
	writeFile(t, root, "etc/shadow", "secret", 0)
	writeFile(t, root, "etc/hosts", "hosts", 0644)

	s, _ := New(root, nil, testLogger())
	entries, err := s.Walk(context.Background())
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "/etc/hosts" {
		t.Fatalf("expected only /etc/hosts, got %+v", entries)
	}
}

func TestWalkSubtree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "etc/a", "a", 0644)
	writeFile(t, root, "etc/sub/b", "b", 0644)
	writeFile(t, root, "bin/c", "c", 0755)

	s, _ := New(root, nil, testLogger())

	entries, err := s.WalkSubtree(context.Background(), "/etc")
	if err != nil {
		t.Fatalf("WalkSubtree: %v", err)
	}
	if len(entries) != 2 || entries[0].Path != "/etc/a" || entries[1].Path != "/etc/sub/b" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	single, err := s.WalkSubtree(context.Background(), "/bin/c")
	if err != nil {
		t.Fatalf("WalkSubtree file: %v", err)
	}
	if len(single) != 1 || single[0].Path != "/bin/c" {
		t.Fatalf("unexpected entries: %+v", single)
	}

	if _, err := s.WalkSubtree(context.Background(), "/gone"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestEntry_AbsentAndSymlink(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "etc/real", "x", 0644)
	os.Symlink("real", filepath.Join(root, "etc", "alias"))

	s, _ := New(root, nil, testLogger())

	if e, err := s.Entry("/etc/missing"); err != nil || e != nil {
		t.Errorf("expected absent, got %+v, %v", e, err)
	}
	if e, err := s.Entry("/etc/alias"); err != nil || e != nil {
		t.Errorf("expected symlink treated as absent, got %+v, %v", e, err)
	}
}

func TestCanonical(t *testing.T) {
	s, _ := New("/mnt/img", nil, testLogger())

	got, err := s.Canonical("/mnt/img/etc/passwd")
	if err != nil || got != "/etc/passwd" {
		t.Errorf("expected /etc/passwd, got %q (%v)", got, err)
	}
	if got, _ := s.Canonical("/mnt/img"); got != "/" {
		t.Errorf("expected /, got %q", got)
	}
	if _, err := s.Canonical("/etc/passwd"); err == nil {
		t.Error("expected error for path outside root")
	}
	if hp := s.HostPath("/etc/passwd"); hp != "/mnt/img/etc/passwd" {
		t.Errorf("unexpected host path %s", hp)
	}
}

func TestHashFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "f", "hello\n", 0644)
	got, err := HashFile(filepath.Join(root, "f"))
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if got != helloSHA512 {
		t.Errorf("unexpected hash %s", got)
	}
}

func TestNew_SymlinkedRoot(t *testing.T) {
	target := t.TempDir()
	writeFile(t, target, "etc/passwd", "hello\n", 0644)
	link := filepath.Join(t.TempDir(), "image")
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	s, err := New(link, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entries, err := s.Walk(context.Background())
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "/etc/passwd" {
		t.Fatalf("expected /etc/passwd through the symlinked root, got %+v", entries)
	}
	if entries[0].ContentHash != helloSHA512 {
		t.Errorf("unexpected hash: %s", entries[0].ContentHash)
	}
}

func TestNew_RootNotDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "file", "x", 0644)
	if err := os.Symlink(filepath.Join(root, "file"), filepath.Join(root, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	for _, p := range []string{"file", "link"} {
		if _, err := New(filepath.Join(root, p), nil, testLogger()); err == nil {
			t.Errorf("New(%s): expected error for non-directory root", p)
		}
	}
}
