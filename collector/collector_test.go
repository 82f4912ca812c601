package collector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pilot-net/golden-integrity/collector/internal/config"
	"github.com/pilot-net/golden-integrity/pkg/client"
	"github.com/pilot-net/golden-integrity/pkg/signing"
	"github.com/pilot-net/golden-integrity/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeTree creates files relative to root.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

// fakeService records uploaded baselines.
type fakeService struct {
	mu        sync.Mutex
	baselines []types.Baseline
	auth      []string
	status    int
}

func (f *fakeService) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/baselines" {
			http.NotFound(w, r)
			return
		}
		var b types.Baseline
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.baselines = append(f.baselines, b)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		status := f.status
		f.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":"storage failure"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(b.Summary())
	})
}

func testConfig(root, url string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.ImageID = "img-1"
	cfg.Scan.Root = root
	cfg.Metadata.URL = url
	cfg.Metadata.Token = "col-token"
	return cfg
}

func TestCollector_RunUploadsOnce(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"usr/bin/tool":   "binary",
		"etc/passwd":     "root:x:0:0",
		"var/log/syslog": "volatile",
		"tmp/scratch":    "volatile",
	})
	if err := os.Symlink("/usr/bin/tool", filepath.Join(root, "usr/bin/link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	fake := &fakeService{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c, err := New(testConfig(root, srv.URL), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Uploaded {
		t.Error("expected upload")
	}
	if len(fake.baselines) != 1 {
		t.Fatalf("uploads = %d, want exactly 1", len(fake.baselines))
	}
	if fake.auth[0] != "Bearer col-token" {
		t.Errorf("Authorization = %q", fake.auth[0])
	}

	got := fake.baselines[0]
	var paths []string
	for _, e := range got.Entries {
		paths = append(paths, e.Path)
	}
	want := []string{"/etc/passwd", "/usr/bin/tool"}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Errorf("paths = %v, want %v", paths, want)
	}
	if result.Summary.EntryCount != 2 || result.Summary.Signed {
		t.Errorf("unexpected summary %+v", result.Summary)
	}
}

func TestCollector_RunIsIdempotentPerImage(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"etc/hosts": "127.0.0.1 localhost"})

	fake := &fakeService{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c, err := New(testConfig(root, srv.URL), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := c.Run(context.Background()); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}

	a, b := fake.baselines[0], fake.baselines[1]
	if a.ImageID != b.ImageID || len(a.Entries) != len(b.Entries) || a.Entries[0] != b.Entries[0] {
		t.Errorf("two runs over an unchanged tree differ: %+v vs %+v", a, b)
	}
}

func TestCollector_RunSigned(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"etc/hosts": "127.0.0.1 localhost"})

	fake := &fakeService{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(root, srv.URL)
	cfg.Signing.Enabled = true
	cfg.Signing.Backend = "local"
	cfg.Signing.LocalKeyDir = t.TempDir()

	c, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.KeyFingerprint == "" {
		t.Error("expected key fingerprint")
	}

	pub, err := c.PublicKey(context.Background())
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	trusted, err := signing.ParsePublicKey([]byte(pub))
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}

	uploaded := fake.baselines[0]
	if err := signing.Verify(&uploaded, trusted); err != nil {
		t.Fatalf("uploaded baseline does not verify: %v", err)
	}

	// After rotation the old signature no longer verifies.
	rotated, err := c.RotateKey(context.Background())
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	newKey, err := signing.ParsePublicKey([]byte(rotated))
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if err := signing.Verify(&uploaded, newKey); !errors.Is(err, signing.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature with rotated key, got %v", err)
	}
}

func TestCollector_NoUploadWritesOutput(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"opt/app/run.sh": "#!/bin/sh"})
	out := filepath.Join(t.TempDir(), "baseline.json")

	cfg := testConfig(root, "")
	cfg.NoUpload = true
	cfg.Output = out
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	c, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Uploaded || result.OutputPath != out {
		t.Errorf("unexpected result %+v", result)
	}

	b, err := ReadBaseline(out)
	if err != nil {
		t.Fatalf("ReadBaseline: %v", err)
	}
	if b.ImageID != "img-1" || len(b.Entries) != 1 || b.Entries[0].Path != "/opt/app/run.sh" {
		t.Errorf("unexpected baseline %+v", b)
	}

	if _, err := c.Upload(context.Background(), b); err == nil {
		t.Error("Upload should fail when upload is disabled")
	}
}

func TestCollector_UploadFailure(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"etc/hosts": "x"})

	fake := &fakeService{status: http.StatusInternalServerError}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c, err := New(testConfig(root, srv.URL), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Run(context.Background())
	if !errors.Is(err, client.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCollector_MissingRoot(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "missing"), "http://127.0.0.1:1")
	c, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing scan root")
	}
}

func TestCollector_UploadExported(t *testing.T) {
	fake := &fakeService{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c, err := New(testConfig(t.TempDir(), srv.URL), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bad := &types.Baseline{ImageID: ""}
	if _, err := c.Upload(context.Background(), bad); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(fake.baselines) != 0 {
		t.Fatal("invalid baseline must not be uploaded")
	}

	good := &types.Baseline{ImageID: "img-2", Entries: []types.FileIntegrityEntry{
		{Path: "/etc/hosts", ContentHash: strings.Repeat("b", types.ContentHashLength), Mode: 0o644},
	}}
	summary, err := c.Upload(context.Background(), good)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if summary.ImageID != "img-2" || summary.EntryCount != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
}
