package verifier

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pilot-net/golden-integrity/agent/internal/monitor"
	"github.com/pilot-net/golden-integrity/pkg/diff"
	"github.com/pilot-net/golden-integrity/pkg/scan"
	"github.com/pilot-net/golden-integrity/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGate struct {
	denying atomic.Bool
}

func (g *fakeGate) Denying() bool { return g.denying.Load() }

type fixture struct {
	root    string
	scanner *scan.Scanner
	snap    *diff.Snapshot
	gate    *fakeGate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"usr/bin/tool":  "#!/bin/sh\necho tool\n",
		"etc/hosts":     "127.0.0.1 localhost\n",
		"etc/app/a.cfg": "a=1\n",
		"tmp/scratch":   "volatile\n",
	}
	for rel, content := range files {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	scanner, err := scan.New(root, nil, testLogger())
	if err != nil {
		t.Fatalf("scan.New: %v", err)
	}
	entries, err := scanner.Walk(context.Background())
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	snap := diff.NewSnapshot(&types.Baseline{ImageID: "img-1", CreatedAt: time.Now().UTC(), Entries: entries})

	return &fixture{root: root, scanner: scanner, snap: snap, gate: &fakeGate{}}
}

func (f *fixture) verifier(cfg Config) *Verifier {
	return New(cfg, f.scanner, []string{"/usr", "/etc"}, func() *diff.Snapshot { return f.snap }, f.gate, testLogger())
}

func (f *fixture) path(rel string) string {
	return filepath.Join(f.root, rel)
}

// permission returns an event and a channel receiving its single answer.
func permission(path string) (*monitor.Event, chan bool) {
	answers := make(chan bool, 2)
	ev := monitor.NewPermissionEvent(path, monitor.OpOpen, func(allow bool) error {
		answers <- allow
		return nil
	})
	return ev, answers
}

func waitAnswer(t *testing.T, answers chan bool) bool {
	t.Helper()
	select {
	case allow := <-answers:
		return allow
	case <-time.After(5 * time.Second):
		t.Fatal("permission event not answered")
		return false
	}
}

func waitResult(t *testing.T, v *Verifier) Result {
	t.Helper()
	select {
	case r := <-v.Results():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no verification result")
		return Result{}
	}
}

func TestPermissionAllowedWhenMatching(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(Config{Workers: 2, DenyOnViolation: true})
	v.Start(context.Background())
	defer v.Stop(time.Second)

	ev, answers := permission(f.path("usr/bin/tool"))
	v.Submit(ev)

	if !waitAnswer(t, answers) {
		t.Fatal("matching file was denied")
	}
	select {
	case r := <-v.Results():
		t.Fatalf("unexpected result %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPermissionDeniedOnModifiedFile(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.path("usr/bin/tool"), []byte("#!/bin/sh\nrm -rf /\n"), 0644); err != nil {
		t.Fatal(err)
	}

	v := f.verifier(Config{Workers: 1, DenyOnViolation: true})
	v.Start(context.Background())
	defer v.Stop(time.Second)

	ev, answers := permission(f.path("usr/bin/tool"))
	v.Submit(ev)

	if waitAnswer(t, answers) {
		t.Fatal("modified file was allowed")
	}
	r := waitResult(t, v)
	if len(r.Anomalies) != 1 || r.Anomalies[0].Kind != types.AnomalyModified || r.Anomalies[0].Path != "/usr/bin/tool" {
		t.Fatalf("unexpected anomalies %+v", r.Anomalies)
	}
}

func TestPermissionAllowedOnViolationWhenNotDenying(t *testing.T) {
	f := newFixture(t)
	if err := os.Chmod(f.path("etc/hosts"), 0666); err != nil {
		t.Fatal(err)
	}

	v := f.verifier(Config{Workers: 1, DenyOnViolation: false})
	v.Start(context.Background())
	defer v.Stop(time.Second)

	ev, answers := permission(f.path("etc/hosts"))
	v.Submit(ev)

	if !waitAnswer(t, answers) {
		t.Fatal("expected allow with deny_on_violation off")
	}
	r := waitResult(t, v)
	if len(r.Anomalies) != 1 || r.Anomalies[0].Kind != types.AnomalyMetadataChanged {
		t.Fatalf("unexpected anomalies %+v", r.Anomalies)
	}
}

func TestOutOfScopeAllowedImmediately(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(Config{Workers: 1})
	// No workers: anything that needs verification would hang.

	for _, rel := range []string{"tmp/scratch", "var/lib/other"} {
		ev, answers := permission(f.path(rel))
		v.Submit(ev)
		select {
		case allow := <-answers:
			if !allow {
				t.Errorf("%s: denied", rel)
			}
		default:
			t.Errorf("%s: not answered synchronously", rel)
		}
	}

	ev, answers := permission("/outside/the/root")
	v.Submit(ev)
	if !waitAnswer(t, answers) {
		t.Error("path outside the root was denied")
	}
}

func TestFailClosedDeniesImmediately(t *testing.T) {
	f := newFixture(t)
	f.gate.denying.Store(true)
	v := f.verifier(Config{Workers: 1})

	ev, answers := permission(f.path("usr/bin/tool"))
	v.Submit(ev)
	select {
	case allow := <-answers:
		if allow {
			t.Fatal("allowed while failed closed")
		}
	default:
		t.Fatal("not answered synchronously")
	}
}

func TestObserveOnlyRemove(t *testing.T) {
	f := newFixture(t)
	if err := os.Remove(f.path("etc/app/a.cfg")); err != nil {
		t.Fatal(err)
	}

	v := f.verifier(Config{Workers: 1})
	v.Start(context.Background())
	defer v.Stop(time.Second)

	v.Submit(monitor.NewEvent(f.path("etc/app/a.cfg"), monitor.OpRemove))

	r := waitResult(t, v)
	if len(r.Anomalies) != 1 || r.Anomalies[0].Kind != types.AnomalyDeleted {
		t.Fatalf("unexpected anomalies %+v", r.Anomalies)
	}
}

func TestOverflowSchedulesRescan(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.path("etc/app/dropped"), []byte("payload"), 0755); err != nil {
		t.Fatal(err)
	}

	v := f.verifier(Config{Workers: 1})
	v.Start(context.Background())
	defer v.Stop(time.Second)

	v.Submit(monitor.NewEvent(f.root, monitor.OpOverflow))

	r := waitResult(t, v)
	if !r.Rescan {
		t.Error("expected a rescan result")
	}
	if r.Scope != "/etc" {
		t.Errorf("scope = %q, want /etc", r.Scope)
	}
	if len(r.Anomalies) != 1 || r.Anomalies[0].Kind != types.AnomalyAdded || r.Anomalies[0].Path != "/etc/app/dropped" {
		t.Fatalf("unexpected anomalies %+v", r.Anomalies)
	}
}

func TestQueueFullUsesOverflowDecision(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(Config{Workers: 1, QueueSize: 1, PermissionTimeout: time.Minute, OverflowAllow: false})

	first, _ := permission(f.path("usr/bin/tool"))
	v.Submit(first)

	second, answers := permission(f.path("etc/hosts"))
	v.Submit(second)

	select {
	case allow := <-answers:
		if allow {
			t.Fatal("expected the deny overflow decision")
		}
	default:
		t.Fatal("overflowed event not answered synchronously")
	}

	v.rescanMu.Lock()
	scheduled := v.rescans["/etc"]
	v.rescanMu.Unlock()
	if !scheduled {
		t.Error("expected a rescan of the parent directory")
	}
}

func TestPermissionTimeout(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(Config{Workers: 1, PermissionTimeout: 20 * time.Millisecond, OverflowAllow: true})
	// Workers not started, so only the timeout can answer.

	ev, answers := permission(f.path("usr/bin/tool"))
	v.Submit(ev)

	if !waitAnswer(t, answers) {
		t.Fatal("expected the allow overflow decision")
	}
}

func TestAnsweredPermissionStopsTimer(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(Config{Workers: 2, PermissionTimeout: time.Hour, DenyOnViolation: true})
	v.Start(context.Background())
	defer v.Stop(time.Second)

	for i := 0; i < 10; i++ {
		ev, answers := permission(f.path("usr/bin/tool"))
		v.Submit(ev)
		if !waitAnswer(t, answers) {
			t.Fatal("matching file was denied")
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for v.armed.Load() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d permission timers still armed", v.armed.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestObserveOnlyCoalesced(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(Config{Workers: 1})

	for i := 0; i < 5; i++ {
		v.Submit(monitor.NewEvent(f.path("etc/hosts"), monitor.OpWrite))
	}
	if got := len(v.queue); got != 1 {
		t.Fatalf("queue length = %d, want 1", got)
	}
}

func TestFullDiff(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.path("usr/bin/tool"), []byte("tampered"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(f.path("etc/hosts")); err != nil {
		t.Fatal(err)
	}

	v := f.verifier(Config{})
	anomalies, err := v.FullDiff(context.Background())
	if err != nil {
		t.Fatalf("FullDiff: %v", err)
	}

	got := map[string]types.AnomalyKind{}
	for _, a := range anomalies {
		got[a.Path] = a.Kind
	}
	if len(got) != 2 || got["/usr/bin/tool"] != types.AnomalyModified || got["/etc/hosts"] != types.AnomalyDeleted {
		t.Fatalf("unexpected anomalies %v", got)
	}
}

func TestStopClosesResults(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(Config{Workers: 2})
	v.Start(context.Background())

	events := make(chan *monitor.Event)
	go v.Dispatch(events)
	close(events)

	if !v.Stop(time.Second) {
		t.Error("expected the queue to drain")
	}
	if _, ok := <-v.Results(); ok {
		t.Error("results channel still open")
	}
}
