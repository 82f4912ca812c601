package failclosed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockAction is a test action for unit tests.
type MockAction struct {
	ActionName  string
	Deps        []string
	ExecuteFunc func(ctx context.Context, ev Event) error
	calls       int
}

func (m *MockAction) Name() string {
	return m.ActionName
}

func (m *MockAction) Dependencies() []string {
	return m.Deps
}

func (m *MockAction) Execute(ctx context.Context, ev Event) error {
	m.calls++
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, ev)
	}
	return nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(testLogger())

	a := &MockAction{ActionName: "test"}

	// First registration should succeed
	if err := r.Register(a); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	// Duplicate registration should fail
	if err := r.Register(a); err == nil {
		t.Fatal("expected error for duplicate registration")
	}
}

func TestRegistry_MissingDependency(t *testing.T) {
	r := NewRegistry(testLogger())
	r.lookPath = func(name string) (string, error) {
		if name == "present" {
			return "/usr/bin/present", nil
		}
		return "", errors.New("not found")
	}

	if err := r.Register(&MockAction{ActionName: "ok", Deps: []string{"present"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := r.Register(&MockAction{ActionName: "broken", Deps: []string{"missing-binary"}})
	if err == nil || !strings.Contains(err.Error(), "missing-binary") {
		t.Fatalf("expected missing dependency error, got %v", err)
	}
	if _, ok := r.Get("broken"); ok {
		t.Error("action with missing dependency should not be registered")
	}
}

func TestRegistry_ExecuteRunsAllInOrder(t *testing.T) {
	r := NewRegistry(testLogger())

	var order []string
	record := func(name string, err error) *MockAction {
		return &MockAction{
			ActionName: name,
			ExecuteFunc: func(ctx context.Context, ev Event) error {
				order = append(order, name)
				return err
			},
		}
	}
	r.Register(record("first", nil))
	r.Register(record("second", errors.New("boom")))
	r.Register(record("third", nil))

	err := r.Execute(context.Background(), Event{Reason: "test"})
	if err == nil || !strings.Contains(err.Error(), "second: boom") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if strings.Join(order, ",") != "first,second,third" {
		t.Errorf("order = %v", order)
	}
	if got := r.List(); strings.Join(got, ",") != "first,second,third" {
		t.Errorf("List() = %v", got)
	}
}

func TestMarkerAction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "quarantine")
	a := &MarkerAction{Path: path}

	ev := Event{AgentID: "a1", ImageID: "img", Reason: "threshold", ConsecutiveAnomalies: 5, At: time.Now().UTC()}
	if err := a.Execute(context.Background(), ev); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("marker not written: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("marker is not JSON: %v", err)
	}
	if got.AgentID != "a1" || got.ConsecutiveAnomalies != 5 {
		t.Errorf("unexpected marker %+v", got)
	}
}

func TestSystemdStopAction(t *testing.T) {
	var calls []string
	a := &SystemdStopAction{
		Units: []string{"app.service", "worker.service"},
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			calls = append(calls, name+" "+strings.Join(args, " "))
			if args[1] == "worker.service" {
				return []byte("Unit worker.service not loaded."), errors.New("exit status 5")
			}
			return nil, nil
		},
	}

	err := a.Execute(context.Background(), Event{})
	if err == nil || !strings.Contains(err.Error(), "worker.service") {
		t.Fatalf("expected error naming the failed unit, got %v", err)
	}
	want := []string{"systemctl stop app.service", "systemctl stop worker.service"}
	if strings.Join(calls, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestBuild(t *testing.T) {
	gate := &Gate{}
	exited := false

	r, err := Build([]string{"log", "marker", "exit"}, BuildOptions{
		Logger:     testLogger(),
		Gate:       gate,
		MarkerPath: filepath.Join(t.TempDir(), "marker"),
		OnExit:     func() { exited = true },
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// deny is implied and runs before exit.
	if got := strings.Join(r.List(), ","); got != "log,marker,deny,exit" {
		t.Errorf("actions = %s", got)
	}

	if err := r.Execute(context.Background(), Event{Reason: "test"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !gate.Denying() {
		t.Error("gate should be closed")
	}
	if !exited {
		t.Error("exit handler not called")
	}

	if _, err := Build([]string{"reboot"}, BuildOptions{Gate: gate}); err == nil {
		t.Error("expected error for unknown action")
	}
	if _, err := Build(nil, BuildOptions{}); err == nil {
		t.Error("expected error without a gate")
	}
}

func TestBuild_DenyRunsAfterOtherActions(t *testing.T) {
	orig := lookPath
	lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	defer func() { lookPath = orig }()

	gate := &Gate{}
	r, err := Build([]string{"log", "deny", "systemd-stop"}, BuildOptions{
		Logger:       testLogger(),
		Gate:         gate,
		SystemdUnits: []string{"app.service"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := strings.Join(r.List(), ","); got != "log,systemd-stop,deny" {
		t.Fatalf("actions = %s", got)
	}

	stop := r.actions["systemd-stop"].(*SystemdStopAction)
	closedDuringStop := true
	stop.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		closedDuringStop = gate.Denying()
		return nil, nil
	}

	if err := r.Execute(context.Background(), Event{Reason: "test"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if closedDuringStop {
		t.Error("gate was already denying when systemctl ran")
	}
	if !gate.Denying() {
		t.Error("gate should be closed after Execute")
	}
}
