package failclosed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// LogAction records the event at error level.
type LogAction struct {
	Logger *slog.Logger
}

func (a *LogAction) Name() string           { return "log" }
func (a *LogAction) Dependencies() []string { return nil }

func (a *LogAction) Execute(ctx context.Context, ev Event) error {
	a.Logger.Error("FAIL-CLOSED: host no longer matches its trusted baseline",
		"agent_id", ev.AgentID,
		"image_id", ev.ImageID,
		"reason", ev.Reason,
		"consecutive_anomalies", ev.ConsecutiveAnomalies)
	return nil
}

// DenyAction closes the permission gate.
type DenyAction struct {
	Gate *Gate
}

func (a *DenyAction) Name() string           { return "deny" }
func (a *DenyAction) Dependencies() []string { return nil }

func (a *DenyAction) Execute(ctx context.Context, ev Event) error {
	a.Gate.Close()
	return nil
}

// MarkerAction writes a quarantine marker for orchestrators to pick up.
type MarkerAction struct {
	Path string
}

func (a *MarkerAction) Name() string           { return "marker" }
func (a *MarkerAction) Dependencies() []string { return nil }

func (a *MarkerAction) Execute(ctx context.Context, ev Event) error {
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling marker: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.Path), 0755); err != nil {
		return fmt.Errorf("creating marker directory: %w", err)
	}
	if err := os.WriteFile(a.Path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing marker: %w", err)
	}
	return nil
}

// SystemdStopAction stops systemd units.
type SystemdStopAction struct {
	Units []string

	// run executes a command; tests replace it.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func (a *SystemdStopAction) Name() string           { return "systemd-stop" }
func (a *SystemdStopAction) Dependencies() []string { return []string{"systemctl"} }

func (a *SystemdStopAction) Execute(ctx context.Context, ev Event) error {
	run := a.run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		}
	}

	var failed []string
	for _, unit := range a.Units {
		if out, err := run(ctx, "systemctl", "stop", unit); err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v: %s)", unit, err, strings.TrimSpace(string(out))))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("stopping units: %s", strings.Join(failed, "; "))
	}
	return nil
}

// ExitAction asks the agent to terminate.
type ExitAction struct {
	Request func()
}

func (a *ExitAction) Name() string           { return "exit" }
func (a *ExitAction) Dependencies() []string { return nil }

func (a *ExitAction) Execute(ctx context.Context, ev Event) error {
	a.Request()
	return nil
}

// BuildOptions carries what the built-in actions need.
type BuildOptions struct {
	Logger       *slog.Logger
	Gate         *Gate
	MarkerPath   string
	SystemdUnits []string
	OnExit       func()
}

// Build creates a registry with the named actions. The deny action is
// always registered and runs after every other action except exit, so that
// commands spawned by earlier actions are not refused by the closed gate.
func Build(names []string, opts BuildOptions) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := NewRegistry(opts.Logger)

	ordered := make([]string, 0, len(names)+1)
	hasExit := false
	for _, n := range names {
		switch n {
		case "deny":
		case "exit":
			hasExit = true
		default:
			ordered = append(ordered, n)
		}
	}
	ordered = append(ordered, "deny")
	if hasExit {
		ordered = append(ordered, "exit")
	}

	for _, name := range ordered {
		var a Action
		switch name {
		case "log":
			a = &LogAction{Logger: opts.Logger}
		case "deny":
			if opts.Gate == nil {
				return nil, fmt.Errorf("deny action requires a gate")
			}
			a = &DenyAction{Gate: opts.Gate}
		case "marker":
			a = &MarkerAction{Path: opts.MarkerPath}
		case "systemd-stop":
			a = &SystemdStopAction{Units: opts.SystemdUnits}
		case "exit":
			if opts.OnExit == nil {
				return nil, fmt.Errorf("exit action requires an exit handler")
			}
			a = &ExitAction{Request: opts.OnExit}
		default:
			return nil, fmt.Errorf("unknown fail-closed action: %s", name)
		}
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}
