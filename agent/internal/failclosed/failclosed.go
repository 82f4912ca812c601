// Package failclosed defines the actions the agent runs when it fails closed.
//
// # Design Principles
//
// 1. Small interface: every mechanism (process exit, unit stop, quarantine
// marker) implements Action
// 2. Dependencies declared up front: missing binaries are detected at
// registration, not at the moment the host has to be closed
// 3. All actions run: one failing action does not skip the rest
//
// # Adding New Actions
//
//	type IsolateAction struct { /* ... */ }
//	func (a *IsolateAction) Name() string { return "isolate" }
//	func (a *IsolateAction) Dependencies() []string { return []string{"nft"} }
//	func (a *IsolateAction) Execute(ctx, ev) error { /* ... */ }
//
//	// In agent startup:
//	registry.Register(&IsolateAction{})
package failclosed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// lookPath resolves action dependencies; tests replace it.
var lookPath = exec.LookPath

// Action is one fail-closed mechanism.
type Action interface {
	// Name returns the identifier used in policy.actions.
	Name() string

	// Dependencies lists external binaries the action needs.
	Dependencies() []string

	// Execute performs the action. It is called exactly once per agent run.
	Execute(ctx context.Context, ev Event) error
}

// Event describes why the agent failed closed.
type Event struct {
	AgentID              string    `json:"agent_id"`
	ImageID              string    `json:"image_id"`
	Reason               string    `json:"reason"`
	ConsecutiveAnomalies int       `json:"consecutive_anomalies"`
	At                   time.Time `json:"at"`
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the configured actions in registration order.
type Registry struct {
	actions  map[string]Action
	order    []string
	lookPath func(string) (string, error)
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		actions:  make(map[string]Action),
		lookPath: lookPath,
		logger:   logger.With("component", "failclosed"),
	}
}

// Register adds an action.
// Returns an error if dependencies are missing or the action is already registered.
func (r *Registry) Register(a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action already registered: %s", name)
	}

	for _, dep := range a.Dependencies() {
		if _, err := r.lookPath(dep); err != nil {
			return fmt.Errorf("action %s missing dependency: %s", name, dep)
		}
	}

	r.actions[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get returns an action by name.
func (r *Registry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// List returns the registered action names in execution order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Execute runs every action in order and joins their errors.
func (r *Registry) Execute(ctx context.Context, ev Event) error {
	r.mu.RLock()
	actions := make([]Action, 0, len(r.order))
	for _, name := range r.order {
		actions = append(actions, r.actions[name])
	}
	r.mu.RUnlock()

	var errs []error
	for _, a := range actions {
		if err := a.Execute(ctx, ev); err != nil {
			r.logger.Error("fail-closed action failed", "action", a.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
			continue
		}
		r.logger.Info("fail-closed action executed", "action", a.Name())
	}
	return errors.Join(errs...)
}

// =============================================================================
// GATE
// =============================================================================

// Gate is the shared deny switch consulted for permission events. Once
// closed it stays closed.
type Gate struct {
	closed atomic.Bool
}

// Close makes every subsequent permission decision a denial.
func (g *Gate) Close() {
	g.closed.Store(true)
}

// Denying reports whether the gate is closed.
func (g *Gate) Denying() bool {
	return g.closed.Load()
}
