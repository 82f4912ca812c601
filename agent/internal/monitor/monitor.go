// Package monitor abstracts kernel file-event sources.
//
// A Source delivers Events for paths under its watch list. Permission
// events hold the triggering filesystem operation until Respond is called;
// observe-only events report an operation that already happened.
//
// # Sources
//
//   - Fanotify: Linux fanotify with FAN_OPEN_PERM, permission capable
//   - Notify: fsnotify (inotify) watches, observe only; catches creates,
//     removes, renames and chmods that fanotify mount marks do not report
//   - Synthetic: events injected by tests
//
// Sources are combined with NewMulti.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrUnsupported is returned by sources that cannot run on this platform.
var ErrUnsupported = errors.New("event source not supported on this platform")

// Op is a set of filesystem operations.
type Op uint32

const (
	OpOpen Op = 1 << iota
	OpWrite
	OpCreate
	OpRemove
	OpRename
	OpChmod
	// OpOverflow means events were lost; Path is the subtree to rescan.
	OpOverflow
)

var opNames = []struct {
	op   Op
	name string
}{
	{OpOpen, "open"},
	{OpWrite, "write"},
	{OpCreate, "create"},
	{OpRemove, "remove"},
	{OpRename, "rename"},
	{OpChmod, "chmod"},
	{OpOverflow, "overflow"},
}

// Has reports whether o includes op.
func (o Op) Has(op Op) bool {
	return o&op != 0
}

func (o Op) String() string {
	var parts []string
	for _, n := range opNames {
		if o.Has(n.op) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Event is one filesystem event. Path is a host path.
type Event struct {
	Path string
	Op   Op
	Pid  int

	respond   func(allow bool) error
	responded atomic.Bool
}

// NewEvent creates an observe-only event.
func NewEvent(path string, op Op) *Event {
	return &Event{Path: path, Op: op}
}

// NewPermissionEvent creates an event that must be answered. respond is
// called at most once.
func NewPermissionEvent(path string, op Op, respond func(allow bool) error) *Event {
	return &Event{Path: path, Op: op, respond: respond}
}

// IsPermission reports whether the event holds an operation pending a
// decision.
func (e *Event) IsPermission() bool {
	return e.respond != nil
}

// Respond answers a permission event. Only the first call has an effect;
// observe-only events ignore it.
func (e *Event) Respond(allow bool) error {
	if e.respond == nil || !e.responded.CompareAndSwap(false, true) {
		return nil
	}
	return e.respond(allow)
}

// Responded reports whether Respond has been called on a permission event.
func (e *Event) Responded() bool {
	return e.responded.Load()
}

// Source is a stream of filesystem events.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// PermissionCapable reports whether events can be denied.
	PermissionCapable() bool

	// Start begins delivery. Events is closed after the source stops.
	Start(ctx context.Context) error

	// Events returns the event stream.
	Events() <-chan *Event

	// Close stops the source. Pending permission events are released by
	// the kernel.
	Close() error
}

// =============================================================================
// MULTI
// =============================================================================

// Multi fans several sources into one stream.
type Multi struct {
	sources []Source
	events  chan *Event
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewMulti combines sources. Events closes once every source has closed.
func NewMulti(logger *slog.Logger, sources ...Source) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{
		sources: sources,
		events:  make(chan *Event, 1024),
		logger:  logger,
	}
}

func (m *Multi) Name() string {
	names := make([]string, len(m.sources))
	for i, s := range m.sources {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

func (m *Multi) PermissionCapable() bool {
	for _, s := range m.sources {
		if s.PermissionCapable() {
			return true
		}
	}
	return false
}

func (m *Multi) Start(ctx context.Context) error {
	for i, s := range m.sources {
		if err := s.Start(ctx); err != nil {
			for _, started := range m.sources[:i] {
				started.Close()
			}
			return err
		}
	}

	for _, s := range m.sources {
		m.wg.Add(1)
		go func(s Source) {
			defer m.wg.Done()
			for ev := range s.Events() {
				m.events <- ev
			}
			m.logger.Debug("event source closed", "source", s.Name())
		}(s)
	}

	go func() {
		m.wg.Wait()
		close(m.events)
	}()
	return nil
}

func (m *Multi) Events() <-chan *Event {
	return m.events
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sources {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// SYNTHETIC
// =============================================================================

// Synthetic is a source whose events are injected with Emit.
type Synthetic struct {
	events     chan *Event
	permission bool
	closeOnce  sync.Once
}

// NewSynthetic creates a synthetic source.
func NewSynthetic(buffer int, permission bool) *Synthetic {
	return &Synthetic{
		events:     make(chan *Event, buffer),
		permission: permission,
	}
}

func (s *Synthetic) Name() string                    { return "synthetic" }
func (s *Synthetic) PermissionCapable() bool         { return s.permission }
func (s *Synthetic) Start(ctx context.Context) error { return nil }
func (s *Synthetic) Events() <-chan *Event           { return s.events }

// Emit delivers an event. It must not be called after Close.
func (s *Synthetic) Emit(ev *Event) {
	s.events <- ev
}

func (s *Synthetic) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}
