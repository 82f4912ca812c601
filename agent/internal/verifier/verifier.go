// Package verifier checks filesystem events against the trusted baseline.
//
// # Design
//
// Events are submitted by a single dispatcher and verified by a fixed pool
// of workers reading from a bounded queue. Each job re-scans the event's
// scope (one file, or a directory subtree) and diffs it against the current
// baseline snapshot.
//
// # Permission events
//
// A permission event is always answered, exactly once:
//  1. by its worker, after verification
//  2. by the overflow decision, when the queue is full
//  3. by the overflow decision, when PermissionTimeout elapses first
//
// # Overflow
//
// Lost events (kernel overflow, a full queue) schedule a rescan of the
// affected scope. Rescans run on their own goroutine so they never compete
// with permission events for workers.
package verifier

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pilot-net/golden-integrity/agent/internal/metrics"
	"github.com/pilot-net/golden-integrity/agent/internal/monitor"
	"github.com/pilot-net/golden-integrity/pkg/diff"
	"github.com/pilot-net/golden-integrity/pkg/scan"
)

// Config for the verifier.
type Config struct {
	Workers           int           // Concurrent verification workers
	QueueSize         int           // Pending jobs before overflow
	PermissionTimeout time.Duration // Max wait before a permission event gets the overflow decision
	OverflowAllow     bool          // Decision for events that cannot be verified in time
	DenyOnViolation   bool          // Deny opens of files that differ from the baseline
}

// Result is the outcome of one verification.
type Result struct {
	Scope     string // canonical path that was verified
	Rescan    bool
	Anomalies []diff.Anomaly
	Err       error
}

// Gate reports whether the agent has failed closed.
type Gate interface {
	Denying() bool
}

type job struct {
	ev    *monitor.Event
	scope string
	timer *time.Timer // permission timeout, nil for observe events
}

// Verifier runs the verification worker pool.
type Verifier struct {
	cfg      Config
	scanner  *scan.Scanner
	watch    []string
	snapshot func() *diff.Snapshot
	gate     Gate
	logger   *slog.Logger

	queueMu sync.RWMutex
	queue   chan job
	closed  bool

	pendingMu sync.Mutex
	pending   map[string]bool

	armed atomic.Int64 // permission timers not yet fired or stopped

	rescanMu sync.Mutex
	rescans  map[string]bool
	rescanCh chan struct{}

	results  chan Result
	quit     chan struct{}
	quitOnce sync.Once
	workers  sync.WaitGroup
	rescanWG sync.WaitGroup
}

// New creates a verifier. watch holds the canonical watch scopes; snapshot
// returns the baseline in force.
func New(cfg Config, scanner *scan.Scanner, watch []string, snapshot func() *diff.Snapshot, gate Gate, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = 5 * time.Second
	}

	return &Verifier{
		cfg:      cfg,
		scanner:  scanner,
		watch:    watch,
		snapshot: snapshot,
		gate:     gate,
		logger:   logger.With("component", "verifier"),
		queue:    make(chan job, cfg.QueueSize),
		pending:  make(map[string]bool),
		rescans:  make(map[string]bool),
		rescanCh: make(chan struct{}, 1),
		results:  make(chan Result, cfg.QueueSize),
		quit:     make(chan struct{}),
	}
}

// Results returns verification outcomes that carry anomalies or errors.
// It is closed by Stop.
func (v *Verifier) Results() <-chan Result {
	return v.results
}

// Start launches the workers and the rescanner.
func (v *Verifier) Start(ctx context.Context) {
	for i := 0; i < v.cfg.Workers; i++ {
		v.workers.Add(1)
		go func() {
			defer v.workers.Done()
			v.work(ctx)
		}()
	}

	v.rescanWG.Add(1)
	go func() {
		defer v.rescanWG.Done()
		v.rescanLoop(ctx)
	}()

	v.logger.Info("verifier started", "workers", v.cfg.Workers, "queue_size", v.cfg.QueueSize)
}

// Dispatch submits every event until the channel closes, then closes the
// queue.
func (v *Verifier) Dispatch(events <-chan *monitor.Event) {
	for ev := range events {
		v.Submit(ev)
	}
	v.closeQueue()
}

// Submit routes one event. It never blocks.
func (v *Verifier) Submit(ev *monitor.Event) {
	canonical, err := v.scanner.Canonical(ev.Path)
	if err != nil {
		v.respond(ev, true, "out_of_scope")
		return
	}

	if ev.Op.Has(monitor.OpOverflow) {
		v.ScheduleRescan(canonical)
		return
	}

	if !v.watched(canonical) || v.scanner.Excluded(canonical) {
		v.respond(ev, true, "out_of_scope")
		return
	}

	if ev.IsPermission() && v.gate.Denying() {
		v.respond(ev, false, "fail_closed")
		return
	}

	if !ev.IsPermission() {
		v.pendingMu.Lock()
		if v.pending[canonical] {
			v.pendingMu.Unlock()
			return
		}
		v.pending[canonical] = true
		v.pendingMu.Unlock()
	}

	j := job{ev: ev, scope: canonical}
	if ev.IsPermission() {
		v.armed.Add(1)
		j.timer = time.AfterFunc(v.cfg.PermissionTimeout, func() {
			v.armed.Add(-1)
			if !ev.Responded() {
				v.respond(ev, v.cfg.OverflowAllow, "timeout")
			}
		})
	}

	if !v.enqueue(j) {
		v.disarm(j)
		metrics.QueueOverflowsTotal.Inc()
		if !ev.IsPermission() {
			v.clearPending(canonical)
		}
		v.respond(ev, v.cfg.OverflowAllow, "overflow")
		v.ScheduleRescan(path.Dir(canonical))
	}
}

func (v *Verifier) enqueue(j job) bool {
	v.queueMu.RLock()
	defer v.queueMu.RUnlock()
	if v.closed {
		return false
	}
	select {
	case v.queue <- j:
		metrics.QueueDepth.Set(float64(len(v.queue)))
		return true
	default:
		return false
	}
}

func (v *Verifier) closeQueue() {
	v.queueMu.Lock()
	defer v.queueMu.Unlock()
	if !v.closed {
		v.closed = true
		close(v.queue)
	}
}

// disarm stops the permission timeout of an answered job.
func (v *Verifier) disarm(j job) {
	if j.timer != nil && j.timer.Stop() {
		v.armed.Add(-1)
	}
}

func (v *Verifier) clearPending(scope string) {
	v.pendingMu.Lock()
	delete(v.pending, scope)
	v.pendingMu.Unlock()
}

func (v *Verifier) respond(ev *monitor.Event, allow bool, reason string) {
	if !ev.IsPermission() || ev.Responded() {
		return
	}
	decision := "allow"
	if !allow {
		decision = "deny"
	}
	metrics.PermissionDecisionsTotal.WithLabelValues(decision, reason).Inc()
	if err := ev.Respond(allow); err != nil {
		v.logger.Error("failed to answer permission event", "path", ev.Path, "error", err)
	}
	if !allow {
		v.logger.Warn("denied access", "path", ev.Path, "pid", ev.Pid, "reason", reason)
	}
}

func (v *Verifier) watched(canonical string) bool {
	for _, w := range v.watch {
		if diff.Under(w, canonical) {
			return true
		}
	}
	return false
}

// =============================================================================
// WORKERS
// =============================================================================

func (v *Verifier) work(ctx context.Context) {
	for j := range v.queue {
		metrics.QueueDepth.Set(float64(len(v.queue)))

		select {
		case <-v.quit:
			v.respond(j.ev, v.cfg.OverflowAllow, "shutdown")
			v.disarm(j)
			continue
		default:
		}

		if !j.ev.IsPermission() {
			v.clearPending(j.scope)
		}
		v.process(ctx, j)
		v.disarm(j)
	}
}

func (v *Verifier) process(ctx context.Context, j job) {
	snap := v.snapshot()
	if snap == nil {
		v.respond(j.ev, true, "no_baseline")
		return
	}

	start := time.Now()
	anomalies, err := v.verify(ctx, snap, j.scope)
	metrics.VerificationDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.VerificationsTotal.WithLabelValues("error").Inc()
		v.respond(j.ev, v.cfg.OverflowAllow, "error")
	case v.gate.Denying():
		metrics.VerificationsTotal.WithLabelValues(resultLabel(anomalies)).Inc()
		v.respond(j.ev, false, "fail_closed")
	case len(anomalies) > 0:
		metrics.VerificationsTotal.WithLabelValues("anomaly").Inc()
		if v.cfg.DenyOnViolation && touches(anomalies, j.scope) {
			v.respond(j.ev, false, "violation")
		} else {
			v.respond(j.ev, true, "violation_allowed")
		}
	default:
		metrics.VerificationsTotal.WithLabelValues("match").Inc()
		v.respond(j.ev, true, "match")
	}

	v.emit(Result{Scope: j.scope, Anomalies: anomalies, Err: err})
}

func (v *Verifier) verify(ctx context.Context, snap *diff.Snapshot, scope string) ([]diff.Anomaly, error) {
	entries, err := v.scanner.WalkSubtree(ctx, scope)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return diff.Compare(snap, scope, entries, v.scanner.Excluded), nil
}

func (v *Verifier) emit(r Result) {
	if len(r.Anomalies) == 0 && r.Err == nil {
		return
	}
	select {
	case v.results <- r:
	case <-v.quit:
	}
}

func touches(anomalies []diff.Anomaly, scope string) bool {
	for _, a := range anomalies {
		if a.Path == scope {
			return true
		}
	}
	return false
}

func resultLabel(anomalies []diff.Anomaly) string {
	if len(anomalies) > 0 {
		return "anomaly"
	}
	return "match"
}

// =============================================================================
// RESCANS
// =============================================================================

// ScheduleRescan queues a subtree for a full re-verification. Scopes above
// the watch paths expand to the watch paths beneath them.
func (v *Verifier) ScheduleRescan(scope string) {
	scope = path.Clean("/" + scope)

	var scopes []string
	if v.watched(scope) {
		scopes = []string{scope}
	} else {
		for _, w := range v.watch {
			if diff.Under(scope, w) {
				scopes = append(scopes, w)
			}
		}
	}
	if len(scopes) == 0 {
		return
	}

	v.rescanMu.Lock()
	for _, s := range scopes {
		v.rescans[s] = true
	}
	v.rescanMu.Unlock()

	select {
	case v.rescanCh <- struct{}{}:
	default:
	}
}

// takeRescans returns the pending scopes with nested ones removed.
func (v *Verifier) takeRescans() []string {
	v.rescanMu.Lock()
	scopes := make([]string, 0, len(v.rescans))
	for s := range v.rescans {
		scopes = append(scopes, s)
	}
	v.rescans = make(map[string]bool)
	v.rescanMu.Unlock()

	sort.Strings(scopes)
	var out []string
	for _, s := range scopes {
		if len(out) > 0 && diff.Under(out[len(out)-1], s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (v *Verifier) rescanLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.quit:
			return
		case <-v.rescanCh:
		}

		snap := v.snapshot()
		if snap == nil {
			continue
		}
		for _, scope := range v.takeRescans() {
			v.logger.Info("rescanning", "scope", scope)
			anomalies, err := v.verify(ctx, snap, scope)
			if err != nil {
				metrics.VerificationsTotal.WithLabelValues("error").Inc()
			} else {
				metrics.VerificationsTotal.WithLabelValues(resultLabel(anomalies)).Inc()
			}
			v.emit(Result{Scope: scope, Rescan: true, Anomalies: anomalies, Err: err})
		}
	}
}

// FullDiff verifies every watch scope synchronously.
func (v *Verifier) FullDiff(ctx context.Context) ([]diff.Anomaly, error) {
	snap := v.snapshot()
	if snap == nil {
		return nil, errors.New("no baseline loaded")
	}
	var all []diff.Anomaly
	for _, scope := range v.watch {
		anomalies, err := v.verify(ctx, snap, scope)
		if err != nil {
			return nil, err
		}
		all = append(all, anomalies...)
	}
	return all, nil
}

// Stop closes the queue and waits up to drainTimeout for queued jobs to
// finish. Jobs still queued afterwards get the overflow decision. Results
// is closed on return. Reports whether the queue drained in time.
func (v *Verifier) Stop(drainTimeout time.Duration) bool {
	v.closeQueue()

	done := make(chan struct{})
	go func() {
		v.workers.Wait()
		close(done)
	}()

	drained := true
	select {
	case <-done:
	case <-time.After(drainTimeout):
		drained = false
		v.logger.Warn("verification queue not drained in time", "remaining", len(v.queue))
	}

	v.quitOnce.Do(func() { close(v.quit) })
	<-done
	v.rescanWG.Wait()
	close(v.results)
	return drained
}
