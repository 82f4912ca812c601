// Package agent provides the integrity agent.
//
// # Agent Lifecycle
//
//  1. Load configuration
//  2. Start the alert reporter and heartbeat loop
//  3. Fetch the baseline for the configured image (Syncing)
//  4. Verify image id and signature against the trust anchor
//  5. Diff the monitored scope against the baseline
//  6. Attach the kernel event source and start verification workers
//  7. Monitor until shutdown, the exit action, or an operator restart
//
// Any failure in steps 3 or 4 fails closed. So does losing the event
// source while monitoring.
package agent

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pilot-net/golden-integrity/agent/internal/config"
	"github.com/pilot-net/golden-integrity/agent/internal/failclosed"
	"github.com/pilot-net/golden-integrity/agent/internal/metrics"
	"github.com/pilot-net/golden-integrity/agent/internal/monitor"
	"github.com/pilot-net/golden-integrity/agent/internal/reporter"
	"github.com/pilot-net/golden-integrity/agent/internal/state"
	"github.com/pilot-net/golden-integrity/agent/internal/verifier"
	"github.com/pilot-net/golden-integrity/pkg/client"
	"github.com/pilot-net/golden-integrity/pkg/diff"
	"github.com/pilot-net/golden-integrity/pkg/scan"
	"github.com/pilot-net/golden-integrity/pkg/signing"
	"github.com/pilot-net/golden-integrity/pkg/types"
)

// Version is set at build time.
var Version = "dev"

var (
	// ErrTrustAnchor means the baseline could not be fetched or trusted.
	ErrTrustAnchor = errors.New("trust anchor failure")
	// ErrExitRequested is returned by Run when the exit action fired.
	ErrExitRequested = errors.New("exit requested by fail-closed action")
)

// MetadataClient is the part of the metadata service API the agent uses.
type MetadataClient interface {
	GetBaseline(ctx context.Context, imageID string) (*types.Baseline, error)
	Heartbeat(ctx context.Context, heartbeat types.Heartbeat) (*types.HeartbeatResponse, error)
	ReportAlert(ctx context.Context, alert types.Alert) (*types.Alert, error)
}

// SourceFactory opens the event source for the given host paths. skip
// reports host directories that must not be watched.
type SourceFactory func(paths []string, skip func(hostPath string) bool, logger *slog.Logger) (monitor.Source, error)

// Option customizes an Agent.
type Option func(*Agent)

// WithClient replaces the metadata service client.
func WithClient(c MetadataClient) Option {
	return func(a *Agent) { a.client = c }
}

// WithSourceFactory replaces the kernel event source.
func WithSourceFactory(f SourceFactory) Option {
	return func(a *Agent) { a.newSource = f }
}

// Agent enforces a golden-image baseline on the running host.
type Agent struct {
	cfg       *config.Config
	client    MetadataClient
	scanner   *scan.Scanner
	watch     []string // canonical
	trusted   ssh.PublicKey
	trustErr  error
	machine   *state.Machine
	gate      *failclosed.Gate
	actions   *failclosed.Registry
	spool     *reporter.Spool
	reporter  *reporter.Reporter
	newSource SourceFactory
	logger    *slog.Logger

	snapshot atomic.Pointer[diff.Snapshot]
	verifier *verifier.Verifier

	// Reachability as last observed by the reporter or heartbeats
	reachable   atomic.Bool
	reachableCh chan struct{}

	resyncCh  chan struct{}
	exitCh    chan struct{}
	exitOnce  sync.Once
	closeOnce sync.Once

	hostname  string
	startTime time.Time
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	scanner, err := scan.New(cfg.Scan.Root, ownExclusions(cfg), logger)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:         cfg,
		scanner:     scanner,
		watch:       cfg.CanonicalWatchPaths(),
		machine:     state.New(state.Policy{Threshold: cfg.Policy.Threshold, QuietInterval: cfg.Policy.QuietInterval}, logger),
		gate:        &failclosed.Gate{},
		newSource:   defaultSource,
		logger:      logger,
		reachableCh: make(chan struct{}, 1),
		resyncCh:    make(chan struct{}, 1),
		exitCh:      make(chan struct{}),
		startTime:   time.Now(),
	}
	a.reachable.Store(true)

	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		c, err := newClient(cfg)
		if err != nil {
			return nil, err
		}
		a.client = c
	}

	// A trust anchor that cannot be loaded fails closed in Run rather than
	// preventing startup, so the failure is reported.
	if cfg.Trust.PublicKey != "" {
		a.trusted, a.trustErr = signing.LoadPublicKey(cfg.Trust.PublicKey)
	}

	a.actions, err = failclosed.Build(cfg.Policy.Actions, failclosed.BuildOptions{
		Logger:       logger,
		Gate:         a.gate,
		MarkerPath:   cfg.Policy.MarkerPath,
		SystemdUnits: cfg.Policy.SystemdUnits,
		OnExit:       a.requestExit,
	})
	if err != nil {
		return nil, fmt.Errorf("building fail-closed actions: %w", err)
	}
	logger.Info("fail-closed actions ready", "actions", a.actions.List())

	if cfg.Spool.Path != "" {
		a.spool, err = reporter.OpenSpool(cfg.Spool.Path)
		if err != nil {
			logger.Warn("alert spool unavailable, undeliverable alerts will be dropped", "error", err)
		}
	}
	a.reporter = reporter.New(reporter.Config{
		Sender:   a.client,
		Spool:    a.spool,
		MaxAge:   cfg.Spool.MaxAge,
		Logger:   logger,
		OnHealth: a.setReachable,
	})

	a.hostname = hostIdentity(logger)
	a.publishState()
	return a, nil
}

// ownExclusions adds the directories the agent itself writes to, so its
// own spool and marker never show up as anomalies.
func ownExclusions(cfg *config.Config) []string {
	exclusions := cfg.Scan.Exclusions
	if exclusions == nil {
		exclusions = scan.DefaultExclusions
	}
	exclusions = append([]string(nil), exclusions...)

	root, err := filepath.Abs(cfg.Scan.Root)
	if err != nil {
		return exclusions
	}
	for _, p := range []string{cfg.Spool.Path, cfg.Policy.MarkerPath} {
		if p == "" {
			continue
		}
		rel, err := filepath.Rel(root, filepath.Dir(p))
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
			continue
		}
		exclusions = append(exclusions, "/"+filepath.ToSlash(rel))
	}
	return exclusions
}

func newClient(cfg *config.Config) (*client.Client, error) {
	var roots *x509.CertPool
	if cfg.Metadata.CACertFile != "" {
		pem, err := os.ReadFile(cfg.Metadata.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.Metadata.CACertFile)
		}
	}
	return client.NewClient(client.Config{
		BaseURL:            cfg.Metadata.URL,
		AgentID:            cfg.Agent.ID,
		UserAgent:          "integrity-agent/" + Version,
		Timeout:            cfg.Metadata.RequestTimeout,
		InsecureSkipVerify: cfg.Metadata.InsecureSkipVerify,
		RootCAs:            roots,
	}), nil
}

// defaultSource combines fanotify, for permission events, with fsnotify,
// for creates and removes. Either one alone is accepted.
func defaultSource(paths []string, skip func(string) bool, logger *slog.Logger) (monitor.Source, error) {
	fan, fanErr := monitor.NewFanotify(paths, logger)
	notify, notifyErr := monitor.NewNotify(paths, skip, logger)

	switch {
	case fanErr != nil && notifyErr != nil:
		return nil, errors.Join(fanErr, notifyErr)
	case fanErr != nil:
		logger.Warn("fanotify unavailable, access cannot be denied", "error", fanErr)
		return notify, nil
	case notifyErr != nil:
		logger.Warn("fsnotify unavailable, creates and removes are only caught by rescans", "error", notifyErr)
		return fan, nil
	}
	return monitor.NewMulti(logger, fan, notify), nil
}

// State returns the agent's current state snapshot.
func (a *Agent) State() state.Snapshot {
	return a.machine.Snapshot()
}

// Resync asks the monitoring loop to re-fetch the baseline.
func (a *Agent) Resync() {
	select {
	case a.resyncCh <- struct{}{}:
	default:
	}
}

func (a *Agent) requestExit() {
	a.exitOnce.Do(func() { close(a.exitCh) })
}

func (a *Agent) setReachable(ok bool) {
	a.reachable.Store(ok)
	select {
	case a.reachableCh <- struct{}{}:
	default:
	}
}

// Close releases the alert spool. It is safe to call more than once.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.spool != nil {
			err = a.spool.Close()
		}
	})
	return err
}

// =============================================================================
// RUN
// =============================================================================

// Run starts the agent and blocks until ctx is cancelled or the exit action
// fires.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting agent",
		"agent_id", a.cfg.Agent.ID,
		"image_id", a.cfg.Agent.ImageID,
		"version", Version,
		"watch_paths", a.watch)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The reporter outlives ctx so alerts raised while draining still ship.
	repCtx, repCancel := context.WithCancel(context.Background())
	repDone := make(chan struct{})
	go func() {
		defer close(repDone)
		a.reporter.Run(repCtx)
	}()
	defer func() {
		repCancel()
		<-repDone
	}()

	go func() {
		if err := metrics.Serve(runCtx, a.cfg.Metrics.Listen, a.logger); err != nil {
			a.logger.Error("metrics listener failed", "error", err)
		}
	}()

	go a.runHeartbeat(runCtx)

	if err := a.machine.BeginSync(); err != nil {
		return err
	}
	a.publishState()

	snap, err := a.loadBaseline(runCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.enterFailClosed(runCtx, err.Error())
		// Nothing to verify against; stay up so heartbeats report critical.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.exitCh:
			return ErrExitRequested
		}
	}
	a.snapshot.Store(snap)
	a.logger.Info("baseline loaded", "image_id", snap.ImageID(), "entries", snap.Len())

	a.verifier = verifier.New(verifier.Config{
		Workers:           a.cfg.Workers.Count,
		QueueSize:         a.cfg.Workers.QueueSize,
		PermissionTimeout: a.cfg.Workers.PermissionTimeout,
		OverflowAllow:     a.cfg.Workers.OverflowDecision == "allow",
		DenyOnViolation:   a.cfg.Policy.DenyOnViolation,
	}, a.scanner, a.watch, a.snapshot.Load, a.gate, a.logger)

	anomalies, err := a.verifier.FullDiff(runCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.enterFailClosed(runCtx, fmt.Sprintf("initial diff failed: %v", err))
	}
	a.logger.Info("initial diff complete", "anomalies", len(anomalies))
	for _, an := range anomalies {
		a.handleAnomaly(runCtx, an)
	}

	source, err := a.attachSource(runCtx)
	if err != nil {
		a.enterFailClosed(runCtx, fmt.Sprintf("attaching event source: %v", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.exitCh:
			return ErrExitRequested
		}
	}

	a.verifier.Start(runCtx)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.verifier.Dispatch(source.Events())
	}()

	if a.machine.State() == types.StateSyncing {
		a.machine.StartMonitoring()
		a.machine.SetReporting(a.reachable.Load())
		a.publishState()
	}

	runErr := a.monitor(runCtx, dispatchDone)

	a.shutdown(source, dispatchDone)
	return runErr
}

func (a *Agent) attachSource(ctx context.Context) (monitor.Source, error) {
	hostPaths := make([]string, len(a.watch))
	for i, w := range a.watch {
		hostPaths[i] = a.scanner.HostPath(w)
	}
	skip := func(hostPath string) bool {
		canonical, err := a.scanner.Canonical(hostPath)
		return err != nil || a.scanner.Excluded(canonical)
	}

	source, err := a.newSource(hostPaths, skip, a.logger)
	if err != nil {
		return nil, err
	}
	if err := source.Start(ctx); err != nil {
		return nil, err
	}
	if !source.PermissionCapable() {
		a.logger.Warn("event source cannot deny access, running in detect-only mode", "source", source.Name())
	}
	a.logger.Info("event source attached", "source", source.Name())
	return source, nil
}

// monitor is the single writer of the state machine.
func (a *Agent) monitor(ctx context.Context, dispatchDone <-chan struct{}) error {
	quiet := time.NewTicker(quietTick(a.cfg.Policy.QuietInterval))
	defer quiet.Stop()

	var rescanC <-chan time.Time
	if a.cfg.Workers.RescanInterval > 0 {
		rescan := time.NewTicker(a.cfg.Workers.RescanInterval)
		defer rescan.Stop()
		rescanC = rescan.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-a.exitCh:
			return ErrExitRequested

		case r := <-a.verifier.Results():
			a.handleResult(ctx, r)

		case <-a.reachableCh:
			a.machine.SetReporting(a.reachable.Load())
			a.publishState()

		case <-a.resyncCh:
			a.resync(ctx)

		case now := <-quiet.C:
			if a.machine.Tick(now) {
				a.publishState()
			}

		case <-rescanC:
			a.logger.Info("scheduled rescan")
			a.verifier.ScheduleRescan("/")

		case <-dispatchDone:
			dispatchDone = nil
			a.enterFailClosed(ctx, "event source stopped")
		}
	}
}

// quietTick checks for a quiet reset often enough to land close to the
// configured interval.
func quietTick(interval time.Duration) time.Duration {
	tick := interval / 10
	if tick < 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	if tick > 30*time.Second {
		tick = 30 * time.Second
	}
	return tick
}

// shutdown stops accepting events and drains in-flight verifications.
func (a *Agent) shutdown(source monitor.Source, dispatchDone <-chan struct{}) {
	a.logger.Info("stopping event source")
	source.Close()
	select {
	case <-dispatchDone:
	case <-time.After(a.cfg.Workers.DrainTimeout):
		a.logger.Warn("event source did not close in time")
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Workers.DrainTimeout)
	defer cancel()

	drained := make(chan bool, 1)
	go func() { drained <- a.verifier.Stop(a.cfg.Workers.DrainTimeout) }()

	for r := range a.verifier.Results() {
		a.handleResult(ctx, r)
	}
	if !<-drained {
		a.logger.Warn("discarded verifications still queued at shutdown")
	}
	a.logger.Info("agent stopped", "uptime", time.Since(a.startTime).Round(time.Second))
}

// =============================================================================
// BASELINE
// =============================================================================

// loadBaseline fetches and verifies the configured baseline, retrying for
// up to the startup grace period. Every failure wraps ErrTrustAnchor.
func (a *Agent) loadBaseline(ctx context.Context) (*diff.Snapshot, error) {
	if a.trustErr != nil {
		return nil, fmt.Errorf("%w: loading public key: %v", ErrTrustAnchor, a.trustErr)
	}

	deadline := time.Now().Add(a.cfg.Policy.StartupGrace)
	backoff := time.Second

	for {
		b, err := a.client.GetBaseline(ctx, a.cfg.Agent.ImageID)
		if err == nil {
			return a.trust(b)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().Add(backoff).After(deadline) {
			return nil, fmt.Errorf("%w: fetching baseline %s: %v", ErrTrustAnchor, a.cfg.Agent.ImageID, err)
		}

		a.logger.Warn("baseline fetch failed, retrying",
			"image_id", a.cfg.Agent.ImageID,
			"error", err,
			"retry_in", backoff)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

// trust checks a fetched baseline against the configured image and trust
// anchor.
func (a *Agent) trust(b *types.Baseline) (*diff.Snapshot, error) {
	if b.ImageID != a.cfg.Agent.ImageID {
		return nil, fmt.Errorf("%w: received baseline for image %q, want %q", ErrTrustAnchor, b.ImageID, a.cfg.Agent.ImageID)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrustAnchor, err)
	}
	if a.trusted != nil {
		if err := signing.Verify(b, a.trusted); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTrustAnchor, err)
		}
	}
	return diff.NewSnapshot(b), nil
}

// resync re-fetches the baseline and swaps the snapshot. Connectivity
// failures keep the current snapshot.
func (a *Agent) resync(ctx context.Context) {
	if a.machine.State() == types.StateFailClosed {
		a.logger.Warn("ignoring resync while failed closed")
		return
	}
	a.logger.Info("re-syncing baseline", "image_id", a.cfg.Agent.ImageID)

	b, err := a.client.GetBaseline(ctx, a.cfg.Agent.ImageID)
	switch {
	case errors.Is(err, client.ErrNotFound):
		a.enterFailClosed(ctx, fmt.Sprintf("baseline %s no longer exists", a.cfg.Agent.ImageID))
		return
	case err != nil:
		a.logger.Warn("resync failed, keeping current baseline", "error", err)
		return
	}

	snap, err := a.trust(b)
	if err != nil {
		a.enterFailClosed(ctx, err.Error())
		return
	}
	a.snapshot.Store(snap)
	a.logger.Info("baseline replaced", "entries", snap.Len())
	if a.verifier != nil {
		a.verifier.ScheduleRescan("/")
	}
}

// =============================================================================
// ANOMALIES
// =============================================================================

func (a *Agent) handleResult(ctx context.Context, r verifier.Result) {
	if r.Err != nil {
		a.logger.Error("verification failed", "scope", r.Scope, "error", r.Err)
	}
	for _, an := range r.Anomalies {
		a.handleAnomaly(ctx, an)
	}
}

func (a *Agent) handleAnomaly(ctx context.Context, an diff.Anomaly) {
	now := time.Now().UTC()

	a.logger.Warn("integrity anomaly",
		"kind", an.Kind,
		"path", an.Path)
	metrics.AnomaliesTotal.WithLabelValues(string(an.Kind)).Inc()

	a.reporter.Report(types.Alert{
		AgentID:     a.cfg.Agent.ID,
		Severity:    types.SeverityWarning,
		Message:     an.Message(),
		AnomalyKind: an.Kind,
		Path:        an.Path,
		Timestamp:   now,
	})

	if a.machine.RecordAnomaly(now) {
		a.onFailClosed(ctx)
	}
	a.publishState()
}

func (a *Agent) enterFailClosed(ctx context.Context, reason string) {
	if a.machine.FailClosed(time.Now().UTC(), reason) {
		a.onFailClosed(ctx)
		a.publishState()
	}
}

// onFailClosed runs once, right after the machine entered FailClosed.
func (a *Agent) onFailClosed(ctx context.Context) {
	snap := a.machine.Snapshot()
	metrics.FailClosedTotal.Inc()

	a.reporter.Report(types.Alert{
		AgentID:   a.cfg.Agent.ID,
		Severity:  types.SeverityCritical,
		Message:   "agent failed closed: " + snap.Reason,
		Timestamp: snap.FailClosedAt,
	})

	err := a.actions.Execute(ctx, failclosed.Event{
		AgentID:              a.cfg.Agent.ID,
		ImageID:              a.cfg.Agent.ImageID,
		Reason:               snap.Reason,
		ConsecutiveAnomalies: snap.ConsecutiveAnomalies,
		At:                   snap.FailClosedAt,
	})
	if err != nil {
		a.logger.Error("fail-closed actions reported errors", "error", err)
	}
}

var allStates = []string{
	string(types.StateInitializing),
	string(types.StateSyncing),
	string(types.StateMonitoring),
	string(types.StateDegradedReporting),
	string(types.StateFailClosed),
}

func (a *Agent) publishState() {
	snap := a.machine.Snapshot()
	metrics.SetState(string(snap.State), allStates)
	metrics.ConsecutiveAnomalies.Set(float64(snap.ConsecutiveAnomalies))
}

// =============================================================================
// SCAN MODE
// =============================================================================

// ScanOnce fetches the baseline, diffs the monitored scope, reports every
// anomaly and returns them.
func (a *Agent) ScanOnce(ctx context.Context) ([]diff.Anomaly, error) {
	snap, err := a.loadBaseline(ctx)
	if err != nil {
		return nil, err
	}
	a.snapshot.Store(snap)

	v := verifier.New(verifier.Config{}, a.scanner, a.watch, a.snapshot.Load, a.gate, a.logger)
	anomalies, err := v.FullDiff(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanning: %w", err)
	}

	repCtx, repCancel := context.WithCancel(context.Background())
	repDone := make(chan struct{})
	go func() {
		defer close(repDone)
		a.reporter.Run(repCtx)
	}()
	for _, an := range anomalies {
		metrics.AnomaliesTotal.WithLabelValues(string(an.Kind)).Inc()
		a.reporter.Report(types.Alert{
			AgentID:     a.cfg.Agent.ID,
			Severity:    types.SeverityWarning,
			Message:     an.Message(),
			AnomalyKind: an.Kind,
			Path:        an.Path,
		})
	}
	repCancel()
	<-repDone

	return anomalies, nil
}
