// Package reporter delivers alerts to the metadata service.
//
// # Design
//
// Alerts are queued in memory and sent one at a time, rate limited. An
// alert that cannot be delivered because the service is unreachable is
// written to the local spool and retried with exponential backoff, oldest
// first. Alerts the service rejects outright are logged and dropped.
//
// # Resilience
//
//   - The spool survives agent restarts
//   - Spooled alerts older than MaxAge are dropped
//   - Queued alerts are sent (or spooled) on shutdown
//   - OnHealth reports transitions between reachable and unreachable
package reporter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pilot-net/golden-integrity/agent/internal/metrics"
	"github.com/pilot-net/golden-integrity/pkg/client"
	"github.com/pilot-net/golden-integrity/pkg/types"
)

// AlertSender delivers one alert.
type AlertSender interface {
	ReportAlert(ctx context.Context, alert types.Alert) (*types.Alert, error)
}

// Config for the reporter.
type Config struct {
	Sender    AlertSender
	Spool     *Spool        // Durable backlog (optional; without it failed alerts are dropped)
	QueueSize int           // In-memory queue length
	Rate      float64       // Max alerts per second
	Burst     int           // Burst above Rate
	MaxAge    time.Duration // Spooled alerts older than this are dropped
	RetryMin  time.Duration // First retry delay
	RetryMax  time.Duration // Backoff cap
	Logger    *slog.Logger
	OnHealth  func(reachable bool) // Called on reachability transitions (optional)
}

// Reporter ships alerts to the metadata service.
type Reporter struct {
	cfg     Config
	queue   chan types.Alert
	limiter *rate.Limiter
	logger  *slog.Logger

	// Delivery state, owned by Run
	reachable bool
	backoff   time.Duration

	// Metrics
	shipped   int64
	spooled   int64
	failed    int64
	metricsMu sync.Mutex
}

// New creates a reporter.
func New(cfg Config) *Reporter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 50
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = time.Minute
	}

	return &Reporter{
		cfg:       cfg,
		queue:     make(chan types.Alert, cfg.QueueSize),
		limiter:   rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		logger:    cfg.Logger.With("component", "reporter"),
		reachable: true,
		backoff:   cfg.RetryMin,
	}
}

// Report queues an alert. It never blocks: when the queue is full the alert
// goes straight to the spool.
func (r *Reporter) Report(alert types.Alert) {
	// The id stays fixed across retries so the service can drop redeliveries.
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	select {
	case r.queue <- alert:
	default:
		r.logger.Warn("alert queue full, spooling", "severity", alert.Severity, "path", alert.Path)
		r.spool(alert)
	}
}

// Run delivers alerts until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	retry := time.NewTimer(0)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()

		case alert := <-r.queue:
			if !r.reachable && r.cfg.Spool != nil {
				r.spool(alert)
				continue
			}
			if r.deliver(ctx, alert) {
				continue
			}
			r.spool(alert)
			resetTimer(retry, r.backoff)

		case <-retry.C:
			if r.flushSpool(ctx) {
				r.backoff = r.cfg.RetryMin
				resetTimer(retry, r.cfg.RetryMax)
			} else {
				r.backoff = min(r.backoff*2, r.cfg.RetryMax)
				resetTimer(retry, r.backoff)
			}
		}
	}
}

// deliver sends one alert. It returns false only when the alert should be
// retried later.
func (r *Reporter) deliver(ctx context.Context, alert types.Alert) bool {
	if err := r.limiter.Wait(ctx); err != nil {
		return false
	}

	_, err := r.cfg.Sender.ReportAlert(ctx, alert)
	switch {
	case err == nil:
		r.count(&r.shipped)
		metrics.AlertsSentTotal.Inc()
		r.setReachable(true)
		return true
	case retryable(err):
		r.logger.Warn("failed to deliver alert", "severity", alert.Severity, "error", err)
		r.setReachable(false)
		return false
	default:
		r.logger.Error("alert rejected, dropping",
			"severity", alert.Severity,
			"path", alert.Path,
			"error", err)
		r.count(&r.failed)
		metrics.AlertsDroppedTotal.Inc()
		return true
	}
}

// flushSpool sends spooled alerts oldest first and reports whether the
// spool was emptied.
func (r *Reporter) flushSpool(ctx context.Context) bool {
	if r.cfg.Spool == nil {
		return true
	}

	if r.cfg.MaxAge > 0 {
		n, err := r.cfg.Spool.Prune(time.Now().Add(-r.cfg.MaxAge))
		if err != nil {
			r.logger.Error("failed to prune spool", "error", err)
		} else if n > 0 {
			r.logger.Warn("dropped aged-out spooled alerts", "count", n, "max_age", r.cfg.MaxAge)
			r.metricsMu.Lock()
			r.failed += int64(n)
			r.metricsMu.Unlock()
			metrics.AlertsDroppedTotal.Add(float64(n))
		}
	}
	defer r.updateSpoolDepth()

	for {
		batch, err := r.cfg.Spool.Peek(50)
		if err != nil {
			r.logger.Error("failed to read spool", "error", err)
			return false
		}
		if len(batch) == 0 {
			return true
		}
		for _, sa := range batch {
			if !r.deliver(ctx, sa.Alert) {
				return false
			}
			if err := r.cfg.Spool.Delete(sa.Seq); err != nil {
				r.logger.Error("failed to remove spooled alert", "seq", sa.Seq, "error", err)
				return false
			}
		}
		r.logger.Info("flushed spooled alerts", "count", len(batch))
	}
}

func (r *Reporter) spool(alert types.Alert) {
	if r.cfg.Spool == nil {
		r.logger.Error("no spool configured, dropping alert", "severity", alert.Severity, "path", alert.Path)
		r.count(&r.failed)
		metrics.AlertsDroppedTotal.Inc()
		return
	}
	if err := r.cfg.Spool.Put(alert, time.Now()); err != nil {
		r.logger.Error("failed to spool alert", "error", err)
		r.count(&r.failed)
		metrics.AlertsDroppedTotal.Inc()
		return
	}
	r.count(&r.spooled)
	metrics.AlertsSpooledTotal.Inc()
	r.updateSpoolDepth()
}

// shutdown makes one bounded attempt to deliver what is still queued.
func (r *Reporter) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case alert := <-r.queue:
			if !r.reachable || !r.deliver(ctx, alert) {
				r.spool(alert)
			}
		default:
			return
		}
	}
}

func (r *Reporter) setReachable(ok bool) {
	if r.reachable == ok {
		return
	}
	r.reachable = ok
	if ok {
		r.logger.Info("metadata service reachable again")
	} else {
		r.logger.Warn("metadata service unreachable, spooling alerts")
	}
	if r.cfg.OnHealth != nil {
		r.cfg.OnHealth(ok)
	}
}

func (r *Reporter) updateSpoolDepth() {
	if r.cfg.Spool == nil {
		return
	}
	if n, err := r.cfg.Spool.Len(); err == nil {
		metrics.SpoolDepth.Set(float64(n))
	}
}

func (r *Reporter) count(field *int64) {
	r.metricsMu.Lock()
	*field++
	r.metricsMu.Unlock()
}

func retryable(err error) bool {
	return errors.Is(err, client.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// Stats returns reporter statistics.
type Stats struct {
	Queued  int   `json:"queued"`
	Shipped int64 `json:"shipped"`
	Spooled int64 `json:"spooled"`
	Failed  int64 `json:"failed"`
	Backlog int   `json:"backlog"`
}

func (r *Reporter) Stats() Stats {
	r.metricsMu.Lock()
	s := Stats{
		Queued:  len(r.queue),
		Shipped: r.shipped,
		Spooled: r.spooled,
		Failed:  r.failed,
	}
	r.metricsMu.Unlock()

	if r.cfg.Spool != nil {
		s.Backlog, _ = r.cfg.Spool.Len()
	}
	return s
}
