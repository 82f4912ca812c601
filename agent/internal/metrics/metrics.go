// Package metrics exposes the integrity agent's Prometheus instruments.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent state
	State = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "integrity_agent_state",
			Help: "1 for the agent's current state, 0 otherwise",
		},
		[]string{"state"},
	)

	ConsecutiveAnomalies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "integrity_agent_consecutive_anomalies",
			Help: "Anomalies counted since the last quiet reset",
		},
	)

	FailClosedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "integrity_agent_fail_closed_total",
			Help: "Number of transitions into FailClosed",
		},
	)

	// Verification
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_agent_anomalies_total",
			Help: "Anomalies detected by kind",
		},
		[]string{"kind"},
	)

	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_agent_verifications_total",
			Help: "Verification jobs by result",
		},
		[]string{"result"},
	)

	VerificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "integrity_agent_verification_duration_seconds",
			Help:    "Time spent verifying one event scope",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "integrity_agent_queue_depth",
			Help: "Events waiting for a verification worker",
		},
	)

	QueueOverflowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "integrity_agent_queue_overflows_total",
			Help: "Events that found the verification queue full",
		},
	)

	PermissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_agent_permission_decisions_total",
			Help: "Answers to permission events by decision and reason",
		},
		[]string{"decision", "reason"},
	)

	// Reporting
	AlertsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "integrity_agent_alerts_sent_total",
			Help: "Alerts accepted by the metadata service",
		},
	)

	AlertsSpooledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "integrity_agent_alerts_spooled_total",
			Help: "Alerts written to the local spool",
		},
	)

	AlertsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "integrity_agent_alerts_dropped_total",
			Help: "Alerts rejected by the metadata service or aged out of the spool",
		},
	)

	SpoolDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "integrity_agent_spool_depth",
			Help: "Alerts waiting in the local spool",
		},
	)

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_agent_heartbeats_total",
			Help: "Heartbeat attempts by result",
		},
		[]string{"result"},
	)
)

// SetState marks state as the current agent state.
func SetState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		State.WithLabelValues(s).Set(v)
	}
}

// Serve exposes /metrics on listen until ctx is cancelled. An empty listen
// address disables the endpoint.
func Serve(ctx context.Context, listen string, logger *slog.Logger) error {
	if listen == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "listen", listen)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
