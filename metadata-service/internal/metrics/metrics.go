package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "integrity_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status_code"},
	)

	// Domain metrics
	BaselinesStoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "integrity_baselines_stored_total",
			Help: "Total number of baselines stored or replaced",
		},
	)

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_heartbeats_total",
			Help: "Total number of heartbeats recorded by reported status",
		},
		[]string{"status"},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_alerts_total",
			Help: "Total number of alerts recorded",
		},
		[]string{"severity", "anomaly_kind"},
	)

	AgentsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "integrity_agents",
			Help: "Number of known agents by status",
		},
		[]string{"status"},
	)

	RetentionRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_retention_removed_total",
			Help: "Records removed or marked by the retention worker",
		},
		[]string{"kind"},
	)
)
