// Package api provides HTTP handlers for the metadata service.
//
// # Endpoints
//
// Collector API:
//   - POST /baselines - Store a baseline (bearer token when configured)
//
// Agent API:
//   - GET  /baselines/{image_id} - Fetch the baseline for an image
//   - POST /agents/heartbeat - Record liveness
//   - POST /agents/alert - Append an alert
//
// Management API:
//   - GET /baselines - List baseline summaries
//   - GET /agents - List agent records
//   - GET /agents/{id} - Get one agent record
//   - GET /agents/{id}/heartbeats - Recent heartbeats of an agent
//   - GET /alerts?agent_id=&limit=&offset= - Alerts, newest first
//
// Health:
//   - GET /health - Liveness, no storage access
//   - GET /health/infrastructure - Process and store statistics
//   - GET /metrics - Prometheus exposition
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pilot-net/golden-integrity/metadata-service/internal/cache"
	"github.com/pilot-net/golden-integrity/metadata-service/internal/config"
	"github.com/pilot-net/golden-integrity/metadata-service/internal/metrics"
	"github.com/pilot-net/golden-integrity/metadata-service/internal/service"
	"github.com/pilot-net/golden-integrity/pkg/types"
)

// Options configures request handling.
type Options struct {
	// CollectorTokenHash is the bcrypt hash gating POST /baselines.
	// Empty disables the check.
	CollectorTokenHash string

	MaxBodyBytes     int64
	MaxBaselineBytes int64

	AgentsCacheTTL time.Duration

	// RequestTimeout bounds the request context. Storage calls check it
	// before they start, so a write that has begun is always reported as
	// committed. Zero disables it.
	RequestTimeout time.Duration
}

// DefaultOptions returns the default request limits.
func DefaultOptions() Options {
	return Options{
		MaxBodyBytes:     config.MaxRequestBodyBytes,
		MaxBaselineBytes: config.MaxBaselineBodyBytes,
		AgentsCacheTTL:   config.CacheTTLAgents,
		RequestTimeout:   config.DefaultRequestTimeout,
	}
}

// Server is the HTTP API server.
type Server struct {
	svc              *service.Service
	metricsCollector *metrics.Collector
	cache            *cache.Cache
	opts             Options
	logger           *slog.Logger
	mux              *http.ServeMux
}

// NewServer creates a new API server. metricsCollector and responseCache may be nil.
func NewServer(svc *service.Service, metricsCollector *metrics.Collector, responseCache *cache.Cache, opts Options, logger *slog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = config.MaxRequestBodyBytes
	}
	if opts.MaxBaselineBytes <= 0 {
		opts.MaxBaselineBytes = config.MaxBaselineBodyBytes
	}
	if opts.AgentsCacheTTL <= 0 {
		opts.AgentsCacheTTL = config.CacheTTLAgents
	}

	s := &Server{
		svc:              svc,
		metricsCollector: metricsCollector,
		cache:            responseCache,
		opts:             opts,
		logger:           logger.With("component", "api"),
		mux:              http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Agent-ID, X-Request-ID")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	if s.opts.RequestTimeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"request_id", requestID,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	collectorAuth := s.CollectorAuthMiddleware(s.opts.CollectorTokenHash)
	baselineLimit := limitBody(s.opts.MaxBaselineBytes)
	bodyLimit := limitBody(s.opts.MaxBodyBytes)

	// Health
	s.route("GET /health", s.handleHealth)
	s.route("GET /health/infrastructure", s.handleInfrastructureHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Baselines
	s.route("POST /baselines", s.handleStoreBaseline, collectorAuth, baselineLimit)
	s.route("GET /baselines", s.handleListBaselines)
	s.route("GET /baselines/{image_id}", s.handleGetBaseline)

	// Agents
	s.route("POST /agents/heartbeat", s.handleHeartbeat, bodyLimit)
	s.route("POST /agents/alert", s.handleRecordAlert, bodyLimit)
	s.route("GET /agents", s.handleListAgents)
	s.route("GET /agents/{id}", s.handleGetAgent)
	s.route("GET /agents/{id}/heartbeats", s.handleListHeartbeats)

	// Alerts
	s.route("GET /alerts", s.handleListAlerts)
}

// route registers h under pattern with the given middleware (outermost
// first) and request instrumentation.
func (s *Server) route(pattern string, h http.HandlerFunc, middleware ...func(http.Handler) http.Handler) {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = wrapHandler(h, middleware[i])
	}
	s.mux.Handle(pattern, instrument(pattern, h))
}

// =============================================================================
// HEALTH ENDPOINTS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInfrastructureHealth(w http.ResponseWriter, r *http.Request) {
	if s.metricsCollector == nil {
		s.writeError(w, http.StatusServiceUnavailable, "metrics collector not initialized")
		return
	}

	if s.cache != nil {
		if data, err := s.cache.Get(r.Context(), cache.KeyInfrastructureHealth); err == nil && data != nil {
			s.writeRaw(w, http.StatusOK, data)
			return
		}
	}

	health, err := s.metricsCollector.GetInfrastructureHealth(r.Context())
	if err != nil {
		s.logger.Error("infrastructure health failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to get infrastructure health: "+err.Error())
		return
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(r.Context(), cache.KeyInfrastructureHealth, health, config.CacheTTLInfraHealth); err != nil {
			s.logger.Debug("failed to cache infrastructure health", "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, health)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeDecodeError reports a request body that could not be decoded.
func (s *Server) writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
}

// writeServiceError maps a service error to a response. Validation failures
// are the caller's fault; everything else is a storage failure.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, types.ErrValidation) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger.Warn(op+" abandoned", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "request timed out")
		return
	}
	s.logger.Error(op+" failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, op+" failed")
}

// invalidateAgents drops cached agent views after a write.
func (s *Server) invalidateAgents(r *http.Request) {
	if s.cache != nil {
		s.cache.Invalidate(context.WithoutCancel(r.Context()), cache.KeyAgents)
	}
}
