package api

import (
	"net/http"
	"strconv"

	"github.com/pilot-net/golden-integrity/metadata-service/internal/cache"
	"github.com/pilot-net/golden-integrity/metadata-service/internal/config"
	"github.com/pilot-net/golden-integrity/pkg/types"
)

// =============================================================================
// AGENT ENDPOINTS
// =============================================================================

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb types.Heartbeat
	if err := s.readJSON(r, &hb); err != nil {
		s.writeDecodeError(w, err)
		return
	}
	if hb.AgentID == "" {
		hb.AgentID = r.Header.Get("X-Agent-ID")
	}

	resp, err := s.svc.ProcessHeartbeat(r.Context(), hb)
	if err != nil {
		s.writeServiceError(w, "record heartbeat", err)
		return
	}
	s.invalidateAgents(r)

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.cache != nil {
		if data, err := s.cache.Get(r.Context(), cache.KeyAgents); err == nil && data != nil {
			s.writeRaw(w, http.StatusOK, data)
			return
		}
	}

	agents, err := s.svc.ListAgents(r.Context())
	if err != nil {
		s.logger.Error("list agents failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	resp := map[string]any{
		"agents": agents,
		"count":  len(agents),
	}
	if s.cache != nil {
		if err := s.cache.SetJSON(r.Context(), cache.KeyAgents, resp, s.opts.AgentsCacheTTL); err != nil {
			s.logger.Debug("failed to cache agent list", "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	agent, err := s.svc.GetAgent(r.Context(), agentID)
	if err != nil {
		s.logger.Error("get agent failed", "agent_id", agentID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get agent")
		return
	}
	if agent == nil {
		s.writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListHeartbeats(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	limit := config.DefaultHeartbeatLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(l, config.MaxHeartbeatLimit)
	}

	agent, err := s.svc.GetAgent(r.Context(), agentID)
	if err != nil {
		s.logger.Error("get agent failed", "agent_id", agentID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get agent")
		return
	}
	if agent == nil {
		s.writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	heartbeats, err := s.svc.ListHeartbeats(r.Context(), agentID, limit)
	if err != nil {
		s.logger.Error("list heartbeats failed", "agent_id", agentID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list heartbeats")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"heartbeats": heartbeats,
		"count":      len(heartbeats),
	})
}
