package api

import (
	"net/http"
	"strconv"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

// =============================================================================
// ALERT ENDPOINTS
// =============================================================================

func (s *Server) handleRecordAlert(w http.ResponseWriter, r *http.Request) {
	var alert types.Alert
	if err := s.readJSON(r, &alert); err != nil {
		s.writeDecodeError(w, err)
		return
	}
	if alert.AgentID == "" {
		alert.AgentID = r.Header.Get("X-Agent-ID")
	}

	stored, err := s.svc.RecordAlert(r.Context(), alert)
	if err != nil {
		s.writeServiceError(w, "record alert", err)
		return
	}
	s.invalidateAgents(r)

	s.writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := types.AlertFilter{AgentID: query.Get("agent_id")}

	if limit := query.Get("limit"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = l
	}
	if offset := query.Get("offset"); offset != "" {
		o, err := strconv.Atoi(offset)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = o
	}

	alerts, err := s.svc.ListAlerts(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, "list alerts", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}
