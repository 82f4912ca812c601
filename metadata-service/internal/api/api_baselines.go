package api

import (
	"net/http"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

// =============================================================================
// BASELINE ENDPOINTS
// =============================================================================

func (s *Server) handleStoreBaseline(w http.ResponseWriter, r *http.Request) {
	var baseline types.Baseline
	if err := s.readJSON(r, &baseline); err != nil {
		s.writeDecodeError(w, err)
		return
	}

	summary, err := s.svc.StoreBaseline(r.Context(), &baseline)
	if err != nil {
		s.writeServiceError(w, "store baseline", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, summary)
}

func (s *Server) handleGetBaseline(w http.ResponseWriter, r *http.Request) {
	imageID := r.PathValue("image_id")

	baseline, err := s.svc.GetBaseline(r.Context(), imageID)
	if err != nil {
		s.logger.Error("get baseline failed", "image_id", imageID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get baseline")
		return
	}
	if baseline == nil {
		s.writeError(w, http.StatusNotFound, "baseline not found")
		return
	}

	s.writeJSON(w, http.StatusOK, baseline)
}

func (s *Server) handleListBaselines(w http.ResponseWriter, r *http.Request) {
	baselines, err := s.svc.ListBaselines(r.Context())
	if err != nil {
		s.logger.Error("list baselines failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list baselines")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"baselines": baselines,
		"count":     len(baselines),
	})
}
