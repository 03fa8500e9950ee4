package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

type healthResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	QueueDepth     int    `json:"queue_depth"`
	InFlight       int    `json:"in_flight"`
	Admitted       int64  `json:"admitted"`
	Completed      int64  `json:"completed"`
	Dropped        int64  `json:"dropped"`
	HandlersLoaded int    `json:"handlers_loaded"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.stats.Stats()
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:     stats.QueueDepth,
		InFlight:       stats.InFlight,
		Admitted:       stats.Admitted,
		Completed:      stats.Completed,
		Dropped:        stats.Dropped,
		HandlersLoaded: s.config.HandlersLoaded,
	})
}

func (s *Server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "result storage is disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be 1..500")
			return
		}
		limit = n
	}

	builds, err := s.store.RecentBuilds(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list builds", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list builds")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"builds": builds})
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "result storage is disabled")
		return
	}
	buildID := chi.URLParam(r, "buildID")

	recs, err := s.store.ResultsForBuild(r.Context(), buildID)
	if err != nil {
		s.logger.Error("failed to load build results", "build_id", buildID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load build results")
		return
	}
	if len(recs) == 0 {
		s.writeError(w, http.StatusNotFound, "no results for build")
		return
	}

	type resultView struct {
		Handler   string          `json:"handler"`
		Result    json.RawMessage `json:"result,omitempty"`
		Error     string          `json:"error,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
	}
	out := make([]resultView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, resultView{
			Handler:   rec.Handler,
			Result:    rec.Result,
			Error:     rec.Error,
			CreatedAt: rec.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"build_id": buildID, "results": out})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
