// Package server provides the HTTP API over the report store. It includes a
// chi router, JWT authentication middleware, and handler functions for all
// /api/v1 endpoints.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/heaptrace/heaptrace/internal/store"
)

// Server holds the dependencies needed by the report handlers.
type Server struct {
	store  store.Store
	logger *slog.Logger
}

// NewServer creates a new Server over the provided report store.
func NewServer(st store.Store, logger *slog.Logger) *Server {
	return &Server{store: st, logger: logger}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRuns responds to GET /api/v1/runs with all persisted analysis
// runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		s.logger.Warn("list runs failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "cannot list runs")
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetHotspots responds to GET /api/v1/runs/{id}/hotspots with the
// ranked hotspots of one run. Returns HTTP 400 for a malformed id and
// HTTP 404 when the run has no hotspots on record.
func (s *Server) handleGetHotspots(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "run id must be an integer")
		return
	}

	hotspots, err := s.store.Hotspots(r.Context(), id)
	if err != nil {
		s.logger.Warn("query hotspots failed", slog.Int64("run_id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "cannot query hotspots")
		return
	}
	if len(hotspots) == 0 {
		writeError(w, http.StatusNotFound, "no such run")
		return
	}
	writeJSON(w, http.StatusOK, hotspots)
}

// writeJSON writes v as a JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with the given HTTP status code.
// The response body is {"error": "<message>"}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
