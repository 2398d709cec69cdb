// Package server provides the HTTP server and routing for the Cal-DR
// ratings backend.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/imposzible9/Cal-DR-Project/internal/version"
)

// handleRoot handles the liveness root route
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "running",
		"service": "Cal-DR Unified API",
		"version": version.Version,
		"endpoints": map[string]string{
			"ratings":  "/ratings",
			"earnings": "/api/earnings",
			"news":     "/api/news",
			"calc":     "/api/calc/dr",
		},
	})
}

// handleHealth handles health check requests. The database ping uses the
// reader profile, so a wedged writer does not fail the probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	dbState := "ok"
	if err := s.readerDB.HealthCheck(ctx); err != nil {
		s.log.Error().Err(err).Msg("Health check database ping failed")
		status = http.StatusServiceUnavailable
		dbState = "unreachable"
	}

	response := map[string]interface{}{
		"status":         "healthy",
		"version":        version.Version,
		"database":       dbState,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}
	if status != http.StatusOK {
		response["status"] = "unhealthy"
	}

	s.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
