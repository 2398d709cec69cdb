// Package handlers exposes the visitor tracking endpoints.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/imposzible9/Cal-DR-Project/internal/modules/tracking"
)

// maxBodyBytes caps tracking payloads; sendBeacon bodies are tiny.
const maxBodyBytes = 64 << 10

// Handler handles tracking HTTP requests.
type Handler struct {
	repo *tracking.Repository
	log  zerolog.Logger
}

// NewHandler creates a new tracking handler
func NewHandler(repo *tracking.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		repo: repo,
		log:  log.With().Str("handler", "tracking").Logger(),
	}
}

// HandleTrack handles POST /api/track
// The frontend fires these via fetch keepalive or sendBeacon and only
// checks the status code, so the response stays minimal.
func (h *Handler) HandleTrack(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var ev tracking.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid JSON body"})
		return
	}

	if ev.EventType == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "event_type is required"})
		return
	}

	// sendBeacon payloads carry the user agent in the body; fall back to
	// the request header when it is absent.
	if ev.UserAgent == "" {
		ev.UserAgent = r.UserAgent()
	}

	id, err := h.repo.Insert(ev)
	if err != nil {
		h.log.Error().Err(err).Str("event_type", ev.EventType).Msg("Failed to store tracking event")
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "failed to store event"})
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status": "ok",
		"id":     id,
	})
}

// HandleSummary handles GET /api/track/summary?hours=24
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	hours := intInRange(r, "hours", 24, 1, 720)

	summary, err := h.repo.Summary(hours)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build tracking summary")
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "failed to build summary"})
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// HandleRecent handles GET /api/track/recent?limit=50
func (h *Handler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	limit := intInRange(r, "limit", 50, 1, 500)

	events, err := h.repo.Recent(limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list recent tracking events")
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "failed to list events"})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":  len(events),
		"events": events,
	})
}

// intInRange reads an integer query parameter, clamped into [min, max].
// Missing or malformed values fall back to def.
func intInRange(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
