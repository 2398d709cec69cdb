// Package handlers provides the earnings calendar endpoints, including
// the SSE stream that pushes newly detected releases to the dashboard.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/imposzible9/Cal-DR-Project/internal/events"
	"github.com/imposzible9/Cal-DR-Project/internal/modules/earnings"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// Handler handles earnings HTTP requests.
type Handler struct {
	service *earnings.Service
	bus     *events.Bus
	log     zerolog.Logger
}

// NewHandler creates a new earnings handler
func NewHandler(service *earnings.Service, bus *events.Bus, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		bus:     bus,
		log:     log.With().Str("handler", "earnings").Logger(),
	}
}

// HandleGetEarnings handles GET /api/earnings?country=US
// Serves the cached calendar for one country, or everything for ALL.
func (h *Handler) HandleGetEarnings(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	if country == "" {
		country = "US"
	}
	h.writeJSON(w, http.StatusOK, h.service.Snapshot(country))
}

// HandleRefresh handles POST /api/earnings/refresh
// Forces a full rescan outside the hourly schedule.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Refresh(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Manual earnings refresh failed")
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":            true,
		"message":            "Earnings data refreshed successfully",
		"updated_at":         result.UpdatedAt,
		"markets":            result.Markets,
		"total_earnings":     result.Total,
		"new_earnings_count": result.NewCount,
	})
}

// HandleStream handles GET /api/earnings/stream
// Server-sent events: a connected hello, a heartbeat every 30 s and a
// new_earnings message whenever a refresh finds events it has not seen.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Buffered so a stalled client drops updates instead of blocking the
	// bus; the next refresh re-announces anything still new.
	queue := make(chan *events.Event, 16)
	subID := h.bus.Subscribe(events.EarningsUpdated, func(event *events.Event) {
		select {
		case queue <- event:
		default:
			h.log.Warn().Msg("SSE client too slow, dropping event")
		}
	})
	defer h.bus.Unsubscribe(events.EarningsUpdated, subID)

	h.log.Info().Msg("SSE client connected")
	h.writeEvent(w, flusher, map[string]interface{}{
		"type":    "connected",
		"message": "SSE connection established",
	})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.log.Info().Msg("SSE client disconnected")
			return
		case event := <-queue:
			payload := map[string]interface{}{"type": "new_earnings"}
			for k, v := range event.Data {
				payload[k] = v
			}
			h.writeEvent(w, flusher, payload)
		case <-heartbeat.C:
			h.writeEvent(w, flusher, map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			})
		}
	}
}

func (h *Handler) writeEvent(w http.ResponseWriter, flusher http.Flusher, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode SSE payload")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", raw)
	flusher.Flush()
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
