// Package server provides the HTTP server and routing for the Cal-DR
// ratings backend.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/imposzible9/Cal-DR-Project/internal/events"
)

// allEventTypes is the default subscription set when no ?types= filter
// is given.
var allEventTypes = []events.EventType{
	events.RatingChanged,
	events.SweepCompleted,
	events.SnapshotWritten,
	events.MarketCloseProcessed,
	events.AccuracyRecalculated,
	events.EarningsUpdated,
	events.BackupCompleted,
}

// EventsStreamHandler streams system events to SSE clients.
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsStreamHandler creates a new unified events stream handler.
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus: bus,
		log: log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/stream requests (SSE).
// ?types=RATING_CHANGED,BACKUP_COMPLETED narrows the subscription.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var subscribed []events.EventType
	typesFilter := r.URL.Query().Get("types")
	if typesFilter == "" {
		subscribed = allEventTypes
	} else {
		for _, t := range strings.Split(typesFilter, ",") {
			if t = strings.TrimSpace(t); t != "" {
				subscribed = append(subscribed, events.EventType(t))
			}
		}
	}

	h.log.Info().
		Str("types_filter", typesFilter).
		Msg("Client connected to event stream")

	// Buffered so a stalled client drops events instead of blocking the
	// emitter.
	queue := make(chan *events.Event, 100)
	forward := func(event *events.Event) {
		select {
		case queue <- event:
		default:
			h.log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event channel full, dropping event")
		}
	}

	for _, eventType := range subscribed {
		id := h.bus.Subscribe(eventType, forward)
		defer h.bus.Unsubscribe(eventType, id)
	}

	h.writeEvent(w, flusher, map[string]interface{}{
		"type":    "connected",
		"message": "Connected to event stream",
	})

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-queue:
			h.writeEvent(w, flusher, map[string]interface{}{
				"type":      string(event.Type),
				"module":    event.Module,
				"timestamp": event.Timestamp.Format(time.RFC3339),
				"data":      event.Data,
			})

		case <-heartbeat.C:
			h.writeEvent(w, flusher, map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			})
		}
	}
}

func (h *EventsStreamHandler) writeEvent(w http.ResponseWriter, flusher http.Flusher, payload map[string]interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode event")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", raw)
	flusher.Flush()
}
