// Package handlers exposes the DR price calculation endpoint.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/imposzible9/Cal-DR-Project/internal/modules/drcalc"
)

// Handler handles DR calculation HTTP requests.
type Handler struct {
	service *drcalc.Service
	log     zerolog.Logger
}

// NewHandler creates a new DR calculation handler
func NewHandler(service *drcalc.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "drcalc").Logger(),
	}
}

// HandleCalculate handles GET /api/calc/dr/{dr_symbol}
func (h *Handler) HandleCalculate(w http.ResponseWriter, r *http.Request, drSymbol string) {
	drSymbol = strings.TrimSpace(drSymbol)
	if drSymbol == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "dr_symbol is required"})
		return
	}

	result, err := h.service.Calculate(r.Context(), drSymbol)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, drcalc.ErrNoMatch), errors.Is(err, drcalc.ErrEmptyBoard):
			status = http.StatusNotFound
		case errors.Is(err, drcalc.ErrUnsupportedExchange), errors.Is(err, drcalc.ErrUnsupportedCurrency):
			status = http.StatusBadRequest
		}
		h.log.Error().Err(err).Str("dr_symbol", drSymbol).Msg("DR calculation failed")
		h.writeJSON(w, status, map[string]interface{}{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
