// Package handlers provides the news and quote proxy endpoints. The
// aggregated news bundle always answers 200 with whatever sources were
// reachable; only the bare Finnhub proxies surface upstream failures.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/imposzible9/Cal-DR-Project/internal/clients/finnhub"
	"github.com/imposzible9/Cal-DR-Project/internal/modules/news"
)

// Handler handles news HTTP requests.
type Handler struct {
	service *news.Service
	log     zerolog.Logger
}

// NewHandler creates a new news handler
func NewHandler(service *news.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "news").Logger(),
	}
}

// HandleGetNews handles GET /api/news/{symbol}
// Serves the cached news bundle: headlines plus quote and logo when a
// Finnhub token is configured.
func (h *Handler) HandleGetNews(w http.ResponseWriter, r *http.Request, symbol string) {
	q := news.NewsQuery{
		Symbol:   strings.ToUpper(symbol),
		Limit:    intInRange(r, "limit", 10, 1, 50),
		Language: r.URL.Query().Get("language"),
		Hours:    intInRange(r, "hours", 24, 1, 168),
		Country:  r.URL.Query().Get("country"),
	}

	bundle, cached := h.service.NewsBundle(r.Context(), q)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":      q.Symbol,
		"total":       len(bundle.News),
		"news":        bundle.News,
		"quote":       bundle.Quote,
		"logo_url":    bundle.LogoURL,
		"cached":      cached,
		"ttl_seconds": h.service.TTLSeconds(),
	})
}

// HandleQuote handles GET /api/finnhub/quote/{symbol}
func (h *Handler) HandleQuote(w http.ResponseWriter, r *http.Request, symbol string) {
	quote, logo, err := h.service.QuoteWithLogo(r.Context(), strings.ToUpper(symbol))
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, news.ErrNoFinnhubToken) {
			status = http.StatusInternalServerError
		}
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Quote proxy failed")
		h.writeJSON(w, status, map[string]interface{}{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, struct {
		finnhub.Quote
		LogoURL string `json:"logo_url"`
	}{*quote, logo})
}

// HandleCompanyNews handles GET /api/finnhub/company-news/{symbol}
// Finnhub company news when a token exists, the headline chain otherwise.
func (h *Handler) HandleCompanyNews(w http.ResponseWriter, r *http.Request, symbol string) {
	q := news.NewsQuery{
		Symbol:  strings.ToUpper(symbol),
		Limit:   intInRange(r, "limit", 20, 1, 50),
		Hours:   intInRange(r, "hours", 24, 1, 168),
		Country: r.URL.Query().Get("country"),
	}

	items, err := h.service.CompanyNews(r.Context(), q)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Company news failed")
		h.writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": q.Symbol,
		"total":  len(items),
		"news":   items,
	})
}

// HandleStockOverview handles GET /api/stock/overview/{symbol}
func (h *Handler) HandleStockOverview(w http.ResponseWriter, r *http.Request, symbol string) {
	q := news.NewsQuery{
		Symbol:   strings.ToUpper(symbol),
		Limit:    intInRange(r, "limit", 20, 1, 50),
		Hours:    intInRange(r, "hours", 24, 1, 168),
		Language: r.URL.Query().Get("language"),
		Country:  r.URL.Query().Get("country"),
	}

	overview, err := h.service.StockOverview(r.Context(), q)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Overview failed")
		h.writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":   q.Symbol,
		"quote":    overview.Quote,
		"logo_url": overview.LogoURL,
		"news": map[string]interface{}{
			"total": len(overview.News),
			"items": overview.News,
		},
	})
}

// HandleSymbols handles GET /api/symbols
// Lists the distinct underlyings of the DR board for the picker.
func (h *Handler) HandleSymbols(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.Symbols(r.Context()))
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
