// Package handlers provides the read-only HTTP facade over the rating
// tables. Every endpoint degrades to empty arrays and zeros with an
// "error" string when the database is transiently locked; the dashboard
// keeps rendering instead of seeing a 5xx.
package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/imposzible9/Cal-DR-Project/internal/modules/ratings"
)

// Handler handles rating facade HTTP requests.
type Handler struct {
	repo     *ratings.Repository
	accuracy *ratings.AccuracyCalculator
	dbPath   string
	log      zerolog.Logger
}

// NewHandler creates a new ratings handler. dbPath is the database file
// whose mtime becomes the facade's updated_at stamp.
func NewHandler(
	repo *ratings.Repository,
	accuracy *ratings.AccuracyCalculator,
	dbPath string,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		repo:     repo,
		accuracy: accuracy,
		dbPath:   dbPath,
		log:      log.With().Str("handler", "ratings").Logger(),
	}
}

// timeframeState is the per-timeframe block of a facade row.
type timeframeState struct {
	RecommendAll *float64              `json:"recommend_all"`
	Rating       string                `json:"rating"`
	Prev         string                `json:"prev"`
	ChangedAt    *string               `json:"changed_at"`
	History      []ratings.ChangePoint `json:"history"`
}

// tickerRow is one merged per-ticker entry of the from-dr-api response.
type tickerRow struct {
	Ticker        string         `json:"ticker"`
	Currency      string         `json:"currency"`
	Price         *float64       `json:"price"`
	ChangePercent *float64       `json:"changePercent"`
	Change        *float64       `json:"change"`
	High          *float64       `json:"high"`
	Low           *float64       `json:"low"`
	Daily         timeframeState `json:"daily"`
	Weekly        timeframeState `json:"weekly"`
}

// HandleFromDRAPI handles GET /ratings/from-dr-api
// Merges each ticker's latest rating_main row with its full change
// history, reconstructing the shape the dashboard has always consumed.
func (h *Handler) HandleFromDRAPI(w http.ResponseWriter, r *http.Request) {
	updatedAt := "-"
	if info, err := os.Stat(h.dbPath); err == nil {
		updatedAt = info.ModTime().Format("2006-01-02 15:04:05")
	}

	tickers, err := h.repo.DistinctMainTickers()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list tickers")
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"updated_at": updatedAt,
			"count":      0,
			"rows":       []tickerRow{},
			"error":      err.Error(),
		})
		return
	}

	rows := make([]tickerRow, 0, len(tickers))
	for _, ticker := range tickers {
		main, err := h.repo.LatestMain(ticker)
		if err != nil {
			h.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to read main row")
			continue
		}
		if main == nil {
			continue
		}

		daily, err := h.repo.ChangeHistory(ticker, ratings.TimeframeDaily)
		if err != nil {
			h.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to read daily history")
		}
		weekly, err := h.repo.ChangeHistory(ticker, ratings.TimeframeWeekly)
		if err != nil {
			h.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to read weekly history")
		}

		rows = append(rows, tickerRow{
			Ticker:        ticker,
			Currency:      main.Currency,
			Price:         main.Price,
			ChangePercent: main.ChangePct,
			Change:        main.ChangeAbs,
			High:          main.High,
			Low:           main.Low,
			Daily:         timeframeBlock(main.DailyVal, main.DailyRating, main.DailyPrev, main.DailyChangedAt, daily),
			Weekly:        timeframeBlock(main.WeeklyVal, main.WeeklyRating, main.WeeklyPrev, main.WeeklyChangedAt, weekly),
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"updated_at": updatedAt,
		"count":      len(rows),
		"rows":       rows,
	})
}

func timeframeBlock(val *float64, rating, prev, changedAt *string, history []ratings.ChangePoint) timeframeState {
	if history == nil {
		history = []ratings.ChangePoint{}
	}
	state := timeframeState{
		RecommendAll: val,
		Rating:       ratings.RatingUnknown,
		Prev:         ratings.RatingUnknown,
		ChangedAt:    changedAt,
		History:      history,
	}
	if rating != nil && *rating != "" {
		state.Rating = *rating
	}
	if prev != nil && *prev != "" {
		state.Prev = *prev
	}
	return state
}

// HandleHistoryWithAccuracy handles GET /ratings/history-with-accuracy/{ticker}
// Serves one ticker's windowed snapshot history for a timeframe plus the
// dashboard-scheme accuracy over exactly the rows served.
func (h *Handler) HandleHistoryWithAccuracy(w http.ResponseWriter, r *http.Request, ticker string) {
	timeframe := normalizeTimeframe(r.URL.Query().Get("timeframe"))
	filterRating := r.URL.Query().Get("filter_rating")

	main, err := h.repo.LatestMain(ticker)
	if err != nil {
		h.log.Error().Err(err).Str("ticker", ticker).Msg("Failed to read main row")
		h.writeJSON(w, http.StatusOK, h.emptyHistoryResponse(ticker, err.Error()))
		return
	}

	since := ratings.FormatTimestamp(time.Now().AddDate(0, 0, -ratings.AccuracyWindowDays))
	windowRows, err := h.repo.HistoryWindow(ticker, since)
	if err != nil {
		h.log.Error().Err(err).Str("ticker", ticker).Msg("Failed to read history window")
		h.writeJSON(w, http.StatusOK, h.emptyHistoryResponse(ticker, err.Error()))
		return
	}

	entries := ratings.FilterDirectional(ratings.BuildEntries(windowRows, timeframe))
	if filterRating != "" {
		kept := make([]ratings.HistoryEntry, 0, len(entries))
		for _, e := range entries {
			if strings.EqualFold(e.Rating, filterRating) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	response := map[string]interface{}{
		"ticker":         ticker,
		"currency":       "",
		"price":          0.0,
		"changePercent":  0.0,
		"change":         0.0,
		"high":           0.0,
		"low":            0.0,
		"current_rating": ratings.RatingUnknown,
		"prev_rating":    ratings.RatingUnknown,
		"history":        entries,
		"accuracy":       ratings.ScoreEntries(entries),
	}
	if main != nil {
		response["currency"] = main.Currency
		setFloat(response, "price", main.Price)
		setFloat(response, "changePercent", main.ChangePct)
		setFloat(response, "change", main.ChangeAbs)
		setFloat(response, "high", main.High)
		setFloat(response, "low", main.Low)
		rating, prev := main.DailyRating, main.DailyPrev
		if timeframe == ratings.TimeframeWeekly {
			rating, prev = main.WeeklyRating, main.WeeklyPrev
		}
		if rating != nil && *rating != "" {
			response["current_rating"] = *rating
		}
		if prev != nil && *prev != "" {
			response["prev_rating"] = *prev
		}
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleRecalculateAccuracy handles POST /ratings/recalculate-accuracy/{ticker}
// Forces a rescore of the ticker's latest snapshot.
func (h *Handler) HandleRecalculateAccuracy(w http.ResponseWriter, r *http.Request, ticker string) {
	timeframe := normalizeTimeframe(r.URL.Query().Get("timeframe"))
	windowDays := ratings.AccuracyWindowDays
	if raw := r.URL.Query().Get("window_days"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			windowDays = parsed
		}
	}

	echo := func(status, message string) map[string]interface{} {
		return map[string]interface{}{
			"status":      status,
			"message":     message,
			"ticker":      ticker,
			"timeframe":   timeframe,
			"window_days": windowDays,
		}
	}

	latest, err := h.repo.LatestHistory(ticker)
	if err != nil {
		h.log.Error().Err(err).Str("ticker", ticker).Msg("Failed to look up latest snapshot")
		h.writeJSON(w, http.StatusInternalServerError, echo("error", err.Error()))
		return
	}
	if latest == nil {
		h.writeJSON(w, http.StatusNotFound, echo("error", "no snapshots for "+ticker))
		return
	}

	if err := h.accuracy.RecomputeAtWindow(ticker, latest.Timestamp, windowDays); err != nil {
		h.log.Error().Err(err).Str("ticker", ticker).Msg("Failed to recompute accuracy")
		h.writeJSON(w, http.StatusInternalServerError, echo("error", err.Error()))
		return
	}

	h.writeJSON(w, http.StatusOK, echo("success", "accuracy recalculated for "+ticker))
}

func (h *Handler) emptyHistoryResponse(ticker, errMsg string) map[string]interface{} {
	return map[string]interface{}{
		"ticker":         ticker,
		"currency":       "",
		"price":          0.0,
		"changePercent":  0.0,
		"change":         0.0,
		"high":           0.0,
		"low":            0.0,
		"current_rating": ratings.RatingUnknown,
		"prev_rating":    ratings.RatingUnknown,
		"history":        []ratings.HistoryEntry{},
		"accuracy":       ratings.AccuracySummary{},
		"error":          errMsg,
	}
}

func normalizeTimeframe(raw string) string {
	if strings.EqualFold(raw, ratings.TimeframeWeekly) {
		return ratings.TimeframeWeekly
	}
	return ratings.TimeframeDaily
}

func setFloat(m map[string]interface{}, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
