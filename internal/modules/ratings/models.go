// Package ratings implements the DR rating pipeline: live rating ingestion,
// the three-tier persistence model (rating_stats, rating_main,
// rating_history), per-market close snapshots, and prediction accuracy.
package ratings

import "time"

// Bangkok is the reference zone for every stored timestamp. UTC+7, no DST.
var Bangkok = time.FixedZone("Asia/Bangkok", 7*60*60)

// Timestamps are stored as naive ISO-8601 strings in Bangkok local time.
// The fixed microsecond width keeps lexicographic order chronological.
const timestampLayout = "2006-01-02T15:04:05.000000"

// FormatTimestamp renders t as a naive Bangkok-local timestamp string.
func FormatTimestamp(t time.Time) string {
	return t.In(Bangkok).Format(timestampLayout)
}

// FormatDate renders t's Bangkok-local calendar date.
func FormatDate(t time.Time) string {
	return t.In(Bangkok).Format("2006-01-02")
}

// Timeframe identifiers used by the accuracy endpoints.
const (
	TimeframeDaily  = "1D"
	TimeframeWeekly = "1W"
)

// MarketData is the per-fetch market snapshot stored alongside ratings.
type MarketData struct {
	Currency  string
	Price     *float64
	ChangePct *float64
	ChangeAbs *float64
	High      *float64
	Low       *float64
}

// Observation is one classified scanner fetch for a ticker.
type Observation struct {
	Ticker       string
	DailyVal     *float64
	DailyRating  string
	WeeklyVal    *float64
	WeeklyRating string
	Market       MarketData
}

// MainRow mirrors one rating_main record.
type MainRow struct {
	Ticker          string
	Timestamp       string
	DailyVal        *float64
	DailyRating     *string
	DailyPrev       *string
	DailyChangedAt  *string
	WeeklyVal       *float64
	WeeklyRating    *string
	WeeklyPrev      *string
	WeeklyChangedAt *string
	Currency        string
	Price           *float64
	ChangePct       *float64
	ChangeAbs       *float64
	High            *float64
	Low             *float64
}

// HistoryRow mirrors one rating_history record (one per ticker per day).
type HistoryRow struct {
	Ticker          string
	Timestamp       string
	DailyVal        *float64
	DailyRating     *string
	DailyPrev       *string
	DailyChangedAt  *string
	WeeklyVal       *float64
	WeeklyRating    *string
	WeeklyPrev      *string
	WeeklyChangedAt *string
	Exchange        string
	Market          string
	Currency        string
	Price           *float64
	ChangePct       *float64
	ChangeAbs       *float64
	High            *float64
	Low             *float64
}

// AccuracyRow mirrors one rating_accuracy record.
type AccuracyRow struct {
	Ticker           string
	Timestamp        string
	Price            *float64
	PricePrev        *float64
	ChangePct        *float64
	Currency         string
	High             *float64
	Low              *float64
	WindowDay        int
	DailyRating      *string
	DailyPrev        *string
	SampleSizeDaily  int
	CorrectDaily     int
	IncorrectDaily   int
	AccuracyDaily    float64
	WeeklyRating     *string
	WeeklyPrev       *string
	SampleSizeWeekly int
	CorrectWeekly    int
	IncorrectWeekly  int
	AccuracyWeekly   float64
}

// AccuracySummary is the per-timeframe accuracy block served by the facade.
type AccuracySummary struct {
	Accuracy  float64 `json:"accuracy"`
	Correct   int     `json:"correct"`
	Incorrect int     `json:"incorrect"`
	Total     int     `json:"total"`
}
