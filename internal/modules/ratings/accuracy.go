package ratings

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/imposzible9/Cal-DR-Project/internal/database"
)

// AccuracyWindowDays is the lookback of the persisted accuracy scores.
const AccuracyWindowDays = 90

// AccuracyTrigger carries one snapshot's market data into a recompute.
type AccuracyTrigger struct {
	Ticker    string
	Timestamp string
	Price     *float64
	ChangePct *float64
	Currency  string
	High      *float64
	Low       *float64
}

// AccuracyCalculator scores rating transitions against the price moves
// that followed them and persists the result per snapshot.
type AccuracyCalculator struct {
	repo *Repository
	log  zerolog.Logger
}

func NewAccuracyCalculator(repo *Repository, log zerolog.Logger) *AccuracyCalculator {
	return &AccuracyCalculator{
		repo: repo,
		log:  log.With().Str("component", "accuracy").Logger(),
	}
}

// Recompute scores the trigger's trailing window and upserts one
// rating_accuracy row keyed by (ticker, trigger timestamp).
func (c *AccuracyCalculator) Recompute(trigger AccuracyTrigger) error {
	return c.recompute(trigger, AccuracyWindowDays)
}

func (c *AccuracyCalculator) recompute(trigger AccuracyTrigger, windowDays int) error {
	at, err := time.ParseInLocation(timestampLayout, trigger.Timestamp, Bangkok)
	if err != nil {
		return fmt.Errorf("failed to parse trigger timestamp %q: %w", trigger.Timestamp, err)
	}
	since := FormatTimestamp(at.AddDate(0, 0, -windowDays))

	rows, err := c.repo.HistoryWindow(trigger.Ticker, since)
	if err != nil {
		return err
	}

	dailyCorrect, dailyIncorrect := scoreTransitions(rows, TimeframeDaily)
	weeklyCorrect, weeklyIncorrect := scoreTransitions(rows, TimeframeWeekly)

	pricePrev, err := c.repo.PrevPriceBefore(trigger.Ticker, trigger.Timestamp)
	if err != nil {
		return err
	}

	row := AccuracyRow{
		Ticker:           trigger.Ticker,
		Timestamp:        trigger.Timestamp,
		Price:            trigger.Price,
		PricePrev:        pricePrev,
		ChangePct:        trigger.ChangePct,
		Currency:         trigger.Currency,
		High:             trigger.High,
		Low:              trigger.Low,
		WindowDay:        windowDays,
		SampleSizeDaily:  dailyCorrect + dailyIncorrect,
		CorrectDaily:     dailyCorrect,
		IncorrectDaily:   dailyIncorrect,
		AccuracyDaily:    accuracyPct(dailyCorrect, dailyIncorrect),
		SampleSizeWeekly: weeklyCorrect + weeklyIncorrect,
		CorrectWeekly:    weeklyCorrect,
		IncorrectWeekly:  weeklyIncorrect,
		AccuracyWeekly:   accuracyPct(weeklyCorrect, weeklyIncorrect),
	}
	if n := len(rows); n > 0 {
		latest := rows[n-1]
		row.DailyRating = latest.DailyRating
		row.DailyPrev = latest.DailyPrev
		row.WeeklyRating = latest.WeeklyRating
		row.WeeklyPrev = latest.WeeklyPrev
	}

	err = database.WithBusyRetry(3, 200*time.Millisecond, 600*time.Millisecond, func() error {
		return c.repo.UpsertAccuracy(row)
	})
	if err != nil {
		return err
	}
	c.log.Debug().
		Str("ticker", trigger.Ticker).
		Int("samples_daily", row.SampleSizeDaily).
		Float64("accuracy_daily", row.AccuracyDaily).
		Msg("Accuracy recomputed")
	return nil
}

// RecomputeAt rebuilds the score for an already stored snapshot. The
// startup back-fill goes through here.
func (c *AccuracyCalculator) RecomputeAt(ticker, timestamp string) error {
	return c.RecomputeAtWindow(ticker, timestamp, AccuracyWindowDays)
}

// RecomputeAtWindow is RecomputeAt with a caller-chosen lookback; the
// manual recalculate endpoint passes its window_days through here.
func (c *AccuracyCalculator) RecomputeAtWindow(ticker, timestamp string, windowDays int) error {
	snap, err := c.repo.HistoryRowAt(ticker, timestamp)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("no snapshot for %s at %s", ticker, timestamp)
	}
	return c.recompute(AccuracyTrigger{
		Ticker:    ticker,
		Timestamp: timestamp,
		Price:     snap.Price,
		ChangePct: snap.ChangePct,
		Currency:  snap.Currency,
		High:      snap.High,
		Low:       snap.Low,
	}, windowDays)
}

// scoreTransitions counts one timeframe's correct and incorrect rating
// flips. A flip is correct when the price moved the way the new side
// points: into a buy side with a gain, or into a sell side with a drop.
func scoreTransitions(rows []HistoryRow, timeframe string) (correct, incorrect int) {
	for _, row := range rows {
		rating, prev := row.DailyRating, row.DailyPrev
		if timeframe == TimeframeWeekly {
			rating, prev = row.WeeklyRating, row.WeeklyPrev
		}
		if rating == nil || prev == nil || row.ChangePct == nil {
			continue
		}
		if isDirectionless(*rating) || isDirectionless(*prev) {
			continue
		}
		if *rating == *prev {
			continue
		}

		change := *row.ChangePct
		switch {
		case isSellSide(*prev) && isBuySide(*rating) && change > 0:
			correct++
		case isBuySide(*prev) && isSellSide(*rating) && change < 0:
			correct++
		default:
			incorrect++
		}
	}
	return correct, incorrect
}

func isDirectionless(rating string) bool {
	return strings.EqualFold(rating, RatingNeutral) || strings.EqualFold(rating, RatingUnknown)
}

func accuracyPct(correct, incorrect int) float64 {
	total := correct + incorrect
	if total == 0 {
		return 0
	}
	return math.Round(float64(correct)/float64(total)*100*100) / 100
}

// HistoryEntry is one element of the change history served per ticker.
type HistoryEntry struct {
	Rating      string   `json:"rating"`
	Prev        string   `json:"prev"`
	Timestamp   string   `json:"timestamp"`
	Date        string   `json:"date"`
	PrevClose   *float64 `json:"prev_close"`
	ResultPrice *float64 `json:"result_price"`
	ChangePct   *float64 `json:"change_pct"`
	ChangeAbs   *float64 `json:"change_abs"`
}

// BuildEntries projects one timeframe of snapshot rows into served history
// entries. prev_close carries the previous snapshot's price forward so each
// entry shows the move that followed the rating it reports.
func BuildEntries(rows []HistoryRow, timeframe string) []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(rows))
	var prevClose *float64
	for _, row := range rows {
		rating, prev := row.DailyRating, row.DailyPrev
		if timeframe == TimeframeWeekly {
			rating, prev = row.WeeklyRating, row.WeeklyPrev
		}
		entry := HistoryEntry{
			Timestamp:   row.Timestamp,
			Date:        dateOf(row.Timestamp),
			PrevClose:   prevClose,
			ResultPrice: row.Price,
			ChangePct:   row.ChangePct,
			ChangeAbs:   row.ChangeAbs,
		}
		if rating != nil {
			entry.Rating = *rating
		}
		if prev != nil {
			entry.Prev = *prev
		}
		entries = append(entries, entry)
		if row.Price != nil {
			prevClose = row.Price
		}
	}
	return entries
}

// dateOf takes the calendar-date prefix of a stored timestamp.
func dateOf(timestamp string) string {
	if len(timestamp) >= 10 {
		return timestamp[:10]
	}
	return timestamp
}

// FilterDirectional drops entries without a usable direction: a Neutral
// or Unknown rating, or an Unknown prev. The dashboard hides these rows,
// so the served history and summary leave them out too.
func FilterDirectional(entries []HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if strings.EqualFold(e.Rating, RatingNeutral) ||
			strings.EqualFold(e.Rating, RatingUnknown) ||
			strings.EqualFold(e.Prev, RatingUnknown) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ScoreEntries applies the dashboard's scoring to a served history. It
// differs from the persisted scheme in one way: an unchanged rating still
// counts as a signal when the price moved, with a buy side expecting a
// gain and a sell side a drop. The result is never persisted.
func ScoreEntries(entries []HistoryEntry) AccuracySummary {
	var correct, incorrect int
	for _, e := range entries {
		prev := strings.ToLower(e.Prev)
		rating := strings.ToLower(e.Rating)
		if prev == "" || rating == "" {
			continue
		}

		var change float64
		if e.ChangePct != nil {
			change = *e.ChangePct
		}
		unchanged := rating == prev
		if unchanged && math.Abs(change) < 0.01 {
			continue
		}

		ok := false
		switch {
		case unchanged && isBuySide(rating):
			ok = change > 0
		case unchanged && isSellSide(rating):
			ok = change < 0
		case isSellSide(prev) && isBuySide(rating):
			ok = change > 0
		case isBuySide(prev) && isSellSide(rating):
			ok = change < 0
		}
		if ok {
			correct++
		} else {
			incorrect++
		}
	}

	summary := AccuracySummary{Correct: correct, Incorrect: incorrect, Total: correct + incorrect}
	if summary.Total > 0 {
		summary.Accuracy = math.Round(float64(correct) / float64(summary.Total) * 100)
	}
	return summary
}
