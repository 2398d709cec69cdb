package ratings

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Repository persists the rating tiers. Batch writers pass the transaction
// they commit under; reads run on the repository's own handle.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a ratings repository on the given handle.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "ratings").Logger(),
	}
}

// UpsertStats appends one rating_stats row when either label differs from
// the ticker's most recent stored pair. Both timeframes share the row and
// changed_at mirrors the row timestamp on both sides. Returns whether a
// row was written.
func (r *Repository) UpsertStats(tx *sql.Tx, obs Observation, timestamp string) (bool, error) {
	var lastDaily, lastWeekly sql.NullString
	err := tx.QueryRow(`
		SELECT daily_rating, weekly_rating
		FROM rating_stats
		WHERE ticker = ?
		ORDER BY ticker, timestamp DESC
		LIMIT 1`, obs.Ticker).Scan(&lastDaily, &lastWeekly)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to read latest stats row: %w", err)
	}
	if err == nil {
		dailyChanged := obs.DailyRating != "" && (!lastDaily.Valid || obs.DailyRating != lastDaily.String)
		weeklyChanged := obs.WeeklyRating != "" && (!lastWeekly.Valid || obs.WeeklyRating != lastWeekly.String)
		if !dailyChanged && !weeklyChanged {
			return false, nil
		}
	}

	_, err = tx.Exec(`
		INSERT INTO rating_stats
		(ticker, timestamp, daily_val, daily_rating, daily_changed_at, weekly_val, weekly_rating, weekly_changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		obs.Ticker, timestamp,
		obs.DailyVal, obs.DailyRating, timestamp,
		obs.WeeklyVal, obs.WeeklyRating, timestamp)
	if err != nil {
		return false, fmt.Errorf("failed to insert stats row: %w", err)
	}
	return true, nil
}

// UpsertMain writes the Neutral-filtered current-state row. A side moves
// only when its incoming label is non-Neutral and differs from the stored
// one; the side that did not move is carried over unchanged from the
// previous row. The first row for a ticker is always written, with any
// Neutral side left blank.
func (r *Repository) UpsertMain(tx *sql.Tx, obs Observation, timestamp string) (bool, error) {
	var curDailyVal, curWeeklyVal sql.NullFloat64
	var curDailyRating, curDailyPrev, curDailyChangedAt sql.NullString
	var curWeeklyRating, curWeeklyPrev, curWeeklyChangedAt sql.NullString
	first := false
	err := tx.QueryRow(`
		SELECT daily_val, daily_rating, daily_prev, daily_changed_at,
		       weekly_val, weekly_rating, weekly_prev, weekly_changed_at
		FROM rating_main
		WHERE ticker = ?
		ORDER BY timestamp DESC
		LIMIT 1`, obs.Ticker).Scan(
		&curDailyVal, &curDailyRating, &curDailyPrev, &curDailyChangedAt,
		&curWeeklyVal, &curWeeklyRating, &curWeeklyPrev, &curWeeklyChangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		first = true
	} else if err != nil {
		return false, fmt.Errorf("failed to read latest main row: %w", err)
	}

	updateDaily := sideMoves(first, obs.DailyRating, curDailyRating)
	updateWeekly := sideMoves(first, obs.WeeklyRating, curWeeklyRating)
	if !updateDaily && !updateWeekly {
		return false, nil
	}

	dailyVal, dailyRating, dailyPrev, dailyChangedAt := sideValues(
		updateDaily, first, obs.DailyVal, obs.DailyRating, timestamp,
		curDailyVal, curDailyRating, curDailyPrev, curDailyChangedAt)
	weeklyVal, weeklyRating, weeklyPrev, weeklyChangedAt := sideValues(
		updateWeekly, first, obs.WeeklyVal, obs.WeeklyRating, timestamp,
		curWeeklyVal, curWeeklyRating, curWeeklyPrev, curWeeklyChangedAt)

	_, err = tx.Exec(`
		INSERT INTO rating_main
		(ticker, timestamp, daily_val, daily_rating, daily_prev, daily_changed_at,
		 weekly_val, weekly_rating, weekly_prev, weekly_changed_at,
		 currency, price, change_pct, change_abs, high, low)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obs.Ticker, timestamp,
		dailyVal, dailyRating, dailyPrev, dailyChangedAt,
		weeklyVal, weeklyRating, weeklyPrev, weeklyChangedAt,
		obs.Market.Currency, obs.Market.Price, obs.Market.ChangePct,
		obs.Market.ChangeAbs, obs.Market.High, obs.Market.Low)
	if err != nil {
		return false, fmt.Errorf("failed to insert main row: %w", err)
	}
	return true, nil
}

// sideMoves decides whether one timeframe triggers a rating_main write.
func sideMoves(first bool, incoming string, stored sql.NullString) bool {
	if incoming == "" {
		return false
	}
	if first {
		return true
	}
	if strings.EqualFold(incoming, RatingNeutral) {
		return false
	}
	return !stored.Valid || incoming != stored.String
}

// sideValues builds one timeframe's four columns for a rating_main insert.
// A moving side takes the new value with prev pointing at the stored
// label; on the first ever row prev seeds with the incoming label itself,
// so the carry-over chain starts anchored. A moving side that is Neutral
// (first row only) stays blank; a side that did not move is copied
// through untouched.
func sideValues(
	moves, first bool, val *float64, rating, timestamp string,
	curVal sql.NullFloat64, curRating, curPrev, curChangedAt sql.NullString,
) (*float64, *string, *string, *string) {
	if moves && !strings.EqualFold(rating, RatingNeutral) {
		prev := nullString(curRating)
		if first {
			prev = &rating
		}
		return val, &rating, prev, &timestamp
	}
	if moves {
		return nil, nil, nil, nil
	}
	return nullFloat(curVal), nullString(curRating), nullString(curPrev), nullString(curChangedAt)
}

// SnapshotInput carries one close-time observation into rating_history.
type SnapshotInput struct {
	Ticker       string
	Timestamp    string
	Date         string
	DailyVal     *float64
	DailyRating  string
	WeeklyVal    *float64
	WeeklyRating string
	Exchange     string
	Market       string
	Data         MarketData
}

// HasSnapshot reports whether the ticker already has a rating_history row
// on the given Bangkok calendar date.
func (r *Repository) HasSnapshot(ticker, date string) (bool, error) {
	var one int
	err := r.db.QueryRow(`
		SELECT 1 FROM rating_history
		WHERE ticker = ? AND strftime('%Y-%m-%d', timestamp) = ?
		LIMIT 1`, ticker, date).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check snapshot: %w", err)
	}
	return true, nil
}

// InsertSnapshot writes the once-per-day history row. The prev labels come
// from the latest earlier history row (a daily-granularity lag, distinct
// from rating_main.prev); both changed_at columns take the row timestamp.
// Returns false without writing when the date already has a snapshot.
func (r *Repository) InsertSnapshot(tx *sql.Tx, snap SnapshotInput) (bool, error) {
	var one int
	err := tx.QueryRow(`
		SELECT 1 FROM rating_history
		WHERE ticker = ? AND strftime('%Y-%m-%d', timestamp) = ?
		LIMIT 1`, snap.Ticker, snap.Date).Scan(&one)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to check snapshot: %w", err)
	}

	var prevDaily, prevWeekly sql.NullString
	err = tx.QueryRow(`
		SELECT daily_rating, weekly_rating
		FROM rating_history
		WHERE ticker = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT 1`, snap.Ticker, snap.Timestamp).Scan(&prevDaily, &prevWeekly)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to read previous snapshot: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO rating_history
		(ticker, timestamp, daily_val, daily_rating, daily_prev, daily_changed_at,
		 weekly_val, weekly_rating, weekly_prev, weekly_changed_at,
		 exchange, market, currency, price, change_pct, change_abs, high, low)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Ticker, snap.Timestamp,
		snap.DailyVal, snap.DailyRating, nullString(prevDaily), snap.Timestamp,
		snap.WeeklyVal, snap.WeeklyRating, nullString(prevWeekly), snap.Timestamp,
		snap.Exchange, snap.Market,
		snap.Data.Currency, snap.Data.Price, snap.Data.ChangePct,
		snap.Data.ChangeAbs, snap.Data.High, snap.Data.Low)
	if err != nil {
		return false, fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return true, nil
}

// DistinctMainTickers lists every ticker that has a rating_main row.
func (r *Repository) DistinctMainTickers() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT ticker FROM rating_main ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan ticker: %w", err)
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}

// LatestMain returns the newest rating_main row for a ticker, or nil when
// the ticker is untracked.
func (r *Repository) LatestMain(ticker string) (*MainRow, error) {
	var row MainRow
	var dailyVal, weeklyVal sql.NullFloat64
	var dailyRating, dailyPrev, dailyChanged sql.NullString
	var weeklyRating, weeklyPrev, weeklyChanged sql.NullString
	var currency sql.NullString
	var price, changePct, changeAbs, high, low sql.NullFloat64
	err := r.db.QueryRow(`
		SELECT ticker, timestamp, daily_val, daily_rating, daily_prev, daily_changed_at,
		       weekly_val, weekly_rating, weekly_prev, weekly_changed_at,
		       currency, price, change_pct, change_abs, high, low
		FROM rating_main
		WHERE ticker = ?
		ORDER BY timestamp DESC
		LIMIT 1`, ticker).Scan(
		&row.Ticker, &row.Timestamp, &dailyVal, &dailyRating, &dailyPrev, &dailyChanged,
		&weeklyVal, &weeklyRating, &weeklyPrev, &weeklyChanged,
		&currency, &price, &changePct, &changeAbs, &high, &low)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest main row: %w", err)
	}

	row.DailyVal = nullFloat(dailyVal)
	row.DailyRating = nullString(dailyRating)
	row.DailyPrev = nullString(dailyPrev)
	row.DailyChangedAt = nullString(dailyChanged)
	row.WeeklyVal = nullFloat(weeklyVal)
	row.WeeklyRating = nullString(weeklyRating)
	row.WeeklyPrev = nullString(weeklyPrev)
	row.WeeklyChangedAt = nullString(weeklyChanged)
	row.Currency = currency.String
	row.Price = nullFloat(price)
	row.ChangePct = nullFloat(changePct)
	row.ChangeAbs = nullFloat(changeAbs)
	row.High = nullFloat(high)
	row.Low = nullFloat(low)
	return &row, nil
}

// ChangePoint is one entry of a per-timeframe change history array.
type ChangePoint struct {
	Rating    string `json:"rating"`
	Timestamp string `json:"timestamp"`
}

// ChangeHistory returns the chronological rating changes of one timeframe,
// read from the daily snapshots. Rows whose rating or changed_at is NULL
// (blanked Neutral sides) are filtered out.
func (r *Repository) ChangeHistory(ticker, timeframe string) ([]ChangePoint, error) {
	col := "daily"
	if timeframe == TimeframeWeekly {
		col = "weekly"
	}
	query := fmt.Sprintf(`
		SELECT %[1]s_rating, %[1]s_changed_at
		FROM rating_history
		WHERE ticker = ? AND %[1]s_rating IS NOT NULL AND %[1]s_changed_at IS NOT NULL
		ORDER BY timestamp ASC`, col)

	rows, err := r.db.Query(query, ticker)
	if err != nil {
		return nil, fmt.Errorf("failed to read change history: %w", err)
	}
	defer rows.Close()

	var points []ChangePoint
	for rows.Next() {
		var p ChangePoint
		if err := rows.Scan(&p.Rating, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan change point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// HistoryAsc returns every rating_history row of a ticker in chronological
// order.
func (r *Repository) HistoryAsc(ticker string) ([]HistoryRow, error) {
	return r.historyRows(`
		SELECT ticker, timestamp, daily_val, daily_rating, daily_prev, daily_changed_at,
		       weekly_val, weekly_rating, weekly_prev, weekly_changed_at,
		       exchange, market, currency, price, change_pct, change_abs, high, low
		FROM rating_history
		WHERE ticker = ?
		ORDER BY timestamp ASC`, ticker)
}

// HistoryWindow returns the chronological rating_history rows at or after
// since (a naive Bangkok timestamp string).
func (r *Repository) HistoryWindow(ticker, since string) ([]HistoryRow, error) {
	return r.historyRows(`
		SELECT ticker, timestamp, daily_val, daily_rating, daily_prev, daily_changed_at,
		       weekly_val, weekly_rating, weekly_prev, weekly_changed_at,
		       exchange, market, currency, price, change_pct, change_abs, high, low
		FROM rating_history
		WHERE ticker = ? AND timestamp >= ?
		ORDER BY timestamp ASC`, ticker, since)
}

func (r *Repository) historyRows(query string, args ...interface{}) ([]HistoryRow, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var row HistoryRow
		var dailyVal, weeklyVal sql.NullFloat64
		var dailyRating, dailyPrev, dailyChanged sql.NullString
		var weeklyRating, weeklyPrev, weeklyChanged sql.NullString
		var exchange, market, currency sql.NullString
		var price, changePct, changeAbs, high, low sql.NullFloat64
		if err := rows.Scan(
			&row.Ticker, &row.Timestamp, &dailyVal, &dailyRating, &dailyPrev, &dailyChanged,
			&weeklyVal, &weeklyRating, &weeklyPrev, &weeklyChanged,
			&exchange, &market, &currency, &price, &changePct, &changeAbs, &high, &low); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		row.DailyVal = nullFloat(dailyVal)
		row.DailyRating = nullString(dailyRating)
		row.DailyPrev = nullString(dailyPrev)
		row.DailyChangedAt = nullString(dailyChanged)
		row.WeeklyVal = nullFloat(weeklyVal)
		row.WeeklyRating = nullString(weeklyRating)
		row.WeeklyPrev = nullString(weeklyPrev)
		row.WeeklyChangedAt = nullString(weeklyChanged)
		row.Exchange = exchange.String
		row.Market = market.String
		row.Currency = currency.String
		row.Price = nullFloat(price)
		row.ChangePct = nullFloat(changePct)
		row.ChangeAbs = nullFloat(changeAbs)
		row.High = nullFloat(high)
		row.Low = nullFloat(low)
		out = append(out, row)
	}
	return out, rows.Err()
}

// PrevPriceBefore returns the latest history price strictly before ts, or
// nil when the ticker has no earlier priced snapshot.
func (r *Repository) PrevPriceBefore(ticker, ts string) (*float64, error) {
	var price sql.NullFloat64
	err := r.db.QueryRow(`
		SELECT price FROM rating_history
		WHERE ticker = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT 1`, ticker, ts).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read previous price: %w", err)
	}
	return nullFloat(price), nil
}

// UpsertAccuracy writes one derived accuracy row keyed by
// (ticker, timestamp), replacing any earlier computation for that key.
func (r *Repository) UpsertAccuracy(row AccuracyRow) error {
	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO rating_accuracy
		(ticker, timestamp, price, price_prev, change_pct, currency, high, low, window_day,
		 daily_rating, daily_prev, samplesize_daily, correct_daily, incorrect_daily, accuracy_daily,
		 weekly_rating, weekly_prev, samplesize_weekly, correct_weekly, incorrect_weekly, accuracy_weekly)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Ticker, row.Timestamp, row.Price, row.PricePrev, row.ChangePct, row.Currency,
		row.High, row.Low, row.WindowDay,
		row.DailyRating, row.DailyPrev, row.SampleSizeDaily, row.CorrectDaily,
		row.IncorrectDaily, row.AccuracyDaily,
		row.WeeklyRating, row.WeeklyPrev, row.SampleSizeWeekly, row.CorrectWeekly,
		row.IncorrectWeekly, row.AccuracyWeekly)
	if err != nil {
		return fmt.Errorf("failed to upsert accuracy row: %w", err)
	}
	return nil
}

// LatestAccuracy returns the newest rating_accuracy row for a ticker, or
// nil when none has been computed yet.
func (r *Repository) LatestAccuracy(ticker string) (*AccuracyRow, error) {
	var row AccuracyRow
	var price, pricePrev, changePct, high, low sql.NullFloat64
	var currency sql.NullString
	var dailyRating, dailyPrev, weeklyRating, weeklyPrev sql.NullString
	var accuracyDaily, accuracyWeekly sql.NullFloat64
	err := r.db.QueryRow(`
		SELECT ticker, timestamp, price, price_prev, change_pct, currency, high, low, window_day,
		       daily_rating, daily_prev, samplesize_daily, correct_daily, incorrect_daily, accuracy_daily,
		       weekly_rating, weekly_prev, samplesize_weekly, correct_weekly, incorrect_weekly, accuracy_weekly
		FROM rating_accuracy
		WHERE ticker = ?
		ORDER BY timestamp DESC
		LIMIT 1`, ticker).Scan(
		&row.Ticker, &row.Timestamp, &price, &pricePrev, &changePct, &currency, &high, &low,
		&row.WindowDay,
		&dailyRating, &dailyPrev, &row.SampleSizeDaily, &row.CorrectDaily, &row.IncorrectDaily,
		&accuracyDaily,
		&weeklyRating, &weeklyPrev, &row.SampleSizeWeekly, &row.CorrectWeekly, &row.IncorrectWeekly,
		&accuracyWeekly)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest accuracy row: %w", err)
	}

	row.Price = nullFloat(price)
	row.PricePrev = nullFloat(pricePrev)
	row.ChangePct = nullFloat(changePct)
	row.Currency = currency.String
	row.High = nullFloat(high)
	row.Low = nullFloat(low)
	row.DailyRating = nullString(dailyRating)
	row.DailyPrev = nullString(dailyPrev)
	row.WeeklyRating = nullString(weeklyRating)
	row.WeeklyPrev = nullString(weeklyPrev)
	row.AccuracyDaily = accuracyDaily.Float64
	row.AccuracyWeekly = accuracyWeekly.Float64
	return &row, nil
}

// HistoryKey identifies one rating_history row.
type HistoryKey struct {
	Ticker    string
	Timestamp string
}

// MissingAccuracy lists history rows that have no matching accuracy row,
// oldest first. The startup back-fill walks this list.
func (r *Repository) MissingAccuracy(limit int) ([]HistoryKey, error) {
	rows, err := r.db.Query(`
		SELECT h.ticker, h.timestamp
		FROM rating_history h
		LEFT JOIN rating_accuracy a ON a.ticker = h.ticker AND a.timestamp = h.timestamp
		WHERE a.ticker IS NULL
		ORDER BY h.timestamp ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unscored snapshots: %w", err)
	}
	defer rows.Close()

	var keys []HistoryKey
	for rows.Next() {
		var k HistoryKey
		if err := rows.Scan(&k.Ticker, &k.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// HistoryRowAt returns one history row by exact key, or nil.
func (r *Repository) HistoryRowAt(ticker, ts string) (*HistoryRow, error) {
	rows, err := r.historyRows(`
		SELECT ticker, timestamp, daily_val, daily_rating, daily_prev, daily_changed_at,
		       weekly_val, weekly_rating, weekly_prev, weekly_changed_at,
		       exchange, market, currency, price, change_pct, change_abs, high, low
		FROM rating_history
		WHERE ticker = ? AND timestamp = ?
		LIMIT 1`, ticker, ts)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// LatestHistory returns a ticker's most recent snapshot row, or nil when
// the ticker has never been snapped.
func (r *Repository) LatestHistory(ticker string) (*HistoryRow, error) {
	rows, err := r.historyRows(`
		SELECT ticker, timestamp, daily_val, daily_rating, daily_prev, daily_changed_at,
		       weekly_val, weekly_rating, weekly_prev, weekly_changed_at,
		       exchange, market, currency, price, change_pct, change_abs, high, low
		FROM rating_history
		WHERE ticker = ?
		ORDER BY timestamp DESC
		LIMIT 1`, ticker)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// CleanupResult counts the rows removed from each tier.
type CleanupResult struct {
	Stats    int64
	Main     int64
	History  int64
	Accuracy int64
}

// CleanupDate deletes, from all four tables, the rows whose Bangkok
// calendar date equals date. Run daily this keeps a rolling window: each
// day exactly the day that just fell out of retention is removed.
func (r *Repository) CleanupDate(tx *sql.Tx, date string) (CleanupResult, error) {
	var res CleanupResult
	for _, t := range []struct {
		table string
		count *int64
	}{
		{"rating_stats", &res.Stats},
		{"rating_main", &res.Main},
		{"rating_history", &res.History},
		{"rating_accuracy", &res.Accuracy},
	} {
		out, err := tx.Exec(
			fmt.Sprintf(`DELETE FROM %s WHERE strftime('%%Y-%%m-%%d', timestamp) = ?`, t.table),
			date)
		if err != nil {
			return res, fmt.Errorf("failed to clean %s: %w", t.table, err)
		}
		if n, err := out.RowsAffected(); err == nil {
			*t.count = n
		}
	}
	return res, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
