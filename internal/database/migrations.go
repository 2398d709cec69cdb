package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Schema migration for the ratings database.
//
// The contract is deliberately asymmetric: missing required columns mean the
// table still has a legacy shape and is dropped and recreated (stats and main
// are recomputable from the next sweep, history is repopulated by the close
// schedulers), while the nullable market-data columns added to rating_history
// later are patched in place with ALTER TABLE so existing snapshots survive.

const createRatingStats = `
CREATE TABLE IF NOT EXISTS rating_stats (
    ticker TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    daily_val REAL,
    daily_rating TEXT,
    daily_changed_at TEXT,
    weekly_val REAL,
    weekly_rating TEXT,
    weekly_changed_at TEXT,
    PRIMARY KEY (ticker, timestamp)
)`

const createRatingMain = `
CREATE TABLE IF NOT EXISTS rating_main (
    ticker TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    daily_val REAL,
    daily_rating TEXT,
    daily_prev TEXT,
    daily_changed_at TEXT,
    weekly_val REAL,
    weekly_rating TEXT,
    weekly_prev TEXT,
    weekly_changed_at TEXT,
    currency TEXT,
    price REAL,
    change_pct REAL,
    change_abs REAL,
    high REAL,
    low REAL,
    PRIMARY KEY (ticker, timestamp)
)`

const createRatingHistory = `
CREATE TABLE IF NOT EXISTS rating_history (
    ticker TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    daily_val REAL,
    daily_rating TEXT,
    daily_prev TEXT,
    daily_changed_at TEXT,
    weekly_val REAL,
    weekly_rating TEXT,
    weekly_prev TEXT,
    weekly_changed_at TEXT,
    exchange TEXT,
    market TEXT,
    currency TEXT,
    price REAL,
    change_pct REAL,
    change_abs REAL,
    high REAL,
    low REAL,
    PRIMARY KEY (ticker, timestamp)
)`

const createRatingAccuracy = `
CREATE TABLE IF NOT EXISTS rating_accuracy (
    ticker TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    price REAL,
    price_prev REAL,
    change_pct REAL,
    currency TEXT,
    high REAL,
    low REAL,
    window_day INTEGER,
    daily_rating TEXT,
    daily_prev TEXT,
    samplesize_daily INTEGER,
    correct_daily INTEGER,
    incorrect_daily INTEGER,
    accuracy_daily REAL,
    weekly_rating TEXT,
    weekly_prev TEXT,
    samplesize_weekly INTEGER,
    correct_weekly INTEGER,
    incorrect_weekly INTEGER,
    accuracy_weekly REAL,
    PRIMARY KEY (ticker, timestamp)
)`

const createTracking = `
CREATE TABLE IF NOT EXISTS tracking (
    id TEXT PRIMARY KEY,
    session_id TEXT,
    event_type TEXT NOT NULL,
    event_data TEXT,
    page_path TEXT,
    timestamp TEXT NOT NULL,
    user_agent TEXT
)`

var createIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_rating_main_ticker_ts ON rating_main (ticker, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_rating_accuracy_ticker_ts ON rating_accuracy (ticker, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_tracking_event_type ON tracking (event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_tracking_timestamp ON tracking (timestamp DESC)`,
}

// tableSpec describes one table's migration rules.
type tableSpec struct {
	name      string
	createSQL string
	// required columns; any of these missing means a legacy shape
	required []string
	// addable nullable columns patched in with ALTER TABLE, name -> type
	addable [][2]string
}

var ratingTables = []tableSpec{
	{
		name:      "rating_stats",
		createSQL: createRatingStats,
		required: []string{
			"ticker", "timestamp",
			"daily_val", "daily_rating", "daily_changed_at",
			"weekly_val", "weekly_rating", "weekly_changed_at",
		},
	},
	{
		name:      "rating_main",
		createSQL: createRatingMain,
		required: []string{
			"ticker", "timestamp",
			"daily_val", "daily_rating", "daily_prev", "daily_changed_at",
			"weekly_val", "weekly_rating", "weekly_prev", "weekly_changed_at",
			"currency", "price", "change_pct", "change_abs", "high", "low",
		},
	},
	{
		name:      "rating_history",
		createSQL: createRatingHistory,
		required: []string{
			"ticker", "timestamp",
			"daily_val", "daily_rating", "daily_prev", "daily_changed_at",
			"weekly_val", "weekly_rating", "weekly_prev", "weekly_changed_at",
		},
		addable: [][2]string{
			{"exchange", "TEXT"},
			{"market", "TEXT"},
			{"currency", "TEXT"},
			{"price", "REAL"},
			{"change_pct", "REAL"},
			{"change_abs", "REAL"},
			{"high", "REAL"},
			{"low", "REAL"},
		},
	},
	{
		name:      "rating_accuracy",
		createSQL: createRatingAccuracy,
		required: []string{
			"ticker", "timestamp",
			"price", "price_prev", "change_pct", "currency", "high", "low",
			"window_day",
			"daily_rating", "daily_prev",
			"samplesize_daily", "correct_daily", "incorrect_daily", "accuracy_daily",
			"weekly_rating", "weekly_prev",
			"samplesize_weekly", "correct_weekly", "incorrect_weekly", "accuracy_weekly",
		},
	},
	{
		name:      "tracking",
		createSQL: createTracking,
		required: []string{
			"id", "session_id", "event_type", "event_data",
			"page_path", "timestamp", "user_agent",
		},
	},
}

// Migrate inspects every ratings table and brings it to the current shape.
func Migrate(db *sql.DB, log zerolog.Logger) error {
	for _, spec := range ratingTables {
		if err := migrateTable(db, spec, log); err != nil {
			return fmt.Errorf("migrate %s: %w", spec.name, err)
		}
	}

	for _, stmt := range createIndexes {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	return nil
}

func migrateTable(db *sql.DB, spec tableSpec, log zerolog.Logger) error {
	cols, err := tableColumns(db, spec.name)
	if err != nil {
		return err
	}

	if len(cols) == 0 {
		// Table doesn't exist yet
		_, err := db.Exec(spec.createSQL)
		return err
	}

	// The pre-split schema kept a timeframe discriminator column; its
	// presence always means the legacy shape.
	_, legacy := cols["timeframe"]
	if !legacy {
		for _, required := range spec.required {
			if _, ok := cols[required]; !ok {
				legacy = true
				break
			}
		}
	}

	if legacy {
		log.Warn().Str("table", spec.name).Msg("Legacy schema detected, dropping and recreating table")
		if _, err := db.Exec("DROP TABLE IF EXISTS " + spec.name); err != nil {
			return fmt.Errorf("drop legacy table: %w", err)
		}
		_, err := db.Exec(spec.createSQL)
		return err
	}

	for _, add := range spec.addable {
		if _, ok := cols[add[0]]; ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", spec.name, add[0], add[1])
		if _, err := db.Exec(stmt); err != nil {
			// A concurrent writer may have added it first
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("add column %s: %w", add[0], err)
		}
		log.Info().Str("table", spec.name).Str("column", add[0]).Msg("Added missing column")
	}

	return nil
}

// tableColumns returns the column set of a table, empty when the table
// does not exist.
func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info row: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
