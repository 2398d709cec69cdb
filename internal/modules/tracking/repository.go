package tracking

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Repository reads and writes the tracking table.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a tracking repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "tracking").Logger(),
	}
}

// Insert stores one event and returns its generated id.
func (r *Repository) Insert(ev Event) (string, error) {
	id := uuid.New().String()

	var data *string
	if len(ev.EventData) > 0 && string(ev.EventData) != "null" {
		s := string(ev.EventData)
		data = &s
	}

	_, err := r.db.Exec(`
		INSERT INTO tracking (id, session_id, event_type, event_data, page_path, timestamp, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id,
		emptyToNull(ev.SessionID),
		ev.EventType,
		data,
		emptyToNull(ev.PagePath),
		normalizeTimestamp(ev.Timestamp),
		emptyToNull(ev.UserAgent),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert tracking event: %w", err)
	}

	return id, nil
}

// Summary aggregates counts per event type over the trailing window.
func (r *Repository) Summary(hours int) (*Summary, error) {
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339)

	summary := &Summary{
		Hours:       hours,
		ByEventType: make(map[string]int),
	}

	rows, err := r.db.Query(`
		SELECT event_type, COUNT(*)
		FROM tracking
		WHERE timestamp >= ?
		GROUP BY event_type`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate tracking events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan tracking aggregate: %w", err)
		}
		summary.ByEventType[eventType] = count
		summary.TotalEvents += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = r.db.QueryRow(`
		SELECT COUNT(DISTINCT session_id)
		FROM tracking
		WHERE timestamp >= ? AND session_id IS NOT NULL`, since).
		Scan(&summary.UniqueSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to count tracking sessions: %w", err)
	}

	return summary, nil
}

// Recent returns the newest events, for ops debugging.
func (r *Repository) Recent(limit int) ([]StoredEvent, error) {
	rows, err := r.db.Query(`
		SELECT id, session_id, event_type, event_data, page_path, timestamp, user_agent
		FROM tracking
		ORDER BY timestamp DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking events: %w", err)
	}
	defer rows.Close()

	events := make([]StoredEvent, 0, limit)
	for rows.Next() {
		var ev StoredEvent
		var sessionID, eventData, pagePath, userAgent sql.NullString
		if err := rows.Scan(&ev.ID, &sessionID, &ev.EventType, &eventData, &pagePath, &ev.Timestamp, &userAgent); err != nil {
			return nil, fmt.Errorf("failed to scan tracking event: %w", err)
		}
		ev.SessionID = nullString(sessionID)
		ev.EventData = nullString(eventData)
		ev.PagePath = nullString(pagePath)
		ev.UserAgent = nullString(userAgent)
		events = append(events, ev)
	}

	return events, rows.Err()
}

// normalizeTimestamp converts the client's ISO timestamp to UTC RFC3339
// so stored values compare lexicographically. Missing or malformed input
// falls back to the server clock.
func normalizeTimestamp(raw string) string {
	if raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func emptyToNull(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
