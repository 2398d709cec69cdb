// Package tracking persists frontend usage events posted by the site
// tracker and aggregates them for ops dashboards.
package tracking

import "encoding/json"

// Event is the payload the frontend tracker posts to /api/track.
// EventData arrives as arbitrary JSON and is stored verbatim.
type Event struct {
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data,omitempty"`
	PagePath  string          `json:"page_path,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	UserAgent string          `json:"user_agent,omitempty"`
}

// StoredEvent is a tracking row as persisted, generated id included.
type StoredEvent struct {
	ID        string  `json:"id"`
	SessionID *string `json:"session_id,omitempty"`
	EventType string  `json:"event_type"`
	EventData *string `json:"event_data,omitempty"`
	PagePath  *string `json:"page_path,omitempty"`
	Timestamp string  `json:"timestamp"`
	UserAgent *string `json:"user_agent,omitempty"`
}

// Summary aggregates event counts over a trailing window.
type Summary struct {
	Hours          int            `json:"hours"`
	TotalEvents    int            `json:"total_events"`
	UniqueSessions int            `json:"unique_sessions"`
	ByEventType    map[string]int `json:"by_event_type"`
}
