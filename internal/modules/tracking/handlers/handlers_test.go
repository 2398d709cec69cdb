package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imposzible9/Cal-DR-Project/internal/database"
	"github.com/imposzible9/Cal-DR-Project/internal/modules/tracking"
)

func newTestHandler(t *testing.T) (*Handler, *tracking.Repository) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	require.NoError(t, database.Migrate(db, logger))

	repo := tracking.NewRepository(db, logger)
	return NewHandler(repo, logger), repo
}

func TestHandleTrack(t *testing.T) {
	handler, repo := newTestHandler(t)

	body := `{
		"session_id": "session_1756180000000_x1y2z3",
		"event_type": "calculation",
		"event_data": {"dr_symbol": "NVDA80", "computed_price": 12.34},
		"page_path": "/calculator",
		"timestamp": "2026-08-26T09:15:30.123Z",
		"user_agent": "Mozilla/5.0"
	}`
	req := httptest.NewRequest("POST", "/api/track", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.HandleTrack(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
	assert.NotEmpty(t, response["id"])

	events, err := repo.Recent(1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, response["id"], events[0].ID)
	assert.Equal(t, "calculation", events[0].EventType)
	require.NotNil(t, events[0].EventData)
	assert.JSONEq(t, `{"dr_symbol": "NVDA80", "computed_price": 12.34}`, *events[0].EventData)
}

func TestHandleTrackUserAgentFromHeader(t *testing.T) {
	handler, repo := newTestHandler(t)

	req := httptest.NewRequest("POST", "/api/track", strings.NewReader(`{"event_type":"page_view"}`))
	req.Header.Set("User-Agent", "sendBeacon-agent")
	w := httptest.NewRecorder()
	handler.HandleTrack(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)

	events, err := repo.Recent(1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].UserAgent)
	assert.Equal(t, "sendBeacon-agent", *events[0].UserAgent)
}

func TestHandleTrackRejectsBadInput(t *testing.T) {
	handler, _ := newTestHandler(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"event_type": `},
		{"missing event_type", `{"session_id": "s1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/track", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.HandleTrack(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)

			var response map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.NotEmpty(t, response["error"])
		})
	}
}

func TestHandleSummary(t *testing.T) {
	handler, repo := newTestHandler(t)

	for _, eventType := range []string{"page_view", "page_view", "search"} {
		_, err := repo.Insert(tracking.Event{SessionID: "s1", EventType: eventType})
		require.NoError(t, err)
	}

	req := httptest.NewRequest("GET", "/api/track/summary?hours=24", nil)
	w := httptest.NewRecorder()
	handler.HandleSummary(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var summary tracking.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 24, summary.Hours)
	assert.Equal(t, 3, summary.TotalEvents)
	assert.Equal(t, 1, summary.UniqueSessions)
	assert.Equal(t, 2, summary.ByEventType["page_view"])
	assert.Equal(t, 1, summary.ByEventType["search"])
}

func TestHandleSummaryClampsHours(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest("GET", "/api/track/summary?hours=99999", nil)
	w := httptest.NewRecorder()
	handler.HandleSummary(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var summary tracking.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 720, summary.Hours)
}

func TestHandleRecent(t *testing.T) {
	handler, repo := newTestHandler(t)

	_, err := repo.Insert(tracking.Event{EventType: "click"})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/track/recent?limit=10", nil)
	w := httptest.NewRecorder()
	handler.HandleRecent(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, float64(1), response["total"])
	events := response["events"].([]interface{})
	require.Len(t, events, 1)
	assert.Equal(t, "click", events[0].(map[string]interface{})["event_type"])
}
