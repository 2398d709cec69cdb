package server

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imposzible9/Cal-DR-Project/internal/events"
)

// readSSEData reads lines until the next data: frame and returns its
// payload.
func readSSEData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventsStreamForwardsBusEvents(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	handler := NewEventsStreamHandler(bus, zerolog.Nop())

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// The hello frame arrives after all subscriptions are installed, so
	// emitting after it is race-free.
	hello := readSSEData(t, reader)
	assert.Contains(t, hello, `"type":"connected"`)

	bus.Emit(events.RatingChanged, "ratings", map[string]interface{}{"ticker": "NVDA80"})

	frame := readSSEData(t, reader)
	assert.Contains(t, frame, `"type":"RATING_CHANGED"`)
	assert.Contains(t, frame, `"module":"ratings"`)
	assert.Contains(t, frame, `"ticker":"NVDA80"`)
}

func TestEventsStreamTypeFilter(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	handler := NewEventsStreamHandler(bus, zerolog.Nop())

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/?types=BACKUP_COMPLETED")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	readSSEData(t, reader) // hello

	// Not subscribed; must not produce a frame.
	bus.Emit(events.RatingChanged, "ratings", map[string]interface{}{"ticker": "NVDA80"})
	bus.Emit(events.BackupCompleted, "reliability", map[string]interface{}{"archive": "caldr-backup-2026-08-26-010000.tar.gz"})

	frame := readSSEData(t, reader)
	assert.Contains(t, frame, `"type":"BACKUP_COMPLETED"`)
	assert.NotContains(t, frame, "RATING_CHANGED")
}
