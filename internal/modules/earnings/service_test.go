package earnings

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imposzible9/Cal-DR-Project/internal/clients/tradingview"
	"github.com/imposzible9/Cal-DR-Project/internal/events"
)

func fptr(f float64) *float64 { return &f }

// scanValues builds one positional screener row from named columns.
func scanValues(t *testing.T, fields map[string]interface{}) []interface{} {
	t.Helper()
	values := make([]interface{}, len(tradingview.EarningsColumns))
	for name, v := range fields {
		idx, ok := colIndex[name]
		require.True(t, ok, "unknown column %s", name)
		values[idx] = v
	}
	return values
}

func scanRow(t *testing.T, symbol string, fields map[string]interface{}) tradingview.ScanRow {
	t.Helper()
	return tradingview.ScanRow{Symbol: symbol, Values: scanValues(t, fields)}
}

func TestWeekRange(t *testing.T) {
	// 2024-01-10 is a Wednesday; its Monday is 2024-01-08 00:00 UTC.
	wednesday := time.Date(2024, 1, 10, 12, 30, 0, 0, time.UTC)
	mondayUnix := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC).Unix()

	tests := []struct {
		name   string
		market string
		now    time.Time
		start  int64
	}{
		{"midweek", "america", wednesday, mondayUnix},
		{"monday itself", "america", time.Date(2024, 1, 8, 0, 30, 0, 0, time.UTC), mondayUnix},
		{"sunday night", "america", time.Date(2024, 1, 14, 23, 0, 0, 0, time.UTC), mondayUnix},
		{"japan shifts 15h", "japan", wednesday, mondayUnix + 15*3600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := weekRange(tt.market, tt.now)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.start+7*24*3600, end)
		})
	}
}

func TestMapRows(t *testing.T) {
	now := time.Now()
	future := float64(now.Add(48 * time.Hour).Unix())
	past := float64(now.Add(-48 * time.Hour).Unix())

	rows := []tradingview.ScanRow{
		scanRow(t, "NASDAQ:AAPL", map[string]interface{}{
			"name":                                 " aapl ",
			"description":                          "APPLE INC",
			"market_cap_basic":                     3.0e12,
			"earnings_per_share_forecast_next_fq":  2.5,
			"earnings_per_share_fq":                2.1,
			"eps_surprise_fq":                      0.2,
			"eps_surprise_percent_fq":              9.5,
			"revenue_forecast_next_fq":             9.9e10,
			"revenue_fq":                           9.5e10,
			"earnings_release_next_date":           future,
			"earnings_release_next_calendar_date":  future,
			"currency":                             "USD",
			"exchange":                             "NASDAQ",
		}),
		scanRow(t, "NYSE:OLD", map[string]interface{}{
			"name":                    "OLD",
			"description":             "OLD CORP",
			"earnings_per_share_fq":   1.5,
			"eps_surprise_fq":         0.1,
			"eps_surprise_percent_fq": 7.0,
			"revenue_fq":              5.0e9,
			"earnings_release_date":   past,
			"currency":                "USD",
			"exchange":                "NYSE",
		}),
		// Same ticker and date as the first row: dropped.
		scanRow(t, "NASDAQ:AAPL", map[string]interface{}{
			"name":                       "AAPL",
			"earnings_release_next_date": future,
		}),
		// Unnamed row: dropped.
		scanRow(t, "NASDAQ:GHOST", map[string]interface{}{
			"earnings_release_next_date": future,
		}),
		// Truncated row: dropped.
		{Symbol: "NASDAQ:SHORT", Values: []interface{}{"short"}},
	}

	items := mapRows(rows, now)

	require.Len(t, items, 2)

	aapl := items[0]
	assert.Equal(t, "AAPL", aapl.Ticker, "names are upper-cased and trimmed")
	assert.Equal(t, "APPLE INC", aapl.Company)
	require.NotNil(t, aapl.Date)
	assert.Equal(t, future, *aapl.Date)
	require.NotNil(t, aapl.EPSEstimate)
	assert.Equal(t, 2.5, *aapl.EPSEstimate)
	assert.Nil(t, aapl.EPSReported, "future events must not echo last quarter's actuals")
	assert.Nil(t, aapl.Surprise)
	assert.Nil(t, aapl.PctSurprise)
	assert.Nil(t, aapl.RevenueActual)
	require.NotNil(t, aapl.RevenueForecast)

	old := items[1]
	assert.Equal(t, "OLD", old.Ticker)
	require.NotNil(t, old.Date, "release date backs an absent next date")
	assert.Equal(t, past, *old.Date)
	require.NotNil(t, old.EPSReported)
	assert.Equal(t, 1.5, *old.EPSReported)
	require.NotNil(t, old.RevenueActual)
}

func TestSortByDate(t *testing.T) {
	items := []Item{
		{Ticker: "NODATE"},
		{Ticker: "LATE", Date: fptr(300)},
		{Ticker: "EARLY", Date: fptr(100)},
	}

	sortByDate(items)

	assert.Equal(t, "EARLY", items[0].Ticker)
	assert.Equal(t, "LATE", items[1].Ticker)
	assert.Equal(t, "NODATE", items[2].Ticker, "undated rows sink to the end")
}

func TestSnapshotCountryFilter(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	svc := NewService(nil, events.NewBus(log), filepath.Join(t.TempDir(), "earnings_cache.json"), log)
	svc.db = map[string]MarketBlock{
		"US United States": {TotalCount: 1, Data: []Item{{Ticker: "AAPL", Date: fptr(100)}}},
		"JP Japan":         {TotalCount: 1, Data: []Item{{Ticker: "7203", Date: fptr(200)}}},
	}
	svc.updatedAt = "2026-08-25 10:00:00"

	us := svc.Snapshot("us")
	assert.Equal(t, "2026-08-25 10:00:00", us.UpdatedAt)
	require.Len(t, us.Data, 1)
	assert.Equal(t, "AAPL", us.Data["US United States"].Data[0].Ticker)

	all := svc.Snapshot("ALL")
	assert.Len(t, all.Data, 2)

	unknown := svc.Snapshot("ZZ")
	assert.Empty(t, unknown.Data)
	assert.Equal(t, "2026-08-25 10:00:00", unknown.UpdatedAt)
}

// fakeScanner serves per-market screener responses and lets tests swap the
// row set between refreshes.
type fakeScanner struct {
	mu   sync.Mutex
	rows map[string][]tradingview.ScanRow
}

func newFakeScanner(t *testing.T) (*fakeScanner, *httptest.Server) {
	f := &fakeScanner{rows: map[string][]tradingview.ScanRow{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		require.Len(t, parts, 2)
		require.Equal(t, "scan", parts[1])

		f.mu.Lock()
		rows := f.rows[parts[0]]
		f.mu.Unlock()

		resp := struct {
			Data []tradingview.ScanRow `json:"data"`
		}{Data: rows}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeScanner) set(market string, rows ...tradingview.ScanRow) {
	f.mu.Lock()
	f.rows[market] = rows
	f.mu.Unlock()
}

func TestRefreshBuildsDiffsAndPersists(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	scanner, srv := newFakeScanner(t)
	tv := tradingview.New(srv.URL+"/symbol", srv.URL, 5*time.Second, log)
	bus := events.NewBus(log)
	cachePath := filepath.Join(t.TempDir(), "earnings_cache.json")
	svc := NewService(tv, bus, cachePath, log)

	var announced []*events.Event
	bus.Subscribe(events.EarningsUpdated, func(e *events.Event) {
		announced = append(announced, e)
	})

	date := float64(time.Now().Add(24 * time.Hour).Unix())
	scanner.set("america", scanRow(t, "NASDAQ:AAPL", map[string]interface{}{
		"name":                       "AAPL",
		"description":                "APPLE INC",
		"earnings_release_next_date": date,
		"currency":                   "USD",
		"exchange":                   "NASDAQ",
	}))

	result, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, []string{"US United States"}, result.Markets)
	assert.Equal(t, 1, result.NewCount)
	require.Len(t, announced, 1, "first sighting must be announced")
	assert.Equal(t, 1, announced[0].Data["count"])

	raw, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	var cached cacheFile
	require.NoError(t, json.Unmarshal(raw, &cached))
	assert.Equal(t, result.UpdatedAt, cached.Meta.UpdatedAt)
	assert.Equal(t, 1, cached.Data["US United States"].TotalCount)

	// Same data again: nothing new, no announcement.
	result, err = svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.NewCount)
	assert.Len(t, announced, 1)

	// One extra event appears: only the newcomer is announced.
	scanner.set("america",
		scanRow(t, "NASDAQ:AAPL", map[string]interface{}{
			"name":                       "AAPL",
			"earnings_release_next_date": date,
		}),
		scanRow(t, "NASDAQ:MSFT", map[string]interface{}{
			"name":                       "MSFT",
			"earnings_release_next_date": date,
		}),
	)

	result, err = svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewCount)
	require.Len(t, announced, 2)
	fresh := announced[1].Data["earnings"].([]Item)
	require.Len(t, fresh, 1)
	assert.Equal(t, "MSFT", fresh[0].Ticker)
}

func TestLoadCacheSeedsDiffBaseline(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	scanner, srv := newFakeScanner(t)
	tv := tradingview.New(srv.URL+"/symbol", srv.URL, 5*time.Second, log)
	bus := events.NewBus(log)
	cachePath := filepath.Join(t.TempDir(), "earnings_cache.json")

	date := float64(time.Now().Add(24 * time.Hour).Unix())
	seed := fmt.Sprintf(`{
		"meta": {"updated_at": "2026-08-20 09:00:00"},
		"data": {"US United States": {"totalCount": 1, "data": [
			{"ticker": "AAPL", "company": "APPLE INC", "date": %v}
		]}}
	}`, date)
	require.NoError(t, os.WriteFile(cachePath, []byte(seed), 0644))

	svc := NewService(tv, bus, cachePath, log)
	require.NoError(t, svc.LoadCache())

	snap := svc.Snapshot("US")
	assert.Equal(t, "2026-08-20 09:00:00", snap.UpdatedAt)
	require.Len(t, snap.Data["US United States"].Data, 1)

	var announced int
	bus.Subscribe(events.EarningsUpdated, func(*events.Event) { announced++ })

	scanner.set("america", scanRow(t, "NASDAQ:AAPL", map[string]interface{}{
		"name":                       "AAPL",
		"description":                "APPLE INC",
		"earnings_release_next_date": date,
	}))

	result, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.NewCount, "restart must not re-announce cached events")
	assert.Zero(t, announced)
}

func TestLoadCacheMissingFileIsFine(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	svc := NewService(nil, events.NewBus(log), filepath.Join(t.TempDir(), "nope.json"), log)

	require.NoError(t, svc.LoadCache())
	snap := svc.Snapshot("ALL")
	assert.Equal(t, "-", snap.UpdatedAt)
	assert.Empty(t, snap.Data)
}
