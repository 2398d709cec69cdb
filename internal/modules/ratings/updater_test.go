package ratings

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imposzible9/Cal-DR-Project/internal/clients/drlist"
	"github.com/imposzible9/Cal-DR-Project/internal/clients/tradingview"
	"github.com/imposzible9/Cal-DR-Project/internal/events"
)

const drListBody = `{"rows":[
	{"symbol":"AAPL80","underlying":"AAPL","underlyingName":"Apple Inc. (AAPL)","underlyingExchange":"The Nasdaq Stock Market"},
	{"symbol":"0700","underlying":"700","underlyingName":"Tencent Holdings","underlyingExchange":"The Stock Exchange of Hong Kong Limited"}
]}`

func serveDRList(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, drListBody)
}

// serveScanner answers the per-symbol technicals endpoint. AAPL gets a
// strong daily signal, 700 gets no daily value so its labels stay Unknown.
func serveScanner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Query().Get("symbol") {
	case "NASDAQ:AAPL":
		fmt.Fprint(w, `{"data":{"Recommend.All":0.6,"Recommend.All|1W":0.2,"close":182.5,"change":1.1,"change_abs":2.0,"high":183.0,"low":180.1,"currency":"USD"}}`)
	case "HKEX:700":
		fmt.Fprint(w, `{"data":{"Recommend.All":null,"Recommend.All|1W":0.1,"close":390.0,"currency":"HKD"}}`)
	default:
		fmt.Fprint(w, `{"data":{}}`)
	}
}

func newUpdaterFixture(t *testing.T, drHandler, tvHandler http.HandlerFunc) (*LiveUpdater, *Repository, *sql.DB, *events.Bus) {
	t.Helper()

	db := setupTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	drSrv := httptest.NewServer(drHandler)
	t.Cleanup(drSrv.Close)
	tvSrv := httptest.NewServer(tvHandler)
	t.Cleanup(tvSrv.Close)

	bus := events.NewBus(zerolog.Nop())
	updater := NewLiveUpdater(
		drlist.New(drSrv.URL, zerolog.Nop()),
		tradingview.New(tvSrv.URL+"/symbol", tvSrv.URL, 5*time.Second, zerolog.Nop()),
		repo, db, bus,
		UpdaterConfig{
			MaxConcurrency: 4,
			UpdateInterval: time.Hour,
			BatchSleep:     10 * time.Millisecond,
		},
		zerolog.Nop(),
	)
	return updater, repo, db, bus
}

func TestSweepWritesKnownTickersOnly(t *testing.T) {
	updater, repo, db, bus := newUpdaterFixture(t, serveDRList, serveScanner)

	changed := 0
	bus.Subscribe(events.RatingChanged, func(*events.Event) { changed++ })

	require.NoError(t, updater.Sweep(context.Background()))

	assert.Equal(t, 1, countRows(t, db, "rating_stats", "AAPL"))
	assert.Equal(t, 1, countRows(t, db, "rating_main", "AAPL"))
	// 700 came back without a daily value, so this cycle writes nothing.
	assert.Equal(t, 0, countRows(t, db, "rating_main", "700"))
	assert.Equal(t, 1, changed)

	row, err := repo.LatestMain("AAPL")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.NotNil(t, row.DailyRating)
	assert.Equal(t, RatingStrongBuy, *row.DailyRating)
	require.NotNil(t, row.WeeklyRating)
	assert.Equal(t, RatingBuy, *row.WeeklyRating)
	assert.Equal(t, "USD", row.Currency)
	require.NotNil(t, row.Price)
	assert.Equal(t, 182.5, *row.Price)
}

func TestSweepIsChangeDetected(t *testing.T) {
	updater, _, db, bus := newUpdaterFixture(t, serveDRList, serveScanner)

	changed := 0
	bus.Subscribe(events.RatingChanged, func(*events.Event) { changed++ })

	require.NoError(t, updater.Sweep(context.Background()))
	require.NoError(t, updater.Sweep(context.Background()))

	// Identical readings in the second sweep must not add rows or events.
	assert.Equal(t, 1, countRows(t, db, "rating_stats", "AAPL"))
	assert.Equal(t, 1, countRows(t, db, "rating_main", "AAPL"))
	assert.Equal(t, 1, changed)
}

func TestSweepDRListFailure(t *testing.T) {
	updater, _, db, _ := newUpdaterFixture(t,
		func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) },
		serveScanner)

	err := updater.Sweep(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, countRows(t, db, "rating_stats", "AAPL"))
}

func TestSweepRunsRetentionCleanup(t *testing.T) {
	updater, repo, db, _ := newUpdaterFixture(t, serveDRList, serveScanner)

	oldTs := FormatTimestamp(time.Now().In(Bangkok).AddDate(0, 0, -retentionDays))
	inTx(t, db, func(tx *sql.Tx) (bool, error) {
		return repo.UpsertStats(tx, obsWith("OLD", RatingBuy, RatingBuy), oldTs)
	})
	require.Equal(t, 1, countRows(t, db, "rating_stats", "OLD"))

	require.NoError(t, updater.Sweep(context.Background()))
	assert.Equal(t, 0, countRows(t, db, "rating_stats", "OLD"))
}

func TestRunStopsOnCancel(t *testing.T) {
	updater, _, _, _ := newUpdaterFixture(t, serveDRList, serveScanner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		updater.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("updater did not stop on cancellation")
	}
}
