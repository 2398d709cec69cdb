package ratings

import (
	"context"
	"database/sql"
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

func newSnapshotFixture(t *testing.T, tvHandler http.HandlerFunc) (*Snapshotter, *Repository, *sql.DB, *events.Bus) {
	t.Helper()

	db := setupTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	drSrv := httptest.NewServer(http.HandlerFunc(serveDRList))
	t.Cleanup(drSrv.Close)
	tvSrv := httptest.NewServer(tvHandler)
	t.Cleanup(tvSrv.Close)

	bus := events.NewBus(zerolog.Nop())
	snap := NewSnapshotter(
		drlist.New(drSrv.URL, zerolog.Nop()),
		tradingview.New(tvSrv.URL+"/symbol", tvSrv.URL, 5*time.Second, zerolog.Nop()),
		repo, db,
		NewAccuracyCalculator(repo, zerolog.Nop()),
		bus,
		zerolog.Nop(),
	)
	return snap, repo, db, bus
}

func TestSnapshotMarketWritesItsMarketOnly(t *testing.T) {
	snap, repo, db, bus := newSnapshotFixture(t, serveScanner)

	written := 0
	bus.Subscribe(events.SnapshotWritten, func(*events.Event) { written++ })

	snap.SnapshotMarket(context.Background(), "US")

	assert.Equal(t, 1, countRows(t, db, "rating_history", "AAPL"))
	assert.Equal(t, 0, countRows(t, db, "rating_history", "700"))
	assert.Equal(t, 1, written)

	var daily, weekly, market, exchange string
	err := db.QueryRow(`
		SELECT daily_rating, weekly_rating, market, exchange
		FROM rating_history WHERE ticker = 'AAPL'`).Scan(&daily, &weekly, &market, &exchange)
	require.NoError(t, err)
	assert.Equal(t, RatingStrongBuy, daily)
	assert.Equal(t, RatingBuy, weekly)
	assert.Equal(t, "US", market)
	assert.Equal(t, "NASDAQ", exchange)

	// The insert triggers an accuracy recompute for the ticker.
	acc, err := repo.LatestAccuracy("AAPL")
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, 90, acc.WindowDay)
	assert.Equal(t, 0, acc.SampleSizeDaily)
	require.NotNil(t, acc.DailyRating)
	assert.Equal(t, RatingStrongBuy, *acc.DailyRating)

	// A second close on the same day skips every ticker.
	snap.SnapshotMarket(context.Background(), "US")
	assert.Equal(t, 1, countRows(t, db, "rating_history", "AAPL"))
	assert.Equal(t, 1, written)
}

func TestSnapshotMarketKeepsUnknownRatings(t *testing.T) {
	snap, _, db, _ := newSnapshotFixture(t, serveScanner)

	snap.SnapshotMarket(context.Background(), "HK")

	// 700 has no daily value; the snapshot still lands so the price
	// series stays unbroken.
	require.Equal(t, 1, countRows(t, db, "rating_history", "700"))

	var daily, weekly string
	var price float64
	err := db.QueryRow(`
		SELECT daily_rating, weekly_rating, price
		FROM rating_history WHERE ticker = '700'`).Scan(&daily, &weekly, &price)
	require.NoError(t, err)
	assert.Equal(t, RatingUnknown, daily)
	assert.Equal(t, RatingBuy, weekly)
	assert.Equal(t, 390.0, price)
}

func TestSnapshotMarketFetchFailure(t *testing.T) {
	snap, repo, db, _ := newSnapshotFixture(t,
		func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) })

	snap.SnapshotMarket(context.Background(), "US")

	assert.Equal(t, 0, countRows(t, db, "rating_history", "AAPL"))
	acc, err := repo.LatestAccuracy("AAPL")
	require.NoError(t, err)
	assert.Nil(t, acc)
}

func TestBackfillScoresUnscoredSnapshots(t *testing.T) {
	snap, repo, db, _ := newSnapshotFixture(t, serveScanner)

	inTx(t, db, func(tx *sql.Tx) (bool, error) {
		return repo.InsertSnapshot(tx, snapWith("AAPL", "2025-06-02T03:00:00.000000", "2025-06-02", RatingBuy, RatingBuy))
	})
	inTx(t, db, func(tx *sql.Tx) (bool, error) {
		return repo.InsertSnapshot(tx, snapWith("AAPL", "2025-06-03T03:00:00.000000", "2025-06-03", RatingSell, RatingBuy))
	})

	snap.Backfill(10)

	keys, err := repo.MissingAccuracy(10)
	require.NoError(t, err)
	assert.Empty(t, keys)

	acc, err := repo.LatestAccuracy("AAPL")
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, "2025-06-03T03:00:00.000000", acc.Timestamp)
}
