package ratings

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// closeTimes is the Bangkok wall-clock close of a market, winter and summer
// of the US DST calendar. Asian markets do not shift so both entries match.
type closeTimes struct {
	winterHour, winterMin int
	summerHour, summerMin int
}

var marketCloseConfig = map[string]closeTimes{
	"US": {4, 0, 3, 0},
	"DK": {23, 0, 22, 0},
	"NL": {23, 30, 22, 30},
	"FR": {23, 30, 22, 30},
	"IT": {23, 30, 22, 30},
	"HK": {15, 0, 15, 0},
	"JP": {13, 0, 13, 0},
	"SG": {16, 0, 16, 0},
	"TW": {12, 30, 12, 30},
	"CN": {14, 0, 14, 0},
	"VN": {15, 0, 15, 0},
}

// Markets returns every market code that has a close schedule, in a stable
// order so scheduler startup logs read the same across runs.
func Markets() []string {
	codes := make([]string, 0, len(marketCloseConfig))
	for code := range marketCloseConfig {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// IsSummerTime reports whether t falls inside the US daylight-saving
// window: from the second Sunday of March through the first Sunday of
// November, both boundaries at 00:00 Bangkok.
func IsSummerTime(t time.Time) bool {
	t = t.In(Bangkok)
	switch t.Month() {
	case time.December, time.January, time.February:
		return false
	case time.April, time.May, time.June, time.July, time.August, time.September, time.October:
		return true
	case time.March:
		return !t.Before(nthSunday(t.Year(), time.March, 2))
	case time.November:
		return t.Before(nthSunday(t.Year(), time.November, 1))
	}
	return false
}

// nthSunday returns the n-th Sunday of the month at 00:00 Bangkok.
func nthSunday(year int, month time.Month, n int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, Bangkok)
	offset := (7 - int(first.Weekday())) % 7
	return first.AddDate(0, 0, offset+(n-1)*7)
}

// NextMarketClose returns the next close instant for market strictly after
// now, Bangkok local. The season is decided by now rather than by the
// close instant, which is how the scheduler behaves around DST flips: at
// 2024-03-10 00:00 the US close is already 03:00 the same morning.
func NextMarketClose(market string, now time.Time) time.Time {
	now = now.In(Bangkok)
	hh, mm := closeFor(market, now)
	at := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, Bangkok)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

// LastMarketClose returns the most recent close at or before now. The
// snapshotter keys daily snapshots on its calendar date, so a snapshot
// fetched shortly after a close lands on the close's own day.
func LastMarketClose(market string, now time.Time) time.Time {
	now = now.In(Bangkok)
	hh, mm := closeFor(market, now)
	at := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, Bangkok)
	if at.After(now) {
		at = at.AddDate(0, 0, -1)
	}
	return at
}

func closeFor(market string, ref time.Time) (hour, minute int) {
	cfg, ok := marketCloseConfig[market]
	if !ok {
		cfg = marketCloseConfig["US"]
	}
	if IsSummerTime(ref) {
		return cfg.summerHour, cfg.summerMin
	}
	return cfg.winterHour, cfg.winterMin
}

// MarketClock runs one goroutine per market that sleeps until the next
// close and then fires the snapshotter. Close instants are recomputed on
// every wake so DST flips take effect without a restart.
type MarketClock struct {
	snap *Snapshotter
	log  zerolog.Logger
}

func NewMarketClock(snap *Snapshotter, log zerolog.Logger) *MarketClock {
	return &MarketClock{
		snap: snap,
		log:  log.With().Str("component", "market_clock").Logger(),
	}
}

// Run blocks until the context is cancelled.
func (m *MarketClock) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, market := range Markets() {
		wg.Add(1)
		go func(market string) {
			defer wg.Done()
			m.watch(ctx, market)
		}(market)
	}
	m.log.Info().Int("markets", len(Markets())).Msg("Market clock started")
	wg.Wait()
	m.log.Info().Msg("Market clock stopped")
}

func (m *MarketClock) watch(ctx context.Context, market string) {
	for {
		next := NextMarketClose(market, time.Now().In(Bangkok))
		m.log.Debug().
			Str("market", market).
			Time("close_at", next).
			Msg("Sleeping until market close")

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		m.log.Info().
			Str("market", market).
			Time("closed_at", LastMarketClose(market, time.Now().In(Bangkok))).
			Msg("Market closed, taking snapshots")
		m.snap.SnapshotMarket(ctx, market)
	}
}
