package ratings

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/imposzible9/Cal-DR-Project/internal/clients/drlist"
	"github.com/imposzible9/Cal-DR-Project/internal/clients/tradingview"
	"github.com/imposzible9/Cal-DR-Project/internal/database"
	"github.com/imposzible9/Cal-DR-Project/internal/events"
)

// retentionDays is the rolling retention of all four rating tables. The
// cleanup runs once per sweep and removes exactly the day that fell out.
const retentionDays = 30

// UpdaterConfig carries the sweep knobs from the environment.
type UpdaterConfig struct {
	MaxConcurrency int
	UpdateInterval time.Duration
	BatchSleep     time.Duration
}

// LiveUpdater runs the endless ingestion loop: DR list, per-ticker fan-out
// against the scanner, change-detected writes into rating_stats and
// rating_main.
type LiveUpdater struct {
	drClient *drlist.Client
	tvClient *tradingview.Client
	repo     *Repository
	db       *sql.DB
	bus      *events.Bus
	cfg      UpdaterConfig
	log      zerolog.Logger
}

func NewLiveUpdater(
	drClient *drlist.Client,
	tvClient *tradingview.Client,
	repo *Repository,
	db *sql.DB,
	bus *events.Bus,
	cfg UpdaterConfig,
	log zerolog.Logger,
) *LiveUpdater {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return &LiveUpdater{
		drClient: drClient,
		tvClient: tvClient,
		repo:     repo,
		db:       db,
		bus:      bus,
		cfg:      cfg,
		log:      log.With().Str("component", "live_updater").Logger(),
	}
}

// Run sweeps until the context is cancelled. A failed sweep is logged and
// the loop waits out the normal interval before trying again.
func (u *LiveUpdater) Run(ctx context.Context) {
	u.log.Info().
		Int("max_concurrency", u.cfg.MaxConcurrency).
		Dur("interval", u.cfg.UpdateInterval).
		Msg("Live updater started")

	for {
		if err := u.Sweep(ctx); err != nil && ctx.Err() == nil {
			u.log.Error().Err(err).Msg("Sweep failed")
		}

		select {
		case <-ctx.Done():
			u.log.Info().Msg("Live updater stopped")
			return
		case <-time.After(u.cfg.UpdateInterval):
		}
	}
}

// Sweep performs one full pass over the DR list. Each batch commits in its
// own transaction; a failed batch is logged and the sweep moves on.
func (u *LiveUpdater) Sweep(ctx context.Context) error {
	started := time.Now()

	records, err := u.drClient.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch DR list: %w", err)
	}
	underlyings := drlist.Underlyings(records)
	if len(underlyings) == 0 {
		u.log.Warn().Msg("DR list is empty")
	}

	var fetched, written int
	for start := 0; start < len(underlyings); start += u.cfg.MaxConcurrency {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := start + u.cfg.MaxConcurrency
		if end > len(underlyings) {
			end = len(underlyings)
		}

		observations := u.fetchBatch(ctx, underlyings[start:end])
		fetched += len(observations)

		n, err := u.storeBatch(observations)
		if err != nil {
			u.log.Error().Err(err).Int("batch_start", start).Msg("Batch write abandoned")
		} else {
			written += n
		}

		if end < len(underlyings) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(u.cfg.BatchSleep):
			}
		}
	}

	if err := u.CleanupOld(); err != nil {
		u.log.Error().Err(err).Msg("Retention cleanup failed")
	}

	u.log.Info().
		Int("tickers", len(underlyings)).
		Int("fetched", fetched).
		Int("written", written).
		Dur("took", time.Since(started)).
		Msg("Sweep completed")
	u.bus.Emit(events.SweepCompleted, "ratings", map[string]interface{}{
		"tickers": len(underlyings),
		"fetched": fetched,
		"written": written,
	})
	return nil
}

// fetchBatch resolves and fetches one batch concurrently. Order within the
// batch is preserved; failed or skipped tickers just leave a gap.
func (u *LiveUpdater) fetchBatch(ctx context.Context, batch []drlist.Underlying) []Observation {
	type slot struct {
		obs Observation
		ok  bool
	}
	slots := make([]slot, len(batch))

	var wg sync.WaitGroup
	for i, rec := range batch {
		wg.Add(1)
		go func(i int, rec drlist.Underlying) {
			defer wg.Done()
			// A broken ticker must not take the sweep down with it.
			defer func() {
				if p := recover(); p != nil {
					u.log.Error().
						Interface("panic", p).
						Str("dr_symbol", rec.DRSymbol).
						Msg("Ticker task panicked")
				}
			}()
			if obs, ok := u.fetchOne(ctx, rec); ok {
				slots[i] = slot{obs: obs, ok: true}
			}
		}(i, rec)
	}
	wg.Wait()

	out := make([]Observation, 0, len(batch))
	for _, s := range slots {
		if s.ok {
			out = append(out, s.obs)
		}
	}
	return out
}

// fetchOne turns one DR-list record into a live Observation. Tickers whose
// daily or weekly label cannot be classified are dropped for this cycle.
func (u *LiveUpdater) fetchOne(ctx context.Context, rec drlist.Underlying) (Observation, bool) {
	resolved, err := ResolveSymbol(rec.Code, rec.Name, rec.Exchange, rec.DRSymbol)
	if err != nil {
		u.log.Warn().Err(err).Str("dr_symbol", rec.DRSymbol).Msg("Skipping unresolvable ticker")
		return Observation{}, false
	}

	tech, err := u.tvClient.FetchTechnicals(ctx, resolved.Symbol)
	if err != nil {
		u.log.Warn().Err(err).Str("symbol", resolved.Symbol).Msg("Scanner fetch failed")
		return Observation{}, false
	}

	daily := LiveRating(tech.DailyVal)
	weekly := LiveRating(tech.WeeklyVal)
	if daily == RatingUnknown || weekly == RatingUnknown {
		u.log.Debug().Str("ticker", resolved.Ticker).Msg("Ratings unknown, skipping this cycle")
		return Observation{}, false
	}

	return Observation{
		Ticker:       resolved.Ticker,
		DailyVal:     tech.DailyVal,
		DailyRating:  daily,
		WeeklyVal:    tech.WeeklyVal,
		WeeklyRating: weekly,
		Market: MarketData{
			Currency:  tech.Currency,
			Price:     tech.Price,
			ChangePct: tech.ChangePct,
			ChangeAbs: tech.ChangeAbs,
			High:      tech.High,
			Low:       tech.Low,
		},
	}, true
}

// storeBatch writes one batch under a single transaction and reports how
// many tickers changed rating_main. Lock contention retries the whole
// batch before giving up.
func (u *LiveUpdater) storeBatch(observations []Observation) (int, error) {
	if len(observations) == 0 {
		return 0, nil
	}

	var changed []Observation
	err := database.WithBusyRetry(3, 500*time.Millisecond, 1500*time.Millisecond, func() error {
		changed = changed[:0]
		return database.WithTransaction(u.db, func(tx *sql.Tx) error {
			for _, obs := range observations {
				ts := FormatTimestamp(time.Now().In(Bangkok))
				if _, err := u.repo.UpsertStats(tx, obs, ts); err != nil {
					return err
				}
				wrote, err := u.repo.UpsertMain(tx, obs, ts)
				if err != nil {
					return err
				}
				if wrote {
					changed = append(changed, obs)
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	for _, obs := range changed {
		u.bus.Emit(events.RatingChanged, "ratings", map[string]interface{}{
			"ticker": obs.Ticker,
			"daily":  obs.DailyRating,
			"weekly": obs.WeeklyRating,
		})
	}
	return len(changed), nil
}

// CleanupOld deletes, across all four tables, the rows dated exactly
// retentionDays ago in Bangkok time.
func (u *LiveUpdater) CleanupOld() error {
	date := FormatDate(time.Now().In(Bangkok).AddDate(0, 0, -retentionDays))

	var res CleanupResult
	err := database.WithBusyRetry(3, 500*time.Millisecond, 1500*time.Millisecond, func() error {
		return database.WithTransaction(u.db, func(tx *sql.Tx) error {
			var err error
			res, err = u.repo.CleanupDate(tx, date)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("failed to clean up %s: %w", date, err)
	}

	if total := res.Stats + res.Main + res.History + res.Accuracy; total > 0 {
		u.log.Info().
			Str("date", date).
			Int64("stats", res.Stats).
			Int64("main", res.Main).
			Int64("history", res.History).
			Int64("accuracy", res.Accuracy).
			Msg("Retention cleanup removed rows")
	}
	return nil
}
