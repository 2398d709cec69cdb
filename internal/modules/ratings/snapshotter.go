package ratings

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/imposzible9/Cal-DR-Project/internal/clients/drlist"
	"github.com/imposzible9/Cal-DR-Project/internal/clients/tradingview"
	"github.com/imposzible9/Cal-DR-Project/internal/database"
	"github.com/imposzible9/Cal-DR-Project/internal/events"
)

// snapshotBatchSize caps the rows per history transaction so a close task
// never holds the write lock for long. Several markets can close at the
// same minute.
const snapshotBatchSize = 10

// snapshotFetchDelay spaces the per-ticker scanner calls during a close.
const snapshotFetchDelay = 100 * time.Millisecond

// Snapshotter writes the once-per-day rating_history rows when a market
// closes and triggers the accuracy recompute for each written ticker.
type Snapshotter struct {
	drClient *drlist.Client
	tvClient *tradingview.Client
	repo     *Repository
	db       *sql.DB
	calc     *AccuracyCalculator
	bus      *events.Bus
	log      zerolog.Logger
}

func NewSnapshotter(
	drClient *drlist.Client,
	tvClient *tradingview.Client,
	repo *Repository,
	db *sql.DB,
	calc *AccuracyCalculator,
	bus *events.Bus,
	log zerolog.Logger,
) *Snapshotter {
	return &Snapshotter{
		drClient: drClient,
		tvClient: tvClient,
		repo:     repo,
		db:       db,
		calc:     calc,
		bus:      bus,
		log:      log.With().Str("component", "snapshotter").Logger(),
	}
}

// SnapshotMarket handles one market's close: re-fetch the DR list, filter
// to this market's underlyings, and write a history row for every ticker
// that does not have one for the close date yet. Unknown ratings are still
// written so the price series stays unbroken; only fetch failures skip.
func (s *Snapshotter) SnapshotMarket(ctx context.Context, market string) {
	date := FormatDate(time.Now().In(Bangkok))
	log := s.log.With().Str("market", market).Str("date", date).Logger()

	records, err := s.drClient.Fetch(ctx)
	if err != nil {
		log.Error().Err(err).Msg("DR list fetch failed, market close skipped")
		return
	}

	var targets []Resolved
	for _, rec := range drlist.Underlyings(records) {
		resolved, err := ResolveSymbol(rec.Code, rec.Name, rec.Exchange, rec.DRSymbol)
		if err != nil {
			log.Warn().Err(err).Str("dr_symbol", rec.DRSymbol).Msg("Skipping unresolvable ticker")
			continue
		}
		if resolved.Market == market {
			targets = append(targets, resolved)
		}
	}
	if len(targets) == 0 {
		log.Debug().Msg("No tickers on this market")
		return
	}

	var inserted, skipped, failed int
	var pending []SnapshotInput
	var retries []AccuracyTrigger

	flush := func() {
		written := s.writeBatch(pending, log)
		pending = pending[:0]
		inserted += len(written)
		for _, snap := range written {
			s.bus.Emit(events.SnapshotWritten, "ratings", map[string]interface{}{
				"ticker": snap.Ticker,
				"market": market,
			})
			trigger := AccuracyTrigger{
				Ticker:    snap.Ticker,
				Timestamp: snap.Timestamp,
				Price:     snap.Data.Price,
				ChangePct: snap.Data.ChangePct,
				Currency:  snap.Data.Currency,
				High:      snap.Data.High,
				Low:       snap.Data.Low,
			}
			if err := s.calc.Recompute(trigger); err != nil {
				log.Warn().Err(err).Str("ticker", snap.Ticker).Msg("Accuracy recompute deferred")
				retries = append(retries, trigger)
			}
		}
	}

	for i, target := range targets {
		if ctx.Err() != nil {
			break
		}

		has, err := s.repo.HasSnapshot(target.Ticker, date)
		if err != nil {
			log.Error().Err(err).Str("ticker", target.Ticker).Msg("Snapshot pre-check failed")
			failed++
			continue
		}
		if has {
			skipped++
			continue
		}

		tech, err := s.tvClient.FetchTechnicalsFast(ctx, target.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", target.Symbol).Msg("Close fetch failed")
			failed++
			continue
		}

		pending = append(pending, SnapshotInput{
			Ticker:       target.Ticker,
			Timestamp:    FormatTimestamp(time.Now().In(Bangkok)),
			Date:         date,
			DailyVal:     tech.DailyVal,
			DailyRating:  SnapshotRating(tech.DailyVal),
			WeeklyVal:    tech.WeeklyVal,
			WeeklyRating: SnapshotRating(tech.WeeklyVal),
			Exchange:     target.Exchange(),
			Market:       market,
			Data: MarketData{
				Currency:  tech.Currency,
				Price:     tech.Price,
				ChangePct: tech.ChangePct,
				ChangeAbs: tech.ChangeAbs,
				High:      tech.High,
				Low:       tech.Low,
			},
		})
		if len(pending) >= snapshotBatchSize {
			flush()
		}

		if i < len(targets)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(snapshotFetchDelay):
			}
		}
	}
	flush()

	// Deferred accuracy recomputes run one by one once the writes are done.
	for _, trigger := range retries {
		if err := s.calc.Recompute(trigger); err != nil {
			log.Error().Err(err).Str("ticker", trigger.Ticker).Msg("Accuracy recompute abandoned")
		}
	}

	log.Info().
		Int("tickers", len(targets)).
		Int("inserted", inserted).
		Int("skipped", skipped).
		Int("failed", failed).
		Msg("Market close processed")
	s.bus.Emit(events.MarketCloseProcessed, "ratings", map[string]interface{}{
		"market":   market,
		"inserted": inserted,
		"skipped":  skipped,
		"failed":   failed,
	})
}

// writeBatch commits up to snapshotBatchSize history rows in one short
// transaction and returns the rows that were actually inserted.
func (s *Snapshotter) writeBatch(batch []SnapshotInput, log zerolog.Logger) []SnapshotInput {
	if len(batch) == 0 {
		return nil
	}

	var written []SnapshotInput
	err := database.WithBusyRetry(3, 500*time.Millisecond, 1500*time.Millisecond, func() error {
		written = written[:0]
		return database.WithTransaction(s.db, func(tx *sql.Tx) error {
			for _, snap := range batch {
				wrote, err := s.repo.InsertSnapshot(tx, snap)
				if err != nil {
					return err
				}
				if wrote {
					written = append(written, snap)
				}
			}
			return nil
		})
	})
	if err != nil {
		log.Error().Err(err).Int("rows", len(batch)).Msg("Snapshot batch abandoned")
		return nil
	}
	return written
}

// Backfill computes accuracy rows for snapshots that never got one, e.g.
// because the process died between the insert and the recompute. Runs at
// startup.
func (s *Snapshotter) Backfill(limit int) {
	keys, err := s.repo.MissingAccuracy(limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Accuracy back-fill scan failed")
		return
	}
	if len(keys) == 0 {
		return
	}

	done := 0
	for _, key := range keys {
		if err := s.calc.RecomputeAt(key.Ticker, key.Timestamp); err != nil {
			s.log.Warn().Err(err).Str("ticker", key.Ticker).Msg("Back-fill recompute failed")
			continue
		}
		done++
	}
	s.log.Info().Int("scored", done).Int("found", len(keys)).Msg("Accuracy back-fill finished")
}
