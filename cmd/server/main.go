// Package main is the entry point for the Cal-DR ratings backend. It wires
// the SQLite store, the rating pipeline, the earnings, news and DR-calc
// modules, the scheduler and the HTTP facade, then runs until a signal
// asks it to stop.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/imposzible9/Cal-DR-Project/internal/clients/drlist"
	"github.com/imposzible9/Cal-DR-Project/internal/clients/finnhub"
	"github.com/imposzible9/Cal-DR-Project/internal/clients/googlenews"
	"github.com/imposzible9/Cal-DR-Project/internal/clients/newsapi"
	"github.com/imposzible9/Cal-DR-Project/internal/clients/tradingview"
	"github.com/imposzible9/Cal-DR-Project/internal/config"
	"github.com/imposzible9/Cal-DR-Project/internal/database"
	"github.com/imposzible9/Cal-DR-Project/internal/events"
	"github.com/imposzible9/Cal-DR-Project/internal/modules/drcalc"
	drcalchandlers "github.com/imposzible9/Cal-DR-Project/internal/modules/drcalc/handlers"
	"github.com/imposzible9/Cal-DR-Project/internal/modules/earnings"
	earningshandlers "github.com/imposzible9/Cal-DR-Project/internal/modules/earnings/handlers"
	"github.com/imposzible9/Cal-DR-Project/internal/modules/news"
	newshandlers "github.com/imposzible9/Cal-DR-Project/internal/modules/news/handlers"
	"github.com/imposzible9/Cal-DR-Project/internal/modules/ratings"
	ratingshandlers "github.com/imposzible9/Cal-DR-Project/internal/modules/ratings/handlers"
	"github.com/imposzible9/Cal-DR-Project/internal/modules/tracking"
	trackinghandlers "github.com/imposzible9/Cal-DR-Project/internal/modules/tracking/handlers"
	"github.com/imposzible9/Cal-DR-Project/internal/reliability"
	"github.com/imposzible9/Cal-DR-Project/internal/scheduler"
	"github.com/imposzible9/Cal-DR-Project/internal/server"
	"github.com/imposzible9/Cal-DR-Project/internal/version"
	"github.com/imposzible9/Cal-DR-Project/pkg/logger"
)

func main() {
	// Load configuration first to get the log level.
	cfg, err := config.Load()
	if err != nil {
		// Use a fallback logger so the configuration error is still visible.
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	log.Info().Str("version", version.Version).Msg("Starting Cal-DR API")

	// One SQLite file, three connection pools. The sweep writer may wait
	// out long checkpoints; snapshot and accuracy writers give up fast so
	// parallel market closes never pile up on the lock; HTTP paths degrade
	// instead of blocking.
	historicDB, err := database.New(database.Config{
		Path:    cfg.DBPath(),
		Profile: database.ProfileHistoric,
		Name:    "historic",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open historic database connection")
	}
	defer historicDB.Close()

	accuracyDB, err := database.New(database.Config{
		Path:    cfg.DBPath(),
		Profile: database.ProfileAccuracy,
		Name:    "accuracy",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open accuracy database connection")
	}
	defer accuracyDB.Close()

	readerDB, err := database.New(database.Config{
		Path:    cfg.DBPath(),
		Profile: database.ProfileReader,
		Name:    "reader",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open reader database connection")
	}
	defer readerDB.Close()

	// Run migrations on the long-busy connection; boot is the one moment
	// DDL can take the write lock without contention.
	if err := database.Migrate(historicDB.Conn(), log); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Event bus feeding the SSE stream and job logging.
	bus := events.NewBus(log)

	// Upstream clients. Finnhub, NewsAPI and Google News target their
	// public endpoints when the base URL is empty.
	drClient := drlist.New(cfg.DRListURL, log)
	tvClient := tradingview.New(cfg.TVBase, cfg.TVScanURL, cfg.RequestTimeout, log)
	fhClient := finnhub.New("", cfg.FinnhubAPIKey, log)
	newsClient := newsapi.New("", cfg.NewsAPIKey, log)
	rssClient := googlenews.New("", log)

	// Rating pipeline. The live updater owns the historic connection;
	// snapshotter and accuracy recomputes share the short-busy pool so
	// parallel market closes fail fast instead of queueing.
	liveRepo := ratings.NewRepository(historicDB.Conn(), log)
	snapRepo := ratings.NewRepository(accuracyDB.Conn(), log)
	readRepo := ratings.NewRepository(readerDB.Conn(), log)

	accuracy := ratings.NewAccuracyCalculator(snapRepo, log)
	updater := ratings.NewLiveUpdater(drClient, tvClient, liveRepo, historicDB.Conn(), bus, ratings.UpdaterConfig{
		MaxConcurrency: cfg.MaxConcurrency,
		UpdateInterval: cfg.UpdateInterval,
		BatchSleep:     cfg.BatchSleep,
	}, log)
	snapshotter := ratings.NewSnapshotter(drClient, tvClient, snapRepo, accuracyDB.Conn(), accuracy, bus, log)
	marketClock := ratings.NewMarketClock(snapshotter, log)

	// Earnings calendar with its JSON disk cache. Loading the cache first
	// seeds the change-detection baseline so a restart does not re-announce
	// every known event.
	earningsSvc := earnings.NewService(tvClient, bus, filepath.Join(cfg.DataDir, "earnings_cache.json"), log)
	if err := earningsSvc.LoadCache(); err != nil {
		log.Warn().Err(err).Msg("Earnings cache not loaded, starting empty")
	}
	earningsJob := earnings.NewRefreshJob(earningsSvc)

	newsSvc := news.NewService(newsClient, rssClient, fhClient, drClient, cfg.NewsCacheTTL, log)
	calcSvc := drcalc.NewService(drClient, tvClient, cfg.CalcCacheTTL, log)

	// Tracking inserts ride the short-busy pool: an HTTP write should fail
	// fast under lock contention, not camp on the sweep writer's timeout.
	trackingRepo := tracking.NewRepository(accuracyDB.Conn(), log)

	// Maintenance jobs. Backups are optional; the WAL checkpoint is not.
	walJob := reliability.NewWALCheckpointJob(historicDB, log)

	var backupJob scheduler.Job
	if cfg.BackupEnabled {
		s3Client, err := reliability.NewS3Client(reliability.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create S3 client")
		}
		backupSvc := reliability.NewBackupService(historicDB, cfg.DBPath(), cfg.DataDir, cfg.BackupKeep, s3Client, bus, log)
		backupJob = reliability.NewBackupJob(backupSvc)
	} else {
		log.Info().Msg("Backups disabled")
	}

	// Register scheduled jobs. A bad cron expression is a configuration
	// error; refuse to start with a silently dead job.
	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.EarningsRefreshSchedule, earningsJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule earnings refresh")
	}
	if err := sched.AddJob(cfg.WALCheckpointSchedule, walJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule WAL checkpoint")
	}
	if backupJob != nil {
		if err := sched.AddJob(cfg.BackupSchedule, backupJob); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule backups")
		}
	}
	sched.Start()
	defer sched.Stop()

	// Initialize HTTP server. Handlers are constructed here and routed by
	// the server; reads go through the reader connection.
	srv := server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		ReaderDB:  readerDB,
		Bus:       bus,
		Scheduler: sched,
		Ratings:   ratingshandlers.NewHandler(readRepo, accuracy, cfg.DBPath(), log),
		Earnings:  earningshandlers.NewHandler(earningsSvc, bus, log),
		News:      newshandlers.NewHandler(newsSvc, log),
		DRCalc:    drcalchandlers.NewHandler(calcSvc, log),
		Tracking:  trackinghandlers.NewHandler(trackingRepo, log),
	})
	srv.SetJobs(earningsJob, backupJob, walJob)

	// Background loops: the live sweep, one goroutine per market close,
	// the warm-key cache refresher, and the one-shot accuracy back-fill
	// for snapshots that never got scored.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go updater.Run(ctx)
	go marketClock.Run(ctx)
	go calcSvc.Run(ctx)
	go snapshotter.Backfill(500)

	// First earnings refresh happens now rather than at the next cron
	// tick, so a fresh deployment serves the calendar within a minute.
	go func() {
		if _, err := earningsSvc.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("Initial earnings refresh failed")
		}
	}()

	// Start server in goroutine.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Stop the background loops first so nothing writes while connections
	// drain; the deferred scheduler Stop waits out any running job.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
