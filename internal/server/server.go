// Package server provides the HTTP server and routing for the Cal-DR
// ratings backend.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/imposzible9/Cal-DR-Project/internal/database"
	"github.com/imposzible9/Cal-DR-Project/internal/events"
	drcalchandlers "github.com/imposzible9/Cal-DR-Project/internal/modules/drcalc/handlers"
	earningshandlers "github.com/imposzible9/Cal-DR-Project/internal/modules/earnings/handlers"
	newshandlers "github.com/imposzible9/Cal-DR-Project/internal/modules/news/handlers"
	ratingshandlers "github.com/imposzible9/Cal-DR-Project/internal/modules/ratings/handlers"
	trackinghandlers "github.com/imposzible9/Cal-DR-Project/internal/modules/tracking/handlers"
	"github.com/imposzible9/Cal-DR-Project/internal/scheduler"
)

// Config holds server configuration. The module handlers are constructed
// in main and routed here.
type Config struct {
	Log       zerolog.Logger
	Port      int
	ReaderDB  *database.DB
	Bus       *events.Bus
	Scheduler *scheduler.Scheduler

	Ratings  *ratingshandlers.Handler
	Earnings *earningshandlers.Handler
	News     *newshandlers.Handler
	DRCalc   *drcalchandlers.Handler
	Tracking *trackinghandlers.Handler
}

// Server represents the HTTP server.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	readerDB *database.DB

	ratings  *ratingshandlers.Handler
	earnings *earningshandlers.Handler
	news     *newshandlers.Handler
	drcalc   *drcalchandlers.Handler
	tracking *trackinghandlers.Handler

	systemHandlers *SystemHandlers
	eventsStream   *EventsStreamHandler

	startedAt time.Time
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		log:            cfg.Log.With().Str("component", "server").Logger(),
		readerDB:       cfg.ReaderDB,
		ratings:        cfg.Ratings,
		earnings:       cfg.Earnings,
		news:           cfg.News,
		drcalc:         cfg.DRCalc,
		tracking:       cfg.Tracking,
		systemHandlers: NewSystemHandlers(cfg.ReaderDB, cfg.Scheduler, cfg.Log),
		eventsStream:   NewEventsStreamHandler(cfg.Bus, cfg.Log),
		startedAt:      time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// SetJobs registers job instances for manual triggering via API. A nil
// job (backups disabled) leaves its trigger endpoint answering 409.
func (s *Server) SetJobs(earningsRefresh, backup, walCheckpoint scheduler.Job) {
	s.systemHandlers.SetJobs(earningsRefresh, backup, walCheckpoint)
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/", s.handleRoot)
	s.router.Get("/health", s.handleHealth)

	// Rating facade. Bare paths, not under /api: this is the contract the
	// dashboard has consumed since the service began.
	s.router.Get("/ratings/from-dr-api", s.ratings.HandleFromDRAPI)
	s.router.Get("/ratings/history-with-accuracy/{ticker}", func(w http.ResponseWriter, r *http.Request) {
		s.ratings.HandleHistoryWithAccuracy(w, r, chi.URLParam(r, "ticker"))
	})
	s.router.Post("/ratings/recalculate-accuracy/{ticker}", func(w http.ResponseWriter, r *http.Request) {
		s.ratings.HandleRecalculateAccuracy(w, r, chi.URLParam(r, "ticker"))
	})

	s.router.Route("/api", func(r chi.Router) {
		// Unified events stream (SSE)
		r.Get("/events/stream", s.eventsStream.ServeHTTP)

		// Earnings calendar
		r.Route("/earnings", func(r chi.Router) {
			r.Get("/", s.earnings.HandleGetEarnings)
			r.Post("/refresh", s.earnings.HandleRefresh)
			r.Get("/stream", s.earnings.HandleStream)
		})

		// News and quote proxy
		r.Get("/news/{symbol}", func(w http.ResponseWriter, r *http.Request) {
			s.news.HandleGetNews(w, r, chi.URLParam(r, "symbol"))
		})
		r.Get("/finnhub/quote/{symbol}", func(w http.ResponseWriter, r *http.Request) {
			s.news.HandleQuote(w, r, chi.URLParam(r, "symbol"))
		})
		r.Get("/finnhub/company-news/{symbol}", func(w http.ResponseWriter, r *http.Request) {
			s.news.HandleCompanyNews(w, r, chi.URLParam(r, "symbol"))
		})
		r.Get("/stock/overview/{symbol}", func(w http.ResponseWriter, r *http.Request) {
			s.news.HandleStockOverview(w, r, chi.URLParam(r, "symbol"))
		})
		r.Get("/symbols", s.news.HandleSymbols)

		// DR price calculation
		r.Get("/calc/dr/{dr_symbol}", func(w http.ResponseWriter, r *http.Request) {
			s.drcalc.HandleCalculate(w, r, chi.URLParam(r, "dr_symbol"))
		})

		// Visitor tracking
		r.Route("/track", func(r chi.Router) {
			r.Post("/", s.tracking.HandleTrack)
			r.Get("/summary", s.tracking.HandleSummary)
			r.Get("/recent", s.tracking.HandleRecent)
		})

		// System monitoring and manual job triggers
		r.Get("/system/status", s.systemHandlers.HandleSystemStatus)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/earnings-refresh", s.systemHandlers.HandleTriggerEarningsRefresh)
			r.Post("/backup", s.systemHandlers.HandleTriggerBackup)
			r.Post("/wal-checkpoint", s.systemHandlers.HandleTriggerWALCheckpoint)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
