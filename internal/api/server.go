// Package api provides the HTTP server and routing.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/featherbase/featherbase/internal/api/handlers"
	"github.com/featherbase/featherbase/internal/auth"
	"github.com/featherbase/featherbase/internal/config"
	"github.com/featherbase/featherbase/internal/engine"
	"github.com/featherbase/featherbase/internal/metrics"
	"github.com/featherbase/featherbase/internal/realtime"
)

// Server represents the HTTP server.
type Server struct {
	config  *config.Config
	router  chi.Router
	server  *http.Server
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Engine      *engine.Engine
	Auth        *auth.Service
	Broadcaster *realtime.Broadcaster
	RateLimiter *auth.RateLimiter
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	s.metrics.WireStats(func() metrics.StatsSnapshot {
		return snapshotStats(deps)
	})
	s.setupRouter(deps)
	return s
}

// snapshotStats samples component counters for the metrics collector.
func snapshotStats(deps Deps) metrics.StatsSnapshot {
	es := deps.Engine.Stats()
	bs := deps.Engine.Buffer().Stats()
	cs := deps.Engine.Cache().Stats()

	snap := metrics.StatsSnapshot{
		Creates:           es.Creates,
		Updates:           es.Updates,
		Deletes:           es.Deletes,
		Reads:             es.Reads,
		Lists:             es.Lists,
		VersionConflicts:  es.Conflicts,
		UniquenessRejects: es.UniquenessRejects,

		BufferFlushes:   bs.Flushes,
		FlushedIntents:  bs.FlushedIntents,
		FlushQueueDepth: bs.QueueDepth,
		BufferOverloads: bs.Overloads,

		CacheHits:   cs.Hits,
		CacheMisses: cs.Misses,
		CacheSize:   cs.Size,
	}
	if deps.Broadcaster != nil {
		rs := deps.Broadcaster.Stats()
		snap.Subscribers = rs.Subscribers
		snap.EventsSent = rs.EventsSent
		snap.SinksEvicted = rs.SinksEvicted
	}
	if deps.Auth != nil {
		as := deps.Auth.Stats()
		snap.AuthSuccesses = as.LoginSuccesses
		snap.AuthFailures = as.LoginFailures
	}
	if deps.RateLimiter != nil {
		snap.RateLimitHits = deps.RateLimiter.Stats().Hits
	}
	return snap
}

// Metrics returns the metrics instance for recording custom metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// setupRouter configures the HTTP router.
func (s *Server) setupRouter(deps Deps) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)
	if deps.RateLimiter != nil {
		r.Use(deps.RateLimiter.Middleware)
	}
	r.Use(deps.Auth.Middleware)

	h := handlers.New(deps.Engine, deps.Auth, deps.Broadcaster, s.logger, handlers.Config{
		MaxPerPage:   100,
		MaxBatchSize: s.config.Engine.MaxBatchSize,
	})

	r.Get("/health", h.Health)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", h.Login)

		r.Route("/collections/{collection}", func(r chi.Router) {
			r.Get("/records", h.ListRecords)
			r.Post("/records", h.CreateRecord)
			r.Get("/records/{id}", h.GetRecord)
			r.Patch("/records/{id}", h.PatchRecord)
			r.Delete("/records/{id}", h.DeleteRecord)

			r.Get("/schema", h.GetSchema)
			r.Put("/schema", h.PutSchema)
		})

		r.Post("/batch", h.Batch)
		r.Get("/realtime", h.Realtime)

		r.Get("/stats", h.Stats)
		r.Get("/stats/buffer", h.BufferStats)
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := s.config.Address()
	// No WriteTimeout: /api/realtime streams indefinitely.
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: time.Duration(s.config.Server.ReadTimeout) * time.Second,
	}

	s.logger.Info("starting server", slog.String("address", addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the HTTP router for testing.
func (s *Server) Router() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s", s.config.Address())
}
