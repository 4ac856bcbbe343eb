// Package server exposes the ops HTTP surface: health, stats, consumer
// registration, artifact lookup, and manual event injection.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/internal/registry"
)

const requestTimeout = 30 * time.Second

type Server struct {
	engine    *engine.Engine
	registry  *registry.Registry
	logger    *slog.Logger
	router    *chi.Mux
	http      *http.Server
	startTime time.Time
}

// Options configures the ops server.
type Options struct {
	Addr string
	// OpsTokenHash guards /api routes when set; /healthz stays open for
	// probes. See auth.HashToken for the digest format.
	OpsTokenHash string
	Logger       *slog.Logger
}

func New(eng *engine.Engine, reg *registry.Registry, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine:    eng,
		registry:  reg,
		logger:    logger,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}
	s.routes(opts.OpsTokenHash)

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(tokenHash string) {
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(TimeoutMiddleware(requestTimeout))
	s.router.Use(middleware.Recoverer)
	s.router.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "weft-ops")
	})

	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(api chi.Router) {
		if tokenHash != "" {
			api.Use(OpsAuthMiddleware(tokenHash))
		}
		api.Get("/stats", s.handleStats)
		api.Get("/consumers", s.handleListConsumers)
		api.Post("/consumers", s.handleRegisterConsumer)
		api.Delete("/consumers/{consumerID}", s.handleDeregisterConsumer)
		api.Get("/artifacts/{consumerID}", s.handleGetArtifact)
		api.Post("/events", s.handleInjectEvent)
	})
}

// Handler returns the routed handler. Tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("ops server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
