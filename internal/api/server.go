package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/batch"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. cache and bus may be nil.
func NewServer(cfg domain.ServerConfig, p *pipeline.Pipeline, runner *batch.Runner, cache domain.Cache, bus domain.EventBus, version string) *Server {
	handler := NewHandler(p, runner, cache, bus, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware())                      // CORS for browser clients
	router.Use(RecoverMiddleware)                     // Recover from panics
	router.Use(TracingMiddleware)                     // OpenTelemetry tracing
	router.Use(LoggingMiddleware)                     // Request logging
	router.Use(metrics.Middleware)                    // Prometheus request metrics
	router.Use(middleware.RealIP)                     // Extract real IP
	router.Use(BodyLimitMiddleware(cfg.MaxBodyBytes)) // Bound request bodies

	// Probes and introspection
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Get("/config", handler.Config)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Evaluation
	router.Post("/transaction", handler.Evaluate)
	router.Post("/transaction/async", handler.Submit)
	router.Post("/batch", handler.Batch)

	// Audit log
	router.Get("/evaluations/{id}", handler.GetEvaluation)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
