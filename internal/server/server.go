// Package server exposes the merged SECOP search over HTTP: the JSON search
// endpoint guarded by sliding-window throttles, liveness and upstream health
// probes, and the Prometheus scrape endpoint.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opensai/secop-query/pkg/aggregate"
	"github.com/opensai/secop-query/pkg/throttle"
)

// Searcher resolves one merged contractor query.
type Searcher interface {
	Query(ctx context.Context, contractor string, year, page int) (*aggregate.Result, error)
}

// UpstreamHealth reports cached upstream reachability.
type UpstreamHealth interface {
	Check(ctx context.Context) (bool, string)
}

// Config holds HTTP server settings.
type Config struct {
	// Addr is the host:port listen address.
	Addr string

	// RequestBudget bounds the total wall time of one search request.
	RequestBudget time.Duration

	// ThrottleWindow is advertised in Retry-After on throttled responses.
	ThrottleWindow time.Duration

	// ProbeTimeout bounds the upstream health probe endpoint.
	ProbeTimeout time.Duration
}

// Server is the HTTP front of the service.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	searcher  Searcher
	upstream  UpstreamHealth
	global    *throttle.SlidingWindowLimiter
	perClient *throttle.PerClientLimiter
	config    Config
	logger    zerolog.Logger
}

// New creates the HTTP server. Either limiter may be nil to disable that
// throttle scope.
func New(searcher Searcher, upstream UpstreamHealth, global *throttle.SlidingWindowLimiter, perClient *throttle.PerClientLimiter, cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		searcher:  searcher,
		upstream:  upstream,
		global:    global,
		perClient: perClient,
		config:    cfg,
		logger:    log.With().Str("component", "server").Logger(),
	}

	s.router.Use(RequestID)
	s.router.Use(RequestMetrics)

	s.registerRoutes()

	return s
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	s.router.Get("/api/search", s.handleSearch)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/healthz/upstream", s.handleUpstreamHealth)
	s.router.Get("/metrics", promhttp.Handler().ServeHTTP)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.config.RequestBudget + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info().Str("addr", s.config.Addr).Msg("Starting HTTP server")

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}
