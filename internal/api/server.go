// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/service"
)

// Service interfaces for dependency injection and testing

// SyncRunner launches sync runs in the background and reports their progress
type SyncRunner interface {
	StartFullPopulation(ctx context.Context, domain models.Domain) (string, error)
	StartIncrementalDelta(ctx context.Context, since *time.Time, jurisdictions ...string) (string, error)
	StartGapFill(ctx context.Context, gaps []models.Gap) (string, error)
	Status(ctx context.Context, runID string) (*models.SyncRun, error)
}

// GapLister lists the open gaps a gap-fill request may select from
type GapLister interface {
	ListOpenGaps(ctx context.Context, limit int) ([]models.Gap, error)
}

// ViewCache serves jurisdiction views without blocking on a refresh
type ViewCache interface {
	Get(key string) (*service.JurisdictionView, bool)
}

// ViewLoader reads views straight from storage
type ViewLoader interface {
	LoadJurisdiction(ctx context.Context, jurisdiction string) (*service.JurisdictionView, error)
	LoadEntityHistory(ctx context.Context, entityID string) (*service.EntityHistory, error)
}

// HealthChecker reports whether the store is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the handlers call
type Deps struct {
	Runs    SyncRunner
	Gaps    GapLister
	Cache   ViewCache
	Views   ViewLoader
	Health  HealthChecker
	Metrics prometheus.Gatherer
	Logger  *logging.Logger
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Deps
	validate   *validator.Validate
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// Per-client request budget
	RequestsPerSecond int
	Burst             int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:   mux.NewRouter(),
		deps:     deps,
		validate: validator.New(),
		logger:   logger,
		config:   config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter, "/health", "/metrics"))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	gatherer := s.deps.Metrics
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	// Sync runs
	s.router.HandleFunc("/sync/full", s.handleSyncFull).Methods("POST")
	s.router.HandleFunc("/sync/incremental", s.handleSyncIncremental).Methods("POST")
	s.router.HandleFunc("/sync/gapfill", s.handleSyncGapFill).Methods("POST")
	s.router.HandleFunc("/sync/status/{id}", s.handleSyncStatus).Methods("GET")

	// Read models
	s.router.HandleFunc("/entities/{jurisdiction}", s.handleGetEntities).Methods("GET")
	s.router.HandleFunc("/entities/{jurisdiction}/movements", s.handleGetMovements).Methods("GET")
	s.router.HandleFunc("/entities/{jurisdiction}/{entityId}/history", s.handleGetHistory).Methods("GET")
}

// Handler exposes the routed handler, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("Health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "registry-scanner",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "registry-scanner",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}
