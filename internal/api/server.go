// Package api wires Eidolon's collector HTTP surface: the five endpoints
// spec.md §4 defines (POST /collector/scan, POST /collector/scan/cancel,
// GET/PUT /collector/config, GET /tasks/stream), the health/status
// endpoints generalized from the teacher, and the middleware chain that
// fronts all of them. Route handlers themselves live in internal/api/handlers;
// this file owns routing, middleware wiring, and the HTTP server lifecycle.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"

	"github.com/eidolon-project/eidolon/internal/api/handlers"
	apimw "github.com/eidolon-project/eidolon/internal/api/middleware"
	"github.com/eidolon-project/eidolon/internal/auth"
	"github.com/eidolon-project/eidolon/internal/config"
	"github.com/eidolon-project/eidolon/internal/configstore"
	"github.com/eidolon-project/eidolon/internal/eventbus"
	"github.com/eidolon-project/eidolon/internal/logging"
	"github.com/eidolon-project/eidolon/internal/metrics"
	"github.com/eidolon-project/eidolon/internal/orchestrator"
	"github.com/eidolon-project/eidolon/internal/tasks"
)

// Server timeout constants.
const serverShutdownTimeout = 30 * time.Second

// Server hosts the collector HTTP API: the scan lifecycle, config, and
// stream endpoints, plus health/status/version/metrics.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     *config.Config
	logger     *slog.Logger
	metrics    *metrics.Registry
	startTime  time.Time
}

// Dependencies bundles the already-constructed domain components the
// Server wires into handlers. The daemon entrypoint owns their lifecycle
// (construction, Start/StartJanitor, Shutdown); Server only routes to them.
type Dependencies struct {
	Database     *sqlx.DB
	Orchestrator *orchestrator.Orchestrator
	ConfigStore  *configstore.Store
	Tasks        *tasks.Registry
	Bus          *eventbus.Bus
}

// New constructs a Server from cfg and deps. It does not start listening;
// call Start for that.
func New(cfg *config.Config, deps Dependencies, logger *logging.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("api: config is required")
	}

	baseLogger := logger
	if baseLogger == nil {
		baseLogger = logging.NewDefault()
	}
	slogLogger := baseLogger.Logger.With("component", "api")

	metricsRegistry := metrics.NewRegistry()

	server := &Server{
		router:    mux.NewRouter(),
		config:    cfg,
		logger:    slogLogger,
		metrics:   metricsRegistry,
		startTime: time.Now(),
	}

	server.setupRoutes(deps, slogLogger, metricsRegistry)
	server.setupMiddleware(&cfg.API, slogLogger, metricsRegistry)

	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	server.httpServer = &http.Server{
		Addr:           addr,
		Handler:        server.router,
		ReadTimeout:    cfg.API.ReadTimeout,
		WriteTimeout:   cfg.API.WriteTimeout,
		IdleTimeout:    cfg.API.IdleTimeout,
		MaxHeaderBytes: cfg.API.MaxHeaderBytes,
	}

	return server, nil
}

// setupRoutes mounts every handler onto the router. Collector routes
// (scan/config/stream) sit under a subrouter that requires an x-user-id
// header whenever cfg.API.RequireUserID is set; health/status/version never
// do, since load balancers probe them without caller identity.
func (s *Server) setupRoutes(deps Dependencies, logger *slog.Logger, metricsRegistry *metrics.Registry) {
	healthHandler := handlers.NewHealthHandler(dbPingerOrNil(deps.Database), logger, metricsRegistry)
	s.router.HandleFunc("/healthz", healthHandler.Liveness).Methods(http.MethodGet)
	s.router.HandleFunc("/livez", healthHandler.Liveness).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", healthHandler.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/status", healthHandler.Status).Methods(http.MethodGet)
	s.router.HandleFunc("/version", healthHandler.Version).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", healthHandler.Metrics).Methods(http.MethodGet)

	collector := s.router.PathPrefix("").Subrouter()
	if s.config.API.RequireUserID {
		collector.Use(auth.Middleware)
	}

	scanHandler := handlers.NewScanHandler(deps.Orchestrator, deps.ConfigStore, logger, metricsRegistry)
	collector.HandleFunc("/collector/scan", scanHandler.Start).Methods(http.MethodPost)
	collector.HandleFunc("/collector/scan/cancel", scanHandler.Cancel).Methods(http.MethodPost)

	configHandler := handlers.NewConfigHandler(deps.ConfigStore, logger, metricsRegistry)
	collector.HandleFunc("/collector/config", configHandler.Get).Methods(http.MethodGet)
	collector.HandleFunc("/collector/config", configHandler.Put).Methods(http.MethodPut)

	streamHandler := handlers.NewStreamHandler(deps.Bus, deps.Tasks, logger, metricsRegistry)
	collector.HandleFunc("/tasks/stream", streamHandler.Stream).Methods(http.MethodGet)

	if s.config.API.ChatRelayUpstream != "" {
		chatHandler := handlers.NewChatRelayHandler(s.config.API.ChatRelayUpstream, logger)
		s.router.HandleFunc("/chat/stream", chatHandler.Relay).Methods(http.MethodGet)
	}
}

// sqlxPinger adapts *sqlx.DB's PingContext to handlers.DatabasePinger,
// which the Health Handler calls with a bounded-timeout context.
type sqlxPinger struct {
	db *sqlx.DB
}

func (p sqlxPinger) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// dbPingerOrNil adapts a possibly-nil *sqlx.DB to handlers.DatabasePinger,
// returning a true nil interface (not a non-nil interface wrapping a nil
// pointer) when db is nil.
func dbPingerOrNil(db *sqlx.DB) handlers.DatabasePinger {
	if db == nil {
		return nil
	}
	return sqlxPinger{db: db}
}

// setupMiddleware chains the shared middleware stack from
// internal/api/middleware onto every route: recovery first so a panic
// anywhere downstream is always caught, then request logging, metrics,
// optional rate limiting, CORS, a request timeout, security headers,
// response compression, and content-type validation last.
func (s *Server) setupMiddleware(apiCfg *config.APIConfig, logger *slog.Logger, metricsRegistry *metrics.Registry) {
	s.router.Use(apimw.Recovery(logger))
	s.router.Use(apimw.Logging(logger))
	s.router.Use(apimw.Metrics(metricsRegistry))

	if apiCfg.RateLimitEnabled {
		s.router.Use(apimw.RateLimit(apiCfg.RateLimitRequests, apiCfg.RateLimitWindow, logger))
	}
	if apiCfg.EnableCORS {
		s.router.Use(apimw.CORS(apiCfg.CORSOrigins, nil, nil))
	}

	timeout := apiCfg.ReadTimeout
	if timeout <= 0 {
		timeout = apiCfg.RequestTimeout
	}
	if timeout > 0 {
		s.router.Use(apimw.RequestTimeout(timeout))
	}

	s.router.Use(apimw.SecurityHeaders())
	s.router.Use(apimw.Compression())
	s.router.Use(apimw.ContentType())
}

// Start begins serving HTTP requests. It blocks until the server stops or
// ctx is cancelled, at which point it performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop gracefully shuts the server down, allowing in-flight requests
// (including open SSE streams) up to serverShutdownTimeout to finish.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	s.logger.Info("api server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

// GetRouter returns the underlying router, for use in tests that need to
// drive requests without a listening socket.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the server's configured listen address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}
