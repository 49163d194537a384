package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/reflex-layer/internal/audit"
	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/logger"
	"github.com/raaihank/reflex-layer/internal/metrics"
	"github.com/raaihank/reflex-layer/internal/pipeline"
	"github.com/raaihank/reflex-layer/internal/store"
	"github.com/raaihank/reflex-layer/internal/web"
	"github.com/raaihank/reflex-layer/internal/websocket"
)

// Version is the service version reported by /health and /info
var Version = "0.1.0"

// AuditReader queries the audit trail
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
	Summarize(ctx context.Context, since time.Time) (*audit.Summary, error)
}

// Deps are the components the HTTP layer serves. Hub, Audit and AuditWriter
// are optional.
type Deps struct {
	Pipeline    *pipeline.Pipeline
	Store       store.Store
	Hub         *websocket.Hub
	Metrics     *metrics.Metrics
	Audit       AuditReader
	AuditWriter *audit.Writer
}

// Server represents the Reflex Layer HTTP server
type Server struct {
	config    *config.Config
	logger    *logger.Logger
	pipeline  *pipeline.Pipeline
	store     store.Store
	wsHub     *websocket.Hub
	metrics   *metrics.Metrics
	audit     AuditReader
	auditW    *audit.Writer
	router    *mux.Router
	server    *http.Server
	startedAt time.Time
}

// New creates a new server instance
func New(cfg *config.Config, deps Deps, log *logger.Logger) (*Server, error) {
	if deps.Pipeline == nil {
		return nil, errors.New("server requires a pipeline")
	}
	if deps.Store == nil {
		return nil, errors.New("server requires a store")
	}

	s := &Server{
		config:    cfg,
		logger:    log.WithComponent("server"),
		pipeline:  deps.Pipeline,
		store:     deps.Store,
		wsHub:     deps.Hub,
		metrics:   deps.Metrics,
		audit:     deps.Audit,
		auditW:    deps.AuditWriter,
		router:    mux.NewRouter(),
		startedAt: time.Now(),
	}
	if s.wsHub != nil {
		s.wsHub.SetClientIPFunc(s.clientIP)
	}

	if err := s.setupRoutes(); err != nil {
		return nil, err
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() error {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	s.router.HandleFunc("/process", s.handleProcess).Methods(http.MethodPost)
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/process", s.handleProcess).Methods(http.MethodPost)
	if s.audit != nil {
		api.HandleFunc("/audit/recent", s.handleAuditRecent).Methods(http.MethodGet)
		api.HandleFunc("/audit/summary", s.handleAuditSummary).Methods(http.MethodGet)
	}

	if s.config.Metrics.Enabled && s.metrics != nil {
		s.router.Handle(s.config.Metrics.Path, s.metrics.Handler()).Methods(http.MethodGet)
	}

	if s.config.WebSocket.Enabled && s.wsHub != nil {
		s.router.HandleFunc(s.config.WebSocket.Path, s.wsHub.HandleWebSocket).Methods(http.MethodGet)

		if s.config.WebSocket.Dashboard {
			dashboard, err := web.DashboardHandler(s.config.WebSocket.Path, Version)
			if err != nil {
				return fmt.Errorf("failed to build dashboard: %w", err)
			}
			s.router.Handle("/dashboard", dashboard).Methods(http.MethodGet)
		}
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "Not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting Reflex Layer server",
		zap.String("addr", s.server.Addr),
		zap.String("store_backend", s.config.Redis.Backend),
		zap.Bool("pii_enabled", s.config.PII.Enabled),
		zap.Bool("injection_enabled", s.config.Injection.Enabled),
		zap.Bool("rate_limit_enabled", s.config.RateLimit.Enabled),
		zap.Duration("deadline", s.config.Pipeline.Deadline),
	)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping Reflex Layer server")
	return s.server.Shutdown(ctx)
}
