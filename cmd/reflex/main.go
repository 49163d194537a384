package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/raaihank/reflex-layer/internal/audit"
	"github.com/raaihank/reflex-layer/internal/cache"
	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/injection"
	"github.com/raaihank/reflex-layer/internal/logger"
	"github.com/raaihank/reflex-layer/internal/metrics"
	"github.com/raaihank/reflex-layer/internal/pii"
	"github.com/raaihank/reflex-layer/internal/pipeline"
	"github.com/raaihank/reflex-layer/internal/ratelimit"
	"github.com/raaihank/reflex-layer/internal/server"
	"github.com/raaihank/reflex-layer/internal/store"
	"github.com/raaihank/reflex-layer/internal/websocket"
	"github.com/raaihank/reflex-layer/pkg/client"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

const memoryCleanupInterval = time.Minute

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
		healthURL   = flag.String("health-url", "http://localhost:8080", "Base URL used by --health-check")
	)
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("Reflex Layer %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Perform health check and exit
	if *healthCheck {
		performHealthCheck(*healthURL)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	server.Version = version
	log.Info("Starting Reflex Layer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	if err := run(cfg, log); err != nil {
		log.Error("Reflex Layer stopped with error", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	// Shared store for rate limit buckets and cached verdicts
	st, err := store.New(cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()
	if mem, ok := st.(*store.MemoryStore); ok {
		log.Warn("Using in-memory store; rate limits and cache are not shared between instances")
		mem.StartCleanupRoutine(ctx, memoryCleanupInterval)
	}

	piiDetector, err := pii.New(cfg.PII, log)
	if err != nil {
		return fmt.Errorf("failed to create PII detector: %w", err)
	}
	injDetector, err := injection.New(cfg.Injection, log)
	if err != nil {
		return fmt.Errorf("failed to create injection detector: %w", err)
	}

	components := pipeline.Components{PII: piiDetector, Injection: injDetector}
	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.New(cfg.RateLimit, st, m, log)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		components.Limiter = limiter
	}
	if cfg.Cache.Enabled {
		mgr, err := cache.NewManager(cfg.Cache, st, m, log)
		if err != nil {
			return fmt.Errorf("failed to create cache: %w", err)
		}
		components.Cache = mgr
	}

	p, err := pipeline.New(cfg.Pipeline, components, m, log)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	deps := server.Deps{Pipeline: p, Store: st, Metrics: m}

	if cfg.WebSocket.Enabled {
		hub := websocket.NewHub(cfg.WebSocket, m, log)
		go hub.Run(ctx)
		p.AddSink(hub)
		deps.Hub = hub
	}

	if cfg.Audit.Enabled {
		auditStore, err := audit.NewStore(cfg.Audit, log)
		if err != nil {
			return fmt.Errorf("failed to create audit store: %w", err)
		}
		defer auditStore.Close()

		writer := audit.NewWriter(cfg.Audit, auditStore, m, log)
		go writer.Run(ctx)
		defer writer.Close()

		p.AddSink(writer)
		deps.Audit = auditStore
		deps.AuditWriter = writer
	}

	srv, err := server.New(cfg, deps, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Apply log level and framing marker changes without a restart
	config.Watch(func(newCfg *config.Config) {
		if err := log.SetLevel(newCfg.Logging.Level); err != nil {
			log.Warn("Ignoring invalid log level", zap.Error(err))
		}
		if err := injDetector.SetMarkers(newCfg.Injection); err != nil {
			log.Warn("Ignoring invalid framing markers", zap.Error(err))
		}
		log.Info("Configuration reloaded", zap.String("log_level", newCfg.Logging.Level))
	}, func(err error) {
		log.Error("Configuration reload failed", zap.Error(err))
	})

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start()
	}()

	// Setup graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	log.Info("Server shutdown complete")
	return nil
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(baseURL string) {
	cfg := client.DefaultConfig(baseURL)
	cfg.Timeout = 5 * time.Second
	cfg.MaxRetries = 0

	c, err := client.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}

	resp, err := c.Health(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Health check passed (%s, version %s)\n", resp.Status, resp.Version)
	os.Exit(0)
}
