package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/kenneth/tiered-segment-store/internal/api"
	"github.com/kenneth/tiered-segment-store/internal/audit"
	"github.com/kenneth/tiered-segment-store/internal/cache"
	"github.com/kenneth/tiered-segment-store/internal/config"
	"github.com/kenneth/tiered-segment-store/internal/metrics"
	"github.com/kenneth/tiered-segment-store/internal/middleware"
	"github.com/kenneth/tiered-segment-store/internal/segment"
	"github.com/kenneth/tiered-segment-store/internal/storage"
	"github.com/kenneth/tiered-segment-store/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	setLogLevel(logger, cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting tiered segment store")

	ctx := context.Background()

	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = version
	}
	shutdownTracing, err := tracing.Setup(ctx, &cfg.Tracing)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	if cfg.Tracing.Enabled {
		logger.WithFields(logrus.Fields{
			"exporter":       cfg.Tracing.Exporter,
			"sampling_ratio": cfg.Tracing.SamplingRatio,
		}).Info("Tracing enabled")
	}

	// Initialize metrics
	m := metrics.NewMetrics()
	stopCollector := m.StartSystemMetricsCollector(15 * time.Second)
	defer stopCollector()

	// Initialize object store
	var store storage.ObjectStore
	switch cfg.Storage.Backend {
	case "memory":
		store = storage.NewMemoryStore()
		logger.Warn("Using in-memory storage, segments are lost on restart")
	default:
		store, err = storage.NewS3Store(ctx, &cfg.Storage)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create S3 store")
		}
		logger.WithFields(logrus.Fields{
			"bucket":   cfg.Storage.Bucket,
			"prefix":   cfg.Storage.Prefix,
			"endpoint": cfg.Storage.Endpoint,
		}).Info("S3 store initialized")
	}

	opts := []segment.Option{
		segment.WithMetrics(m),
		segment.WithLogger(logger),
		segment.WithTracerProvider(otel.GetTracerProvider()),
	}

	wrapper, err := api.BuildKeyWrapper(&cfg.Encryption, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize key wrapper")
	}
	if wrapper != nil {
		opts = append(opts, segment.WithKeyWrapper(wrapper))
	}

	// Manifest cache
	if cfg.Cache.Enabled {
		manifestCache := cache.NewMemoryCache(cfg.Cache.MaxItems, cfg.Cache.DefaultTTL)
		opts = append(opts, segment.WithCache(manifestCache, cfg.Cache.DefaultTTL))
		logger.WithFields(logrus.Fields{
			"max_items":   cfg.Cache.MaxItems,
			"default_ttl": cfg.Cache.DefaultTTL,
		}).Info("Manifest cache enabled")
	}

	if cfg.Audit.Enabled {
		auditLogger := audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger), logger)
		opts = append(opts, segment.WithAuditLogger(auditLogger))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	policies, err := loadPolicies(cfg.PolicyFiles)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load segment policies")
	}
	if policies.Len() > 0 {
		logger.WithField("policies", policies.Len()).Info("Segment policies loaded")
	}
	opts = append(opts, segment.WithPolicies(policies))

	manager, err := segment.NewManager(cfg, store, opts...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create segment manager")
	}

	// Hot reload
	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create configuration reloader")
	}
	reloader.SetOnReloadCallback(func(old, next *config.Config) error {
		pm, err := loadPolicies(next.PolicyFiles)
		if err != nil {
			return err
		}
		if err := manager.UpdateConfig(next); err != nil {
			return err
		}
		manager.SetPolicies(pm)
		if old.LogLevel != next.LogLevel {
			setLogLevel(logger, next.LogLevel)
		}
		return nil
	})
	go reloader.Start()
	defer reloader.Stop()

	handler := api.NewHandler(manager, logger, cfg.Server.MaxSegmentSize)

	// Setup router
	router := mux.NewRouter()
	router.Use(
		middleware.MetricsMiddleware(m),
		middleware.TracingMiddleware(otel.GetTracerProvider(), cfg.Tracing.RedactKeys),
		middleware.SegmentKeyValidationMiddleware(logger),
	)

	// Register metrics endpoint
	router.Handle("/metrics", m.Handler()).Methods("GET")

	// Register API routes
	handler.RegisterRoutes(router)

	// Apply middleware
	httpHandler := middleware.RecoveryMiddleware(logger)(router)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	httpHandler = middleware.RequestIDMiddleware()(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)

	// Add rate limiting if enabled
	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			cfg.RateLimit.Limit,
			cfg.RateLimit.Window,
			logger,
		)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	// Create HTTP server
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
}

func setLogLevel(logger *logrus.Logger, name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func loadPolicies(patterns []string) (*config.PolicyManager, error) {
	pm := config.NewPolicyManager()
	if len(patterns) == 0 {
		return pm, nil
	}
	if err := pm.LoadPolicies(patterns); err != nil {
		return nil, err
	}
	return pm, nil
}
