package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/letter-vault/internal/api"
	"github.com/kenneth/letter-vault/internal/audit"
	"github.com/kenneth/letter-vault/internal/cache"
	"github.com/kenneth/letter-vault/internal/config"
	"github.com/kenneth/letter-vault/internal/crypto"
	"github.com/kenneth/letter-vault/internal/metrics"
	"github.com/kenneth/letter-vault/internal/middleware"
	"github.com/kenneth/letter-vault/internal/s3"
	"github.com/kenneth/letter-vault/internal/store"
	"github.com/kenneth/letter-vault/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

// cacheMaxBytes bounds the document cache. Entries are small envelopes.
const cacheMaxBytes = 64 << 20

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

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting letter-vault")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = version
	}
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}

	// Key registry. Built once; an invalid keyring stops the process here.
	registry, err := crypto.NewRegistry(crypto.KeySource{
		PrimaryVersion: cfg.Encryption.PrimaryKeyVersion,
		Keyring:        cfg.Encryption.Keyring,
		MasterKey:      cfg.Encryption.MasterKey,
		Versions:       cfg.Encryption.KeyVersions,
		LegacyKey:      cfg.Encryption.Key,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to build key registry")
	}
	defer func() {
		registry.Destroy()
		memguard.Purge()
	}()

	cryptoService, err := crypto.NewService(registry)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create encryption service")
	}
	logger.WithFields(logrus.Fields{
		"mode":            registry.Mode(),
		"primary_version": registry.PrimaryVersion(),
		"key_versions":    registry.Versions(),
	}).Info("Key registry initialized")

	// Metrics
	m := metrics.NewMetrics()
	m.SetKeyring(string(registry.Mode()), registry.PrimaryVersion(), len(registry.Versions()))
	m.StartSystemMetricsCollector(ctx)

	// Audit logger
	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	// Storage backend
	var (
		backend store.Backend
		pinger  api.Pinger
	)
	switch cfg.Storage.Backend {
	case "s3":
		client, err := s3.NewClient(ctx, cfg.Storage.S3)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create S3 client")
		}
		s3Backend := s3.NewBackend(client, cfg.Storage.S3.Bucket, cfg.Storage.S3.Prefix)
		backend, pinger = s3Backend, s3Backend
		logger.WithFields(logrus.Fields{
			"bucket":   cfg.Storage.S3.Bucket,
			"prefix":   cfg.Storage.S3.Prefix,
			"endpoint": cfg.Storage.S3.Endpoint,
		}).Info("Using S3 storage backend")
	default:
		backend = store.NewMemoryBackend()
		logger.Warn("Using in-memory storage backend; data is lost on restart")
	}

	if cfg.Cache.Enabled {
		docCache := cache.NewMemoryCache(cacheMaxBytes, cfg.Cache.MaxItems, cfg.Cache.DefaultTTL)
		backend = store.NewCachedBackend(backend, docCache, cfg.Cache.DefaultTTL, logger)
		logger.WithFields(logrus.Fields{
			"max_items":   cfg.Cache.MaxItems,
			"default_ttl": cfg.Cache.DefaultTTL,
		}).Info("Document cache enabled")
	}

	st, err := store.New(store.Options{
		Backend:     backend,
		Crypto:      cryptoService,
		Logger:      logger,
		Metrics:     m,
		Audit:       auditLogger,
		StrictReads: cfg.Encryption.StrictReads,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create record store")
	}

	if cfg.Encryption.RotateOnStartup {
		reports, err := st.SweepAll(ctx)
		for _, report := range reports {
			logger.WithFields(logrus.Fields{
				"collection":  report.Collection,
				"scanned":     report.Scanned,
				"rotated":     report.Rotated,
				"failed":      report.Failed,
				"by_version":  report.ByVersion,
				"duration_ms": report.Duration.Milliseconds(),
			}).Info("Key rotation sweep finished")
		}
		if err != nil {
			logger.WithError(err).Fatal("Key rotation sweep failed")
		}
	}

	// Router
	handler := api.NewHandler(st, registry, pinger, logger, cfg.Server.MaxBodyBytes)

	router := mux.NewRouter()
	router.Use(middleware.TracingMiddleware(true), middleware.MetricsMiddleware(m))
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	handler.RegisterRoutes(router)

	// Apply middleware
	httpHandler := middleware.RecoveryMiddleware(logger)(router)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)
	httpHandler = middleware.RequestIDMiddleware()(httpHandler)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	serverErr := make(chan error, 1)
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
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("Server failed")
		}
	}

	logger.Info("Shutting down server...")

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
