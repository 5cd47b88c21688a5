package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/otcheredev/ris-dicom-indexer/internal/adapters"
	"github.com/otcheredev/ris-dicom-indexer/internal/cache"
	"github.com/otcheredev/ris-dicom-indexer/internal/config"
	"github.com/otcheredev/ris-dicom-indexer/internal/database"
	"github.com/otcheredev/ris-dicom-indexer/internal/handlers"
	"github.com/otcheredev/ris-dicom-indexer/internal/header"
	"github.com/otcheredev/ris-dicom-indexer/internal/indexclient"
	"github.com/otcheredev/ris-dicom-indexer/internal/indexer"
	"github.com/otcheredev/ris-dicom-indexer/internal/middleware"
	"github.com/otcheredev/ris-dicom-indexer/internal/models"
	"github.com/otcheredev/ris-dicom-indexer/internal/repository"
	"github.com/otcheredev/ris-dicom-indexer/internal/services"
	"github.com/otcheredev/ris-dicom-indexer/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("base", cfg.Index.Base).Msg("Starting DICOM indexer")

	// Build history is optional
	var runs *repository.IndexRunRepository
	if cfg.Database.Enabled {
		dbConfig := database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
			LogLevel: cfg.Database.LogLevel,
		}
		if err := database.Connect(dbConfig); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer database.Close()
		runs = repository.NewIndexRunRepository()
	}

	store, err := newCache(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize cache")
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	// Initialize adapter factory
	adapterFactory := adapters.NewAdapterFactory()
	defer adapterFactory.CloseAll()

	builder, reader, source, err := newSource(cfg, adapterFactory)
	if err != nil {
		log.Warn().Err(err).Msg("Index source unavailable, rebuild and ingest are disabled")
	}

	opts := services.Options{
		Store:  store,
		Source: source,
		Reader: reader,
		TTL:    cfg.Cache.TTL,
	}
	if builder != nil {
		opts.Builder = builder
		opts.Scope = builder.Scope
	}
	if runs != nil {
		opts.Runs = runs
	}
	if cfg.Server.Origin != "" {
		client, err := indexclient.New(cfg.Server.Origin, store)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid index server origin")
		}
		opts.Client = client
	}

	catalogService := services.NewCatalogService(cfg.Index.Base, opts)
	warmUp(cfg, catalogService)

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(catalogService, cfg.Database.Enabled)
	indexHandler := handlers.NewIndexHandler(catalogService)
	managementHandler := handlers.NewManagementHandler(catalogService)
	if runs != nil {
		managementHandler.WithRuns(runs)
	}

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type", "ETag", middleware.CorrelationHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Index documents under the base scope
	indexHandler.Routes(r, catalogService.Base())

	// Management API
	r.Route("/api/v1", managementHandler.Routes)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

// newCache returns the configured snapshot store, or nil when caching is off.
func newCache(cfg *config.Config) (cache.Cache, error) {
	if !cfg.Cache.Enabled {
		log.Info().Msg("Cache disabled, snapshots will not persist")
		return nil, nil
	}

	switch cfg.Cache.Type {
	case "redis":
		addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
		c, err := cache.NewRedisCache(addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		log.Info().Str("addr", addr).Msg("Redis cache initialized")
		return c, nil
	case "badger":
		c, err := cache.NewBadgerCache(cfg.Cache.BadgerPath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.Cache.BadgerPath).Msg("Badger cache initialized")
		return c, nil
	default:
		log.Info().Msg("Memory cache initialized")
		return cache.NewMemoryCache(), nil
	}
}

// newSource wires discovery and header reading for the configured source.
// A listing URL takes precedence over a directory.
func newSource(cfg *config.Config, factory *adapters.AdapterFactory) (*indexer.Builder, *header.Reader, string, error) {
	opts := indexer.Options{
		Workers:          cfg.Index.Workers,
		Limit:            cfg.Index.Limit,
		Timeout:          cfg.Index.RequestTimeout,
		RequireSignature: cfg.Index.RequireSignature,
		Decoder:          header.NewDicomDecoder(),
	}

	if cfg.Index.SourceURL != "" {
		adapter, err := factory.GetAdapter(models.SourceConfig{
			Type:     models.SourceTypeHTTP,
			Base:     cfg.Index.Base,
			Endpoint: cfg.Index.SourceURL,
			Username: cfg.Index.SourceUsername,
			Password: cfg.Index.SourcePassword,
			APIKey:   cfg.Index.SourceAPIKey,
		})
		if err != nil {
			return nil, nil, "", err
		}
		httpAdapter, ok := adapter.(*adapters.HTTPAdapter)
		if !ok {
			return nil, nil, "", fmt.Errorf("unexpected adapter type %T", adapter)
		}
		b, err := indexer.ForListing(httpAdapter, cfg.Index.SourceURL, opts)
		if err != nil {
			return nil, nil, "", err
		}
		reader := header.NewReader(httpAdapter, opts.Decoder)
		reader.RequireSignature = opts.RequireSignature
		reader.Timeout = opts.Timeout
		return b, reader, cfg.Index.SourceURL, nil
	}

	b, err := indexer.ForDirectory(cfg.Index.SourceDir, cfg.Index.Base, opts)
	if err != nil {
		return nil, nil, cfg.Index.SourceDir, err
	}
	reader, err := indexer.ReaderForDirectory(cfg.Index.SourceDir, cfg.Index.Base, opts)
	if err != nil {
		return nil, nil, cfg.Index.SourceDir, err
	}
	return b, reader, cfg.Index.SourceDir, nil
}

// warmUp restores the cached snapshot, then refreshes from the index server
// or rebuilds from the source when configured to.
func warmUp(cfg *config.Config, svc *services.CatalogService) {
	ctx := context.Background()
	restored := svc.Restore(ctx)

	if cfg.Server.Origin != "" {
		if _, err := svc.Refresh(ctx); err != nil && !errors.Is(err, services.ErrNotConfigured) {
			log.Warn().Err(err).Msg("Initial index refresh failed")
		}
		return
	}

	if !cfg.Index.BuildOnStart || (restored && svc.Status().Status == models.IndexStatusReady) {
		return
	}
	go func() {
		buildCtx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		if _, err := svc.Rebuild(buildCtx); err != nil {
			log.Error().Err(err).Msg("Initial index build failed")
		}
	}()
}
