package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/halcyonmed/dicom-archive/internal/cache"
	"github.com/halcyonmed/dicom-archive/internal/config"
	"github.com/halcyonmed/dicom-archive/internal/database"
	"github.com/halcyonmed/dicom-archive/internal/handlers"
	"github.com/halcyonmed/dicom-archive/internal/jobs"
	"github.com/halcyonmed/dicom-archive/internal/middleware"
	"github.com/halcyonmed/dicom-archive/internal/scp"
	"github.com/halcyonmed/dicom-archive/internal/services"
	"github.com/halcyonmed/dicom-archive/internal/storage"
	"github.com/halcyonmed/dicom-archive/pkg/logger"
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
	log.Info().Msg("Starting DICOM archive")

	// Connect to database
	db, err := database.Connect(database.Config{
		Driver:       cfg.Database.Driver,
		Path:         cfg.Database.Path,
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		DBName:       cfg.Database.DBName,
		SSLMode:      cfg.Database.SSLMode,
		LogLevel:     cfg.Database.LogLevel,
		AllowUpgrade: cfg.Database.AllowUpgrade,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close(db)

	// Initialize cache
	var cacheImpl cache.Cache
	if cfg.Cache.Enabled && cfg.Cache.Type == "redis" {
		addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
		cacheImpl, err = cache.NewRedis(addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		log.Info().Msg("Redis cache initialized")
	} else {
		cacheImpl = cache.NewMemory()
		log.Info().Msg("Memory cache initialized")
	}

	// Initialize storage area
	area, err := storage.NewFilesystem(cfg.Storage.Directory)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage area")
	}

	// Initialize jobs engine
	engine := jobs.NewEngine(cfg.Jobs.Workers)

	// Assemble the server context
	server, err := services.New(cfg, db, area, engine, cacheImpl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble server context")
	}
	defer server.Close()

	// Resume persisted jobs, then start the workers and the flusher
	if err := server.LoadJobsRegistry(); err != nil {
		log.Warn().Err(err).Msg("Cannot resume the jobs registry")
	}
	engine.Start()
	stopFlusher := server.StartJobsFlusher()

	// Start the DICOM server
	dicomServer := scp.NewServer(scp.Config{
		AET:    cfg.Dicom.AET,
		Port:   cfg.Dicom.Port,
		MaxPDU: uint32(cfg.Dicom.MaxPDU),
	}, server.DicomHandler())
	if err := dicomServer.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start the DICOM server")
	}

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(db, area)
	resourceHandler := handlers.NewResourceHandler(server)
	remoteHandler := handlers.NewRemoteHandler(server)
	jobsHandler := handlers.NewJobsHandler(server)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Archive API
	resourceHandler.Mount(r)
	remoteHandler.Mount(r)
	jobsHandler.Mount(r)

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
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

	// Graceful shutdown: stop accepting, drain the jobs, flush the registry
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	dicomServer.Stop()
	engine.Stop()
	stopFlusher()

	log.Info().Msg("Server stopped")
}
