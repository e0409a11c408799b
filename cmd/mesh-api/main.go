package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshforge/mesh-api/internal/config"
	"github.com/meshforge/mesh-api/internal/convert"
	"github.com/meshforge/mesh-api/internal/engine"
	"github.com/meshforge/mesh-api/internal/engine/command"
	"github.com/meshforge/mesh-api/internal/engine/inference"
	"github.com/meshforge/mesh-api/internal/job"
	"github.com/meshforge/mesh-api/internal/logger"
	"github.com/meshforge/mesh-api/internal/platform/sqlite"
	jobrepo "github.com/meshforge/mesh-api/internal/repository/job"
	"github.com/meshforge/mesh-api/internal/server"
	"github.com/meshforge/mesh-api/internal/settings"
	"github.com/meshforge/mesh-api/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.AppEnv)

	// Root context: cancelled on SIGINT/SIGTERM so in-flight conversions
	// stop promptly during graceful shutdown.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Job registry
	var registry job.Registry
	if cfg.Registry == config.RegistrySQLite {
		db, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}
		defer func() { _ = db.Close() }()
		registry = jobrepo.NewRegistry(db.DB)
	} else {
		registry = job.NewMemoryRegistry()
	}

	// Filesystem layout for uploads and generated models
	layout, err := storage.NewLayout(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare data directory")
	}

	// Runtime settings, hot-reloaded on file edits
	defaults := settings.Defaults()
	defaults.EngineBackend = cfg.Engine
	store, err := settings.NewStore(cfg.SettingsPath, defaults, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load settings")
	}
	go store.Watch(rootCtx)

	// Conversion backends
	engines := engine.NewRegistry()
	if cfg.EngineURL != "" {
		engines.Register(inference.New(
			inference.WithBaseURL(cfg.EngineURL),
			inference.WithClient(&http.Client{Timeout: cfg.ConvertTimeout}),
		))
	}
	if cfg.EngineCmd != "" {
		runner, err := command.New(cfg.EngineCmd)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure command engine")
		}
		engines.Register(runner)
	}
	// Reject config updates that name a backend nothing is registered under.
	store.SetBackends(engines.Names)

	// Services
	convertSvc := convert.NewService(registry, engines, layout, store, cfg.MaxPending, log)
	jobSvc := job.NewService(registry, log)

	// Worker pool: picks up queued jobs in the background
	pool := job.NewWorkerPool(registry, convertSvc, cfg.Workers, cfg.ConvertTimeout, log)
	convertSvc.SetNotify(pool.Notify)
	jobSvc.SetCanceler(pool)
	poolDone := make(chan struct{})
	go func() {
		pool.Run(rootCtx)
		close(poolDone)
	}()

	// Re-queue jobs interrupted by a previous shutdown; their uploads are
	// still on disk.
	if err := jobSvc.RecoverInterruptedJobs(rootCtx); err != nil {
		log.Error().Err(err).Msg("failed to recover interrupted jobs")
	}
	pool.Notify()

	// HTTP server. rootCtx is used as BaseContext so every request context
	// inherits from it and is cancelled on shutdown.
	handler := server.NewHandler(server.Deps{
		ConvertSvc:  convertSvc,
		JobSvc:      jobSvc,
		Layout:      layout,
		Settings:    store,
		MaxUploadMB: cfg.MaxUploadMB,
		Logger:      log,
	})
	srv := server.New(rootCtx, cfg.Port, handler, log)

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	log.Info().Str("port", cfg.Port).Int("workers", cfg.Workers).Msg("server started")
	<-done

	// Cancel root context first so in-flight conversions begin winding down
	// immediately.
	rootCancel()

	// Wait for worker pool to drain before shutting down HTTP.
	<-poolDone

	// Then drain connections with a deadline.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}
