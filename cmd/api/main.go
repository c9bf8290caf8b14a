package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/timmy/chronos/internal/api"
	"github.com/timmy/chronos/internal/config"
	"github.com/timmy/chronos/internal/logger"
	"github.com/timmy/chronos/internal/repository"
	"github.com/timmy/chronos/internal/storage"
	"github.com/timmy/chronos/internal/tracker"
)

// historyRetryDelay is how long the history sink waits before resubscribing
// after it was dropped.
const historyRetryDelay = 2 * time.Second

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	if err := run(appLogger); err != nil {
		appLogger.WithError(err).Error("Server exited with error")
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appLogger *logger.Logger) error {
	appLogger.WithField("gomaxprocs", runtime.GOMAXPROCS(0)).Info("Starting chronos")

	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := tracker.NewMetrics(registry)

	deps := api.Dependencies{Gatherer: registry, Logger: appLogger}
	regOpts := []tracker.RegistryOption{
		tracker.WithMetrics(metrics),
		tracker.WithAuditCapacity(cfg.Tracker.AuditCapacity),
	}

	// Initialize snapshot storage (supports R2, S3, S3-compatible)
	if cfg.Storage.Enabled {
		objectStorage, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		if err := objectStorage.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to ensure storage bucket: %w", err)
		}
		archive := storage.NewSnapshotArchive(objectStorage, cfg.Storage.Prefix)
		regOpts = append(regOpts, tracker.WithSnapshotExporter(archive))
		deps.Snapshots = archive
	}

	t := tracker.New(tracker.Options{
		Delivery: tracker.DeliveryConfig{
			MailboxSize:          cfg.Stream.MailboxSize,
			SendTimeout:          cfg.Stream.SendTimeout,
			MaxRetries:           cfg.Stream.MaxRetries,
			RetryInitialInterval: cfg.Stream.RetryInitialInterval,
			RetryMaxInterval:     cfg.Stream.RetryMaxInterval,
		},
		Metrics:  metrics,
		Registry: regOpts,
	})
	deps.Tracker = t

	g, gctx := errgroup.WithContext(ctx)

	// Initialize job history
	if cfg.Database.Enabled {
		db, err := repository.InitDB(&cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		jobRepo := repository.NewJobRepository(db)
		auditRepo := repository.NewAuditRepository(db)
		deps.History = jobRepo
		deps.Audit = auditRepo

		recent, err := jobRepo.ListRecent(ctx, cfg.Tracker.RecentLimit)
		if err != nil {
			return fmt.Errorf("failed to load recent jobs: %w", err)
		}
		restored := t.Registry.Restore(recent)
		appLogger.WithField(logger.FieldCount, restored).Info("Restored recent jobs from history")

		sink := repository.NewHistorySink(jobRepo, auditRepo)
		g.Go(func() error {
			return t.Bus.Follow(logger.SetComponent(gctx, "history"), "history", sink, historyRetryDelay)
		})
	}

	// Retention janitor
	janitor := tracker.NewJanitor(t.Registry, cfg.Tracker.JanitorInterval, cfg.Tracker.Retention, cfg.Tracker.MaxRetained)
	g.Go(func() error {
		return janitor.Run(gctx)
	})

	// Setup router
	router := api.SetupRouter(deps, cfg)

	// Create HTTP server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Streaming handlers only return once their observers are gone.
		t.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	appLogger.Info("Server exited")
	return nil
}
