package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/fitsflow/internal/config"
	"github.com/dunamismax/fitsflow/internal/pipeline"
	"github.com/dunamismax/fitsflow/internal/storage"
	"github.com/dunamismax/fitsflow/internal/store"
	"github.com/dunamismax/fitsflow/internal/telemetry"
	"github.com/dunamismax/fitsflow/internal/webhook"
	"github.com/dunamismax/fitsflow/internal/worker"
)

type jobAndUsageStore interface {
	store.JobStore
	store.UsageStore
}

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := cfg.Trace.Telemetry("fitsflow-worker")
	traceCfg.RenderBackend = pipeline.Backend()
	shutdownTracing, err := telemetry.SetupTracing(ctx, traceCfg, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("pipeline startup failed: %v", err)
	}
	defer pipeline.Shutdown()

	jobStore, closeStore := openJobStore(ctx, cfg.Database, logger)
	defer closeStore()

	storageClient, err := storage.NewClient(cfg.Storage.Client(cfg.Worker.MaxSourceBytes))
	if err != nil {
		logger.Printf("object storage disabled err=%v", err)
	} else if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Printf("object storage disabled bucket=%s err=%v", cfg.Storage.Bucket, err)
		storageClient = nil
	}

	logger.Printf(
		"starting worker backend=%s concurrency=%d max_active_jobs=%d queue=%s redis=%s max_source_bytes=%d",
		pipeline.Backend(),
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		cfg.Worker.MaxSourceBytes,
	)

	srv, err := worker.NewServer(
		logger,
		cfg.Queue,
		cfg.Worker,
		storageClient,
		webhook.NewClient(cfg.Webhook),
		jobStore,
		jobStore,
	)
	if err != nil {
		logger.Fatalf("worker setup failed: %v", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	// Run blocks until SIGINT or SIGTERM and drains in-flight tasks itself.
	if err := srv.Run(); err != nil {
		logger.Printf("worker failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown failed: %v", err)
	}
}

// openJobStore uses Postgres when POSTGRES_DSN is set. The in-memory fallback only sees jobs
// created by this process, so status updates from a separate API are dropped.
func openJobStore(ctx context.Context, cfg config.DatabaseConfig, logger *log.Logger) (jobAndUsageStore, func()) {
	if cfg.DSN == "" {
		logger.Printf("POSTGRES_DSN not set, using in-memory job store")
		return store.NewMemoryJobStore(), func() {}
	}

	pgStore, err := store.NewPostgresJobStore(ctx, cfg.DSN)
	if err != nil {
		logger.Fatalf("init postgres job store: %v", err)
	}
	return pgStore, func() {
		if err := pgStore.Close(); err != nil {
			logger.Printf("postgres close error: %v", err)
		}
	}
}
