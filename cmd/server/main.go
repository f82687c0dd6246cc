// Package main is the entrypoint for the gpufleet API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tnsr-ai/gpufleet/internal/api"
	"github.com/tnsr-ai/gpufleet/internal/api/handler"
	mw "github.com/tnsr-ai/gpufleet/internal/api/middleware"
	"github.com/tnsr-ai/gpufleet/internal/cache"
	"github.com/tnsr-ai/gpufleet/internal/callback"
	"github.com/tnsr-ai/gpufleet/internal/config"
	"github.com/tnsr-ai/gpufleet/internal/lifecycle"
	"github.com/tnsr-ai/gpufleet/internal/metrics"
	"github.com/tnsr-ai/gpufleet/internal/notify"
	"github.com/tnsr-ai/gpufleet/internal/orchestrator"
	"github.com/tnsr-ai/gpufleet/internal/provider"
	"github.com/tnsr-ai/gpufleet/internal/queue"
	"github.com/tnsr-ai/gpufleet/internal/storage"
	"github.com/tnsr-ai/gpufleet/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config, fail fast on invalid config
	if err := config.LoadDotenv(os.Getenv("APP_ENV")); err != nil {
		return fmt.Errorf("load dotenv: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "marketplaces", cfg.Marketplace.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Marketplace integrations, needed to release machines on cancel
	registry, err := provider.NewFromConfig(cfg.Marketplace, logger)
	if err != nil {
		return fmt.Errorf("create marketplaces: %w", err)
	}
	slog.Info("marketplaces initialized", "providers", registry.Names())

	// 6. Object storage
	bucket, err := storage.New(ctx, cfg.Storage, redisCache, logger)
	if err != nil {
		return fmt.Errorf("create object storage: %w", err)
	}

	// 7. Store, metrics and notifications
	pgStore := store.NewPostgresStore(pool)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	notifier := notify.Multi{notify.NewRedisNotifier(redisCache, logger), m}

	// 8. Services
	lc := lifecycle.Deps{
		Store:        pgStore,
		Provisioners: registry,
		Cache:        redisCache,
		Notifier:     notifier,
		Logger:       logger,
	}
	a := &app{
		store: pgStore,
		cache: redisCache,
		jobs: orchestrator.New(orchestrator.Deps{
			Store:        pgStore,
			Queue:        queue.NewRedisQueue(redisCache.Client()),
			Provisioners: registry,
			Notifier:     notifier,
			Logger:       logger,
		}, orchestrator.Options{
			Tiers:           cfg.Tiers,
			MaxPricePerHour: cfg.Scheduler.MaxPricePerHour,
			CallbackBaseURL: cfg.Scheduler.CallbackBaseURL,
		}),
		worker: callback.New(pgStore, bucket, notifier, logger),
		canceller: lifecycle.NewCanceller(lc, lifecycle.Options{
			TerminateTimeout: cfg.Scheduler.TerminateTimeout,
		}),
		metrics:          m,
		gatherer:         reg,
		rateLimit:        cfg.Server.RateLimitPerMinute,
		progressInterval: cfg.Server.ProgressInterval,
	}

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     a.router(),
		ReadTimeout: 15 * time.Second,
		// Progress streams hold the connection open, so writes are not bounded here.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// app holds the services behind the HTTP API.
type app struct {
	store     store.Store
	cache     cache.Cache
	jobs      handler.JobService
	worker    handler.WorkerService
	canceller handler.Canceller

	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	rateLimit        int
	progressInterval time.Duration
}

func (a *app) router() http.Handler {
	deps := api.Dependencies{
		Auth:      mw.NewAuth(a.store),
		RateLimit: mw.NewRateLimit(a.cache, a.rateLimit),

		HealthHandler: handler.NewHealthHandler(a.store, a.cache),

		RegisterJob:  handler.NewRegisterJobHandler(a.jobs),
		EstimateJob:  handler.NewEstimateHandler(a.jobs),
		ActiveJobs:   handler.NewActiveJobsHandler(a.store),
		PastJobs:     handler.NewPastJobsHandler(a.store),
		CancelJob:    handler.NewCancelJobHandler(a.store, a.canceller),
		JobsProgress: handler.NewProgressHandler(a.store, a.cache, a.progressInterval),

		FetchJob:  handler.NewFetchJobHandler(a.worker),
		UploadURL: handler.NewUploadURLHandler(a.worker),
		Reindex:   handler.NewReindexHandler(a.worker),
		JobStatus: handler.NewJobStatusHandler(a.worker),

		ListMachines:     handler.NewListMachinesHandler(a.store),
		CreateKeyHandler: handler.NewCreateKeyHandler(a.store),
	}
	if a.metrics != nil {
		deps.Instrument = a.metrics.InstrumentHandler
		deps.MetricsHandler = metrics.Handler(a.gatherer)
	}
	return api.NewRouter(deps)
}
