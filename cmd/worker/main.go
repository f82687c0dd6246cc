// Package main is the entrypoint for the gpufleet queue worker. It consumes
// scheduled jobs, rents a machine for each and follows it to completion.
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
	"golang.org/x/sync/errgroup"

	"github.com/tnsr-ai/gpufleet/internal/cache"
	"github.com/tnsr-ai/gpufleet/internal/config"
	"github.com/tnsr-ai/gpufleet/internal/lifecycle"
	"github.com/tnsr-ai/gpufleet/internal/marketplace"
	"github.com/tnsr-ai/gpufleet/internal/metrics"
	"github.com/tnsr-ai/gpufleet/internal/notify"
	"github.com/tnsr-ai/gpufleet/internal/orchestrator"
	"github.com/tnsr-ai/gpufleet/internal/progress"
	"github.com/tnsr-ai/gpufleet/internal/provider"
	"github.com/tnsr-ai/gpufleet/internal/queue"
	"github.com/tnsr-ai/gpufleet/internal/scheduler"
	"github.com/tnsr-ai/gpufleet/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config
	if err := config.LoadDotenv(os.Getenv("APP_ENV")); err != nil {
		return fmt.Errorf("load dotenv: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "concurrency", cfg.Queue.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database. The API server owns migrations.
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	pgStore := store.NewPostgresStore(pool)

	// 3. Redis, for the queue, progress and cancel signals
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	// 4. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	notifier := notify.Multi{notify.NewRedisNotifier(redisCache, logger), m}

	// 5. Marketplaces and instance selection
	registry, err := provider.NewFromConfig(cfg.Marketplace, logger)
	if err != nil {
		return fmt.Errorf("create marketplaces: %w", err)
	}
	slog.Info("marketplaces initialized", "providers", registry.Names())

	aggregator := marketplace.NewAggregator(registry.Marketplaces(), cfg.Marketplace.Timeout, logger, m)
	selector := scheduler.NewSelector(aggregator, registry, scheduler.Options{
		DurationMargin: cfg.Scheduler.DurationMargin,
		SupportedCUDA:  cfg.Scheduler.SupportedCUDA,
		Template: scheduler.Template{
			Image:   cfg.Scheduler.WorkerImage,
			Env:     cfg.Scheduler.WorkerEnv,
			Ports:   cfg.Scheduler.WorkerPorts,
			OnStart: cfg.Scheduler.WorkerOnStart,
			CUDA:    cfg.Scheduler.WorkerCUDA,
		},
	}, logger, m)

	// 6. Lifecycle monitor with progress relay
	relay := progress.NewRelay(progress.RedisReader{Password: cfg.Scheduler.ProgressPassword}, redisCache, cfg.Scheduler.ProgressTTL)
	monitor := lifecycle.NewMonitor(lifecycle.Deps{
		Store:        pgStore,
		Provisioners: registry,
		Cache:        redisCache,
		Notifier:     notifier,
		Relay:        relay,
		Observer:     m,
		Logger:       logger,
	}, lifecycle.Options{
		PollInterval:     cfg.Scheduler.PollInterval,
		BootTimeout:      cfg.Scheduler.BootTimeout,
		TerminateTimeout: cfg.Scheduler.TerminateTimeout,
	})

	broker := queue.NewRedisQueue(redisCache.Client(),
		queue.WithConsumer(cfg.Queue.ConsumerID),
		queue.WithLeaseTTL(cfg.Queue.LeaseTTL),
	)
	orch := orchestrator.New(orchestrator.Deps{
		Store:        pgStore,
		Queue:        broker,
		Selector:     selector,
		Monitor:      monitor,
		Provisioners: registry,
		Notifier:     notifier,
		Logger:       logger,
	}, orchestrator.Options{
		Tiers:           cfg.Tiers,
		MaxPricePerHour: cfg.Scheduler.MaxPricePerHour,
		CallbackBaseURL: cfg.Scheduler.CallbackBaseURL,
	})
	worker := queue.NewWorker(broker, redisCache, orch.Run, cfg.Queue.Concurrency, logger,
		queue.WithRestoreInterval(broker.RestoreInterval()))

	// 7. Serve metrics and consume tasks until shutdown
	addr := fmt.Sprintf(":%d", cfg.Server.WorkerMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("worker started", "consumer", broker.Consumer())
		err := worker.Run(gctx)
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := broker.Release(releaseCtx); rerr != nil {
			slog.Warn("releasing queue lease", "error", rerr)
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("worker stopped gracefully")
	return nil
}
