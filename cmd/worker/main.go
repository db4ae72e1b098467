package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/cadencehq/cadence/internal/app"
	"github.com/cadencehq/cadence/internal/cycles"
	jobmetrics "github.com/cadencehq/cadence/internal/jobs"
	"github.com/cadencehq/cadence/internal/observability"
	"github.com/cadencehq/cadence/internal/platform/cache"
	"github.com/cadencehq/cadence/internal/platform/db"
	"github.com/cadencehq/cadence/internal/shared"
	"github.com/cadencehq/cadence/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, int32(cfg.WorkerConcurrency*2))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	client, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.WorkerMetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	cyclesRepo := cycles.NewRepository(pool)
	cyclesService := cycles.NewService(cyclesRepo, shared.NewAuditLogger(pool), cycles.NewCache(redisClient, cfg.CyclesSnapshotCacheTTL), logger)

	cycleJobs := jobs.NewCycleJobs(jobs.CycleJobsConfig{
		Service:     cyclesService,
		Tenants:     cyclesRepo,
		Queue:       client,
		Locks:       shared.NewLocker(redisClient, cfg.TenantLockTTL),
		Idempotency: shared.NewIdempotencyStore(pool),
		Logger:      logger,
		Metrics:     jobmetrics.NewMetrics(metrics.Registerer()),
		MinUpcoming: cfg.CyclesMinUpcoming,
		Parallelism: cfg.CyclesSweepParallelism,
	})

	sweepTask, err := jobs.NewCyclesSweepTask(jobs.SweepPayload{})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    cycleJobs.Handlers(),
		Cron: []jobs.CronRegistration{
			{Spec: cfg.CyclesSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
