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

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/cadencehq/cadence/cmd/cadence/cli"
	"github.com/cadencehq/cadence/internal/app"
	"github.com/cadencehq/cadence/internal/cycles"
	cycleshttp "github.com/cadencehq/cadence/internal/cycles/http"
	"github.com/cadencehq/cadence/internal/observability"
	"github.com/cadencehq/cadence/internal/platform/cache"
	"github.com/cadencehq/cadence/internal/platform/db"
	"github.com/cadencehq/cadence/internal/shared"
	"github.com/cadencehq/cadence/internal/tenant"
	"github.com/cadencehq/cadence/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "cadence",
		Short:        "Iteration scheduler API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context())
			},
		},
		cli.NewJobsCommand(func() (*cli.JobsCLI, error) {
			cfg, err := app.LoadConfig()
			if err != nil {
				return nil, err
			}
			return cli.NewJobsCLI(cfg.RedisAddr)
		}),
		cli.NewTenantCommand(openTenantAdmin),
	)
	return root
}

func openTenantAdmin(ctx context.Context) (cli.TenantAdmin, func(), error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.New(ctx, cfg.PGDSN, 2)
	if err != nil {
		return nil, nil, err
	}
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	release := func() {
		_ = redisClient.Close()
		pool.Close()
	}
	return tenant.NewService(tenant.NewRepository(pool), redisClient), release, nil
}

func serve(ctx context.Context) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return err
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, 0)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return err
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	tenantService := tenant.NewService(tenant.NewRepository(dbpool), redisClient)

	cyclesRepo := cycles.NewRepository(dbpool)
	snapshotCache := cycles.NewCache(redisClient, cfg.CyclesSnapshotCacheTTL)
	cyclesService := cycles.NewService(cyclesRepo, auditLogger, snapshotCache, logger)
	cyclesHandler := cycleshttp.NewHandler(logger, cyclesService, cycleshttp.Options{
		Idempotency:           idempotencyStore,
		MutationsPerMinute:    cfg.RateLimitPerMinute,
		DefaultEnsureUpcoming: cfg.CyclesMinUpcoming,
	})

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		TenantMiddleware: tenant.Middleware(logger, tenantService),
		CyclesHandler:    cyclesHandler,
		JobHandler:       jobHandler,
		Metrics:          observability.NewMetrics(),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server", slog.Any("error", err))
			return err
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return err
	}
	return nil
}
