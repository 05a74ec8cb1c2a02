package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/aledz7/df-graficas-sub014/internal/app"
	jobmetrics "github.com/aledz7/df-graficas-sub014/internal/jobs"
	"github.com/aledz7/df-graficas-sub014/internal/observability"
	"github.com/aledz7/df-graficas-sub014/internal/platform/cache"
	"github.com/aledz7/df-graficas-sub014/internal/platform/db"
	"github.com/aledz7/df-graficas-sub014/internal/platform/events"
	"github.com/aledz7/df-graficas-sub014/jobs"
)

func main() {
	if app.SkipStartup("worker") {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg, "worker")

	pool, err := db.New(ctx, cfg.PGDSN)
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
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	backing, err := app.NewRemote(ctx, cfg, pool)
	if err != nil {
		logger.Error("init remote store", slog.Any("error", err))
		os.Exit(1)
	}
	services := app.BuildServices(app.ServiceDeps{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Redis:   redisClient,
		Metrics: observability.NewMetrics(),
		Queue:   jobClient,
	}, backing)

	metrics := jobmetrics.NewMetrics(nil)
	stockJob := jobs.NewStockSyncJob(services.Inventory, logger, metrics)
	orderJob := jobs.NewOrderSyncJob(services.Orders, logger, metrics)

	sweepTask, err := jobs.NewOrderSyncTask("")
	if err != nil {
		logger.Error("build order sync task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Routes: map[string]asynq.HandlerFunc{
			jobs.TaskStockSync: stockJob.Handle,
			jobs.TaskOrderSync: orderJob.Handle,
		},
		Schedules: []jobs.Schedule{
			{Cron: "*/5 * * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		// a save that reached the remote means it is reachable again
		return services.Bus.Subscribe(gctx, func(ev events.Event) {
			if ev.Type != events.OrderSaved {
				return
			}
			if err := jobClient.EnqueueOrderSync(gctx, ""); err != nil {
				logger.Warn("enqueue order sweep", slog.Any("error", err))
			}
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
