package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/aledz7/df-graficas-sub014/cmd/osd/cli"
	"github.com/aledz7/df-graficas-sub014/internal/app"
	"github.com/aledz7/df-graficas-sub014/internal/ar"
	"github.com/aledz7/df-graficas-sub014/internal/catalog"
	"github.com/aledz7/df-graficas-sub014/internal/observability"
	"github.com/aledz7/df-graficas-sub014/internal/platform/cache"
	"github.com/aledz7/df-graficas-sub014/internal/platform/db"
	serviceorderhttp "github.com/aledz7/df-graficas-sub014/internal/serviceorder/http"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/ledger"
	"github.com/aledz7/df-graficas-sub014/jobs"
)

func main() {
	if app.SkipStartup("osd") {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobsCommand(ctx, cfg, os.Args[2:]))
	}

	logger := app.NewLogger(cfg, "osd")

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	backing, err := app.NewRemote(ctx, cfg, dbpool)
	if err != nil {
		logger.Error("init remote store", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	services := app.BuildServices(app.ServiceDeps{
		Config:  cfg,
		Logger:  logger,
		Pool:    dbpool,
		Redis:   redisClient,
		Metrics: metrics,
		Queue:   jobClient,
	}, backing)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		OrderHandler:   serviceorderhttp.NewHandler(logger, services.Orders, services.Lifecycle, ledger.New()),
		CatalogHandler: catalog.NewHandler(logger, services.Catalog),
		ARHandler:      ar.NewHandler(logger, services.Receivables),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.Bool("remote_api", cfg.UsesRemoteAPI()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runJobsCommand handles "osd jobs trigger <task>" and "osd jobs stats".
func runJobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer jobsCLI.Close()

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: osd jobs trigger <task> [arg] | osd jobs stats")
		return 2
	}
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: osd jobs trigger <task> [arg]")
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1], args[2:]...)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "stats":
		all, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		for _, stats := range all {
			fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown jobs command %q\n", args[0])
		return 2
	}
	return 0
}
