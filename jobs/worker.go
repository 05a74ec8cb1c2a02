package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const defaultConcurrency = 5

// Schedule runs Task on a cron expression (UTC).
type Schedule struct {
	Cron    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
// Routes maps task types to their handlers.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Routes      map[string]asynq.HandlerFunc
	Schedules   []Schedule
}

// Worker processes queued sync tasks and fires the periodic sweeps.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if len(cfg.Routes) == 0 {
		return nil, errors.New("worker: no task routes")
	}

	w := &Worker{mux: asynq.NewServeMux(), logger: logger}
	w.server = asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency:  concurrency,
		Queues:       QueueWeights,
		ErrorHandler: asynq.ErrorHandlerFunc(w.reportFailure),
	})
	for taskType, handler := range cfg.Routes {
		if handler == nil {
			continue
		}
		w.mux.HandleFunc(taskType, handler)
	}

	if len(cfg.Schedules) > 0 {
		w.scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Schedules {
			if entry.Cron == "" || entry.Task == nil {
				continue
			}
			id, err := w.scheduler.Register(entry.Cron, entry.Task, entry.Options...)
			if err != nil {
				return nil, err
			}
			logger.Info("scheduled task", slog.String("type", entry.Task.Type()), slog.String("cron", entry.Cron), slog.String("entry", id))
		}
	}
	return w, nil
}

func (w *Worker) reportFailure(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	w.logger.Warn("task failed",
		slog.String("type", task.Type()),
		slog.Int("retry", retried),
		slog.Int("max_retry", maxRetry),
		slog.Any("error", err))
}

// Run processes tasks until ctx is cancelled, then drains the server.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
		defer w.scheduler.Shutdown()
	}
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	<-ctx.Done()
	w.server.Shutdown()
	return ctx.Err()
}
