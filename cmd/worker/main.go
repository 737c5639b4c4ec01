package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wattsplit/wattsplit/internal/app"
	"github.com/wattsplit/wattsplit/internal/bills"
	"github.com/wattsplit/wattsplit/internal/ingest"
	jobmetrics "github.com/wattsplit/wattsplit/internal/jobs"
	"github.com/wattsplit/wattsplit/internal/mailbox"
	"github.com/wattsplit/wattsplit/internal/money"
	"github.com/wattsplit/wattsplit/internal/platform/cache"
	"github.com/wattsplit/wattsplit/internal/platform/db"
	"github.com/wattsplit/wattsplit/jobs"
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

	repo := bills.NewRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		logger.Error("migrate", slog.Any("error", err))
		os.Exit(1)
	}

	ratio, err := money.ParseRatio(cfg.SplitRatio)
	if err != nil {
		logger.Error("split ratio", slog.Any("error", err))
		os.Exit(1)
	}

	source := mailbox.NewClient(cfg.MailboxBaseURL, cfg.MailboxToken, cfg.BillSender, 30*time.Second, logger)
	locker := ingest.NewRedisLock(redisClient)
	pipeline := ingest.NewPipeline(source, repo, locker, nil, ratio, logger)

	metrics := jobmetrics.NewMetrics(prometheus.DefaultRegisterer)
	ingestHandler := jobs.NewIngestHandler(pipeline, metrics, logger)

	ingestTask, err := jobs.NewIngestTask(jobs.IngestPayload{DaysBack: cfg.IngestDaysBack})
	if err != nil {
		logger.Error("build ingest task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeIngest, Handler: ingestHandler},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.IngestCron, Task: ingestTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
