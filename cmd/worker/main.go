package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/bankrecon/internal/app"
	"github.com/odyssey-erp/bankrecon/internal/banking/lookup"
	jobmetrics "github.com/odyssey-erp/bankrecon/internal/jobs"
	"github.com/odyssey-erp/bankrecon/internal/observability"
	"github.com/odyssey-erp/bankrecon/internal/platform/cache"
	"github.com/odyssey-erp/bankrecon/internal/platform/db"
	"github.com/odyssey-erp/bankrecon/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.WithMaxConns(cfg.PGMaxConns), db.WithApplicationName("bankrecon-worker"))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisConf, err := cache.Options(cfg.RedisAddr)
	if err != nil {
		logger.Error("redis config", slog.Any("error", err))
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisConf)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := cache.Ping(ctx, redisClient); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	redisOpts := cache.QueueOpt(redisConf)
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

	registry := observability.NewMetrics()
	metrics := jobmetrics.NewMetrics(registry.Registerer())
	bank := app.NewBanking(app.BankingDeps{
		Config:     cfg,
		Pool:       pool,
		Redis:      redisClient,
		Logger:     logger,
		Metrics:    metrics,
		Dispatcher: jobClient,
	})
	if err := bank.Cache.ListenForInvalidation(ctx, lookup.BumpChannel); err != nil {
		logger.Warn("lookup invalidation listener", slog.Any("error", err))
	}

	syncJob := jobs.NewBankSyncJob(bank.Sync, logger, metrics)
	suggestJob := jobs.NewSuggestBatchJob(bank.Suggest, cfg.SuggestionBatchLimit, logger, metrics)
	// Catches rows whose dispatch was absorbed by a batch already in flight.
	suggestTask, err := jobs.NewSuggestBatchTask(cfg.SuggestionBatchLimit)
	if err != nil {
		logger.Error("build suggestion cron task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBankSyncAll, Handler: syncJob.HandleSyncAll},
			{Type: jobs.TaskBankSyncConnection, Handler: syncJob.HandleSyncConnection},
			{Type: jobs.TaskBankSuggestBatch, Handler: suggestJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.BankSyncCron, Task: jobs.NewBankSyncAllTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: cfg.SuggestionCron, Task: suggestTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           registry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting worker",
		slog.String("sync_cron", cfg.BankSyncCron),
		slog.String("suggestion_cron", cfg.SuggestionCron),
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.String("metrics_addr", cfg.WorkerMetricsAddr),
	)
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
