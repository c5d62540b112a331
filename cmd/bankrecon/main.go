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
	bankinghttp "github.com/odyssey-erp/bankrecon/internal/banking/http"
	jobmetrics "github.com/odyssey-erp/bankrecon/internal/jobs"
	"github.com/odyssey-erp/bankrecon/internal/observability"
	"github.com/odyssey-erp/bankrecon/internal/platform/cache"
	"github.com/odyssey-erp/bankrecon/internal/platform/db"
	"github.com/odyssey-erp/bankrecon/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN, db.WithMaxConns(cfg.PGMaxConns), db.WithApplicationName("bankrecon-api"))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisConf, err := cache.Options(cfg.RedisAddr)
	if err != nil {
		logger.Error("redis config", slog.Any("error", err))
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisConf)
	if err := cache.Ping(ctx, redisClient); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

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

	bank := app.NewBanking(app.BankingDeps{
		Config:     cfg,
		Pool:       dbpool,
		Redis:      redisClient,
		Logger:     logger,
		Metrics:    jobMetrics,
		Dispatcher: jobClient,
	})
	if !cfg.PSD2().Available() {
		logger.Warn("bank api disabled", slog.Any("reason", cfg.PSD2().ConfigError()))
	}

	bankingHandler := bankinghttp.NewHandler(bankinghttp.Params{
		Logger:      logger,
		Importer:    bank.Ingest,
		Syncer:      bank.Sync,
		Suggester:   bank.Suggest,
		BankAPI:     bank.Client,
		Connections: bank.Store,
		States:      bankinghttp.NewStateStore(redisClient),
		RedirectURI: cfg.RabobankRedirectURI,
	})

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		BankingHandler: bankingHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
		ReadyChecks: map[string]func(context.Context) error{
			"postgres": dbpool.Ping,
			"redis":    func(ctx context.Context) error { return cache.Ping(ctx, redisClient) },
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
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
