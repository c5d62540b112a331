package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/bankrecon/cmd/bankctl/cli"
	"github.com/odyssey-erp/bankrecon/internal/app"
	"github.com/odyssey-erp/bankrecon/internal/platform/cache"
	"github.com/odyssey-erp/bankrecon/internal/platform/db"
	"github.com/odyssey-erp/bankrecon/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping bankctl")
		return
	}
	if err := cli.NewRootCommand(load).Execute(); err != nil {
		os.Exit(1)
	}
}

func load(ctx context.Context) (*cli.Services, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)

	redisConf, err := cache.Options(cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.WithMaxConns(2), db.WithApplicationName("bankctl"))
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(redisConf)
	queueOpt := cache.QueueOpt(redisConf)
	jobsCLI, err := cli.NewJobsCLI(queueOpt)
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, err
	}

	// Batches triggered by imports run on the worker.
	jobClient, err := jobs.NewClient(queueOpt)
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		_ = jobsCLI.Close()
		return nil, err
	}

	bank := app.NewBanking(app.BankingDeps{
		Config:     cfg,
		Pool:       pool,
		Redis:      redisClient,
		Logger:     logger,
		Dispatcher: jobClient,
	})

	return &cli.Services{
		Migrator:  bank.Store,
		Importer:  bank.Ingest,
		Syncer:    bank.Sync,
		Suggester: bank.Suggest,
		MTLS:      bank.Client,
		Jobs:      jobsCLI,
		Close: func() error {
			err := errors.Join(jobClient.Close(), jobsCLI.Close(), redisClient.Close())
			pool.Close()
			return err
		},
	}, nil
}
