package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/bankrecon/internal/banking"
	"github.com/odyssey-erp/bankrecon/internal/banking/banksync"
	"github.com/odyssey-erp/bankrecon/internal/banking/ingest"
	"github.com/odyssey-erp/bankrecon/internal/banking/lookup"
	"github.com/odyssey-erp/bankrecon/internal/banking/psd2"
	"github.com/odyssey-erp/bankrecon/internal/banking/secret"
	"github.com/odyssey-erp/bankrecon/internal/banking/store"
	"github.com/odyssey-erp/bankrecon/internal/banking/suggest"
	jobmetrics "github.com/odyssey-erp/bankrecon/internal/jobs"
	"github.com/odyssey-erp/bankrecon/internal/shared"
)

// Banking bundles the wired reconciliation services shared by the server,
// the worker and the operator CLI.
type Banking struct {
	Store   *store.Store
	Cache   *lookup.Cache
	Lookup  *lookup.Lookup
	Client  *psd2.Client
	Tokens  *psd2.TokenManager
	Ingest  *ingest.Service
	Suggest *suggest.Service
	Sync    *banksync.Service
}

// BankingDeps are the infrastructure handles the services are built on.
type BankingDeps struct {
	Config  *Config
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	// Dispatcher schedules suggestion batches after new rows land. When nil,
	// batches run on a detached goroutine in this process.
	Dispatcher banking.SuggestionDispatcher
}

// NewBanking wires the banking services.
func NewBanking(deps BankingDeps) *Banking {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := store.New(deps.Pool, secret.NewBox(deps.Config.TokenEncryptionKey))
	cache := lookup.NewCache(deps.Redis, deps.Config.LookupCacheTTL)
	refs := lookup.New(st, cache)
	locker := shared.NewRedisLocker(deps.Redis)

	suggestSvc := suggest.NewService(st, refs, st, deps.Metrics, logger)

	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = banking.GoroutineDispatcher{Runner: suggestSvc, Logger: logger}
	}

	ingestSvc := ingest.NewService(st, dispatcher, deps.Metrics, logger)
	ingestSvc.WithInvalidator(refs)

	client := psd2.NewClient(deps.Config.PSD2(), psd2.WithLogger(logger))
	tokens := psd2.NewTokenManager(client, st, locker, logger)

	syncSvc := banksync.NewService(st, tokens, client, ingestSvc, dispatcher, logger)
	syncSvc.WithLocker(locker)

	return &Banking{
		Store:   st,
		Cache:   cache,
		Lookup:  refs,
		Client:  client,
		Tokens:  tokens,
		Ingest:  ingestSvc,
		Suggest: suggestSvc,
		Sync:    syncSvc,
	}
}
