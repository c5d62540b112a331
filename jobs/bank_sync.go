package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/bankrecon/internal/banking"
	"github.com/odyssey-erp/bankrecon/internal/banking/banksync"
	jobmetrics "github.com/odyssey-erp/bankrecon/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Syncer is the orchestrator surface the sync jobs drive.
type Syncer interface {
	SyncConnection(ctx context.Context, connectionID uuid.UUID) (banksync.Result, error)
	SyncAll(ctx context.Context) ([]banksync.Result, error)
}

// BankSyncJob runs scheduled and on-demand bank syncs.
type BankSyncJob struct {
	Syncer  Syncer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewBankSyncJob wires dependencies for the sync handlers.
func NewBankSyncJob(syncer Syncer, logger *slog.Logger, metrics *jobmetrics.Metrics) *BankSyncJob {
	return &BankSyncJob{
		Syncer:  syncer,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// HandleSyncAll processes TaskBankSyncAll. Per-connection failures are
// logged; the task only fails when the connection list cannot be loaded.
func (j *BankSyncJob) HandleSyncAll(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Syncer == nil {
		return errors.New("bank sync: dependencies not configured")
	}
	tracker := j.metrics().Track(TaskBankSyncAll)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.log(TaskBankSyncAll)
	start := j.now()
	results, err := j.Syncer.SyncAll(ctx)
	if err != nil {
		resultErr = err
		logger.Error("sync all", slog.Any("error", err))
		return resultErr
	}
	failed, inserted := 0, 0
	for _, res := range results {
		inserted += res.NewTransactions
		if res.Error != "" {
			failed++
			logger.Warn("connection sync failed", slog.String("connection_id", res.ConnectionID.String()), slog.String("error", res.Error))
		}
	}
	logger.Info("bank sync finished",
		slog.Int("connections", len(results)),
		slog.Int("failed", failed),
		slog.Int("new_transactions", inserted),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return resultErr
}

// HandleSyncConnection processes TaskBankSyncConnection.
func (j *BankSyncJob) HandleSyncConnection(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Syncer == nil {
		return errors.New("bank sync: dependencies not configured")
	}
	var payload SyncConnectionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	connectionID, err := uuid.Parse(payload.ConnectionID)
	if err != nil {
		return fmt.Errorf("%w: invalid connection id %q", asynq.SkipRetry, payload.ConnectionID)
	}

	tracker := j.metrics().Track(TaskBankSyncConnection)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.log(TaskBankSyncConnection).With(slog.String("connection_id", connectionID.String()))
	res, err := j.Syncer.SyncConnection(ctx, connectionID)
	if err != nil {
		resultErr = err
		logger.Error("sync connection", slog.Any("error", err))
		if errors.Is(err, banking.ErrConnectionNotFound) || errors.Is(err, banking.ErrUnsupportedProvider) || banking.IsTokenError(err) {
			// Retrying cannot help until an operator acts.
			return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
		}
		return resultErr
	}
	logger.Info("connection synced", slog.String("run_id", res.RunID.String()), slog.Int("new_transactions", res.NewTransactions))
	return resultErr
}

func (j *BankSyncJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BankSyncJob) log(task string) *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", task))
	}
	return slog.Default().With(slog.String("job", task))
}

func (j *BankSyncJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *BankSyncJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
