package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/bankrecon/internal/banking"
	jobmetrics "github.com/odyssey-erp/bankrecon/internal/jobs"
)

// SuggestBatchJob scores pending transactions on the worker.
type SuggestBatchJob struct {
	Runner       banking.BatchRunner
	DefaultLimit int
	Logger       *slog.Logger
	Metrics      *jobmetrics.Metrics
}

// NewSuggestBatchJob wires the suggestion batch handler.
func NewSuggestBatchJob(runner banking.BatchRunner, defaultLimit int, logger *slog.Logger, metrics *jobmetrics.Metrics) *SuggestBatchJob {
	return &SuggestBatchJob{Runner: runner, DefaultLimit: defaultLimit, Logger: logger, Metrics: metrics}
}

// Handle processes TaskBankSuggestBatch.
func (j *SuggestBatchJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Runner == nil {
		return errors.New("suggest batch: dependencies not configured")
	}
	var payload SuggestBatchPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = j.DefaultLimit
	}
	if limit <= 0 {
		limit = banking.DefaultSuggestionBatch
	}

	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskBankSuggestBatch)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("job", TaskBankSuggestBatch))

	res, err := j.Runner.RunBatch(ctx, limit)
	if err != nil {
		resultErr = err
		logger.Error("suggestion batch", slog.Int("limit", limit), slog.Any("error", err))
		return resultErr
	}
	logger.Info("suggestion batch finished", slog.Int("limit", limit), slog.Int("processed", res.Processed), slog.Int("failed", res.Failed))
	return resultErr
}
