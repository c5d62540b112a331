package banking

import (
	"context"
	"log/slog"
)

// DefaultSuggestionBatch is the batch size used when new transactions trigger scoring.
const DefaultSuggestionBatch = 100

// SuggestionDispatcher schedules a suggestion batch without blocking the caller.
type SuggestionDispatcher interface {
	DispatchSuggestions(ctx context.Context, limit int) error
}

// BatchRunner runs a suggestion batch synchronously.
type BatchRunner interface {
	RunBatch(ctx context.Context, limit int) (BatchResult, error)
}

// BatchResult summarises one suggestion batch.
type BatchResult struct {
	Processed int
	Failed    int
	Items     []BatchItem
}

// BatchItem is the outcome for a single transaction in a batch.
type BatchItem struct {
	TransactionID string  `json:"transaction_id"`
	Confidence    float64 `json:"confidence,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// GoroutineDispatcher runs batches on a detached goroutine; used when no job queue is configured.
type GoroutineDispatcher struct {
	Runner BatchRunner
	Logger *slog.Logger
}

// DispatchSuggestions starts the batch and returns immediately.
func (d GoroutineDispatcher) DispatchSuggestions(ctx context.Context, limit int) error {
	if d.Runner == nil {
		return nil
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		res, err := d.Runner.RunBatch(detached, limit)
		logger := d.Logger
		if logger == nil {
			logger = slog.Default()
		}
		if err != nil {
			logger.Error("suggestion batch", slog.Any("error", err))
			return
		}
		logger.Info("suggestion batch finished", slog.Int("processed", res.Processed), slog.Int("failed", res.Failed))
	}()
	return nil
}

// Dispatch fires d and only logs failures; the caller never sees them.
func Dispatch(ctx context.Context, d SuggestionDispatcher, limit int, logger *slog.Logger) {
	if d == nil {
		return
	}
	if err := d.DispatchSuggestions(ctx, limit); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("dispatch suggestions", slog.Int("limit", limit), slog.Any("error", err))
	}
}
