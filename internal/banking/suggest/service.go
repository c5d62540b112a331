package suggest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/bankrecon/internal/banking"
	jobmetrics "github.com/odyssey-erp/bankrecon/internal/jobs"
)

// Repository persists suggestions and drives the transaction lifecycle.
type Repository interface {
	GetTransaction(ctx context.Context, id uuid.UUID) (*banking.Transaction, error)
	ListTransactionIDsByStatus(ctx context.Context, status banking.TransactionStatus, limit int) ([]uuid.UUID, error)
	// SaveSuggestion replaces the stored suggestion and moves the
	// transaction forward to suggested, never backwards. It reports whether
	// the status changed.
	SaveSuggestion(ctx context.Context, s banking.Suggestion) (bool, error)
}

// References serves an organization's own IBANs and counterparty rules,
// usually cached.
type References interface {
	OwnIBANs(ctx context.Context, orgID *uuid.UUID) ([]string, error)
	Rules(ctx context.Context, orgID *uuid.UUID) ([]banking.CounterpartyRule, error)
}

// Service builds and stores suggestions for ingested transactions.
type Service struct {
	repo     Repository
	refs     References
	invoices InvoiceSource
	engine   *Engine
	metrics  *jobmetrics.Metrics
	logger   *slog.Logger
}

// NewService wires the suggestion service. invoices may be nil when no
// invoice store is linked; metrics may be nil.
func NewService(repo Repository, refs References, invoices InvoiceSource, metrics *jobmetrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, refs: refs, invoices: invoices, engine: NewEngine(), metrics: metrics, logger: logger.With(slog.String("component", "banking.suggest"))}
}

// RunForTransaction builds, stores and returns the suggestion for one
// transaction. A build failure leaves both the stored suggestion and the
// transaction status untouched.
func (s *Service) RunForTransaction(ctx context.Context, id uuid.UUID) (banking.Suggestion, error) {
	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return banking.Suggestion{}, fmt.Errorf("load transaction: %w", err)
	}
	if tx == nil {
		return banking.Suggestion{}, banking.ErrTransactionNotFound
	}

	in, err := s.input(ctx, tx.OrganizationID)
	if err != nil {
		return banking.Suggestion{}, fmt.Errorf("%w: %w", banking.ErrScoring, err)
	}
	suggestion, err := s.engine.Build(ctx, *tx, in)
	if err != nil {
		return banking.Suggestion{}, err
	}
	advanced, err := s.repo.SaveSuggestion(ctx, suggestion)
	if err != nil {
		return banking.Suggestion{}, fmt.Errorf("store suggestion: %w", err)
	}
	if advanced {
		s.logger.Debug("transaction suggested", slog.String("transaction_id", tx.ID.String()), slog.String("type", string(suggestion.Type)))
	}
	s.metrics.AddSuggestion(string(suggestion.Type))
	return suggestion, nil
}

// RunBatch scores up to limit transactions still in status new. Failures
// are recorded per item and never abort the batch.
func (s *Service) RunBatch(ctx context.Context, limit int) (banking.BatchResult, error) {
	if limit <= 0 {
		limit = banking.DefaultSuggestionBatch
	}
	ids, err := s.repo.ListTransactionIDsByStatus(ctx, banking.TransactionNew, limit)
	if err != nil {
		return banking.BatchResult{}, fmt.Errorf("list new transactions: %w", err)
	}

	started := time.Now()
	res := banking.BatchResult{Items: make([]banking.BatchItem, 0, len(ids))}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		item := banking.BatchItem{TransactionID: id.String()}
		suggestion, err := s.RunForTransaction(ctx, id)
		if err != nil {
			res.Failed++
			item.Error = err.Error()
			s.logger.Warn("suggestion failed", slog.String("transaction_id", id.String()), slog.Any("error", err))
		} else {
			res.Processed++
			item.Confidence = suggestion.Confidence
		}
		res.Items = append(res.Items, item)
	}
	s.logger.Info("suggestion batch",
		slog.Int("processed", res.Processed),
		slog.Int("failed", res.Failed),
		slog.Duration("duration", time.Since(started)),
	)
	return res, nil
}

func (s *Service) input(ctx context.Context, orgID *uuid.UUID) (Input, error) {
	in := Input{Invoices: s.invoices}
	if s.refs == nil {
		return in, nil
	}
	ibans, err := s.refs.OwnIBANs(ctx, orgID)
	if err != nil {
		return in, err
	}
	rules, err := s.refs.Rules(ctx, orgID)
	if err != nil {
		return in, err
	}
	in.OwnIBANs, in.Rules = ibans, rules
	return in, nil
}
