// Package ingest provisions bank accounts and stores canonical rows with hash-based deduplication.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/bankrecon/internal/banking"
	"github.com/odyssey-erp/bankrecon/internal/banking/parser"
	jobmetrics "github.com/odyssey-erp/bankrecon/internal/jobs"
)

// RepositoryPort defines the persistence used by ingestion.
type RepositoryPort interface {
	FindAccountByProvider(ctx context.Context, connectionID uuid.UUID, providerAccountID string) (*banking.BankAccount, error)
	FindAccountByIBAN(ctx context.Context, iban string) (*banking.BankAccount, error)
	CreateAccount(ctx context.Context, account banking.BankAccount) (*banking.BankAccount, error)
	// LinkAccount attaches an existing account to a bank connection.
	LinkAccount(ctx context.Context, link AccountLink) (*banking.BankAccount, error)
	// InsertTransaction must return banking.ErrDuplicate when the reference hash already exists.
	InsertTransaction(ctx context.Context, tx banking.Transaction) error
}

// Invalidator drops cached reference data once the set of own accounts changes.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// EnsureAccountParams identifies an own bank account.
type EnsureAccountParams struct {
	Name              string
	IBAN              string `validate:"required,min=5,max=42"`
	Currency          string `validate:"omitempty,len=3"`
	OrganizationID    *uuid.UUID
	Provider          string
	ProviderAccountID string
	ConnectionID      *uuid.UUID
	Inactive          bool
}

// AccountLink binds an account to its upstream identity on a connection.
type AccountLink struct {
	AccountID         uuid.UUID
	ConnectionID      uuid.UUID
	Provider          string
	ProviderAccountID string
	OrganizationID    *uuid.UUID
}

// Result aggregates per-row outcomes of an import.
type Result struct {
	Inserted int      `json:"inserted"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors"`
}

// FileResult extends Result with the detected format and parsed row count.
type FileResult struct {
	Result
	Format parser.Format `json:"format"`
	Parsed int           `json:"parsed"`
}

const defaultAccountName = "Bankrekening"

// Service implements account provisioning and idempotent transaction import.
type Service struct {
	repo       RepositoryPort
	dispatcher banking.SuggestionDispatcher
	invalidate Invalidator
	metrics    *jobmetrics.Metrics
	logger     *slog.Logger
	validate   *validator.Validate
	clock      func() time.Time
}

// NewService builds a Service. dispatcher and metrics may be nil.
func NewService(repo RepositoryPort, dispatcher banking.SuggestionDispatcher, metrics *jobmetrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "banking.ingest")),
		validate:   validator.New(),
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// EnsureBankAccount returns the id of the matching account, creating it when absent.
func (s *Service) EnsureBankAccount(ctx context.Context, params EnsureAccountParams) (uuid.UUID, error) {
	if err := s.validate.Struct(params); err != nil {
		return uuid.Nil, fmt.Errorf("ensure bank account: %w", err)
	}
	iban := banking.NormalizeIBAN(params.IBAN)

	existing, err := s.findAccount(ctx, params, iban)
	if err != nil {
		return uuid.Nil, err
	}
	if existing != nil {
		return existing.ID, nil
	}

	name := strings.TrimSpace(params.Name)
	if name == "" {
		name = defaultAccountName
	}
	currency := strings.ToUpper(params.Currency)
	if currency == "" {
		currency = banking.DefaultCurrency
	}
	created, err := s.repo.CreateAccount(ctx, banking.BankAccount{
		ID:                uuid.New(),
		Name:              name,
		IBAN:              iban,
		Currency:          currency,
		OrganizationID:    params.OrganizationID,
		Provider:          params.Provider,
		ProviderAccountID: params.ProviderAccountID,
		ConnectionID:      params.ConnectionID,
		IsActive:          !params.Inactive,
		CreatedAt:         s.clock(),
	})
	if errors.Is(err, banking.ErrDuplicate) {
		// Lost a race with a concurrent provisioner; the row exists now.
		existing, err = s.findAccount(ctx, params, iban)
		if err != nil {
			return uuid.Nil, err
		}
		if existing != nil {
			return existing.ID, nil
		}
		return uuid.Nil, fmt.Errorf("ensure bank account: %w", banking.ErrDuplicate)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("ensure bank account: %w", err)
	}
	s.logger.Info("bank account created", slog.String("account_id", created.ID.String()), slog.String("provider", params.Provider))
	if s.invalidate != nil {
		if err := s.invalidate.Invalidate(ctx); err != nil {
			s.logger.Warn("invalidate lookup cache", slog.Any("error", err))
		}
	}
	return created.ID, nil
}

// findAccount resolves params to a stored account. An account known only by
// IBAN, e.g. from a statement upload, is linked to the connection when the
// provider lookup misses.
func (s *Service) findAccount(ctx context.Context, params EnsureAccountParams, iban string) (*banking.BankAccount, error) {
	linking := params.ConnectionID != nil && params.ProviderAccountID != ""
	if linking {
		acc, err := s.repo.FindAccountByProvider(ctx, *params.ConnectionID, params.ProviderAccountID)
		if err == nil {
			return acc, nil
		}
		if !errors.Is(err, banking.ErrNotFound) {
			return nil, fmt.Errorf("find bank account: %w", err)
		}
	}

	acc, err := s.repo.FindAccountByIBAN(ctx, iban)
	if errors.Is(err, banking.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find bank account: %w", err)
	}
	if !linking {
		return acc, nil
	}

	linked, err := s.repo.LinkAccount(ctx, AccountLink{
		AccountID:         acc.ID,
		ConnectionID:      *params.ConnectionID,
		Provider:          params.Provider,
		ProviderAccountID: params.ProviderAccountID,
		OrganizationID:    params.OrganizationID,
	})
	if err != nil {
		return nil, fmt.Errorf("link bank account: %w", err)
	}
	s.logger.Info("bank account linked",
		slog.String("account_id", linked.ID.String()),
		slog.String("connection_id", params.ConnectionID.String()))
	return linked, nil
}

// ImportTransactions stores rows for an account. Duplicates are counted as
// skipped; other failures are collected and do not stop the remaining rows.
func (s *Service) ImportTransactions(ctx context.Context, accountID uuid.UUID, orgID *uuid.UUID, rows []banking.Row) Result {
	return s.importRows(ctx, accountID, orgID, rows, "file")
}

// ImportAPIRows is ImportTransactions for rows fetched from a bank api.
func (s *Service) ImportAPIRows(ctx context.Context, accountID uuid.UUID, orgID *uuid.UUID, rows []banking.Row) Result {
	return s.importRows(ctx, accountID, orgID, rows, "api")
}

func (s *Service) importRows(ctx context.Context, accountID uuid.UUID, orgID *uuid.UUID, rows []banking.Row, source string) Result {
	res := Result{Errors: []string{}}
	for _, row := range rows {
		tx := BuildTransaction(accountID, orgID, row)
		tx.CreatedAt = s.clock()
		err := s.repo.InsertTransaction(ctx, tx)
		switch {
		case err == nil:
			res.Inserted++
		case errors.Is(err, banking.ErrDuplicate):
			res.Skipped++
		default:
			res.Errors = append(res.Errors, err.Error())
			s.logger.Warn("insert transaction",
				slog.String("account_id", accountID.String()),
				slog.String("reference_hash", tx.ReferenceHash),
				slog.Any("error", err))
		}
	}
	s.metrics.AddIngested(source, res.Inserted, res.Skipped, len(res.Errors))
	return res
}

// ImportFile parses an uploaded statement, imports it and schedules scoring when rows were added.
func (s *Service) ImportFile(ctx context.Context, accountID uuid.UUID, orgID *uuid.UUID, data []byte, filename string) (FileResult, error) {
	rows, format, err := parser.Parse(data, filename)
	if err != nil {
		return FileResult{Format: format}, err
	}
	res := s.ImportTransactions(ctx, accountID, orgID, rows)
	s.logger.Info("statement imported",
		slog.String("account_id", accountID.String()),
		slog.String("format", string(format)),
		slog.Int("parsed", len(rows)),
		slog.Int("inserted", res.Inserted),
		slog.Int("skipped", res.Skipped),
		slog.Int("errors", len(res.Errors)))
	if res.Inserted > 0 {
		banking.Dispatch(ctx, s.dispatcher, banking.DefaultSuggestionBatch, s.logger)
	}
	return FileResult{Result: res, Format: format, Parsed: len(rows)}, nil
}

// BuildTransaction maps a canonical row onto a new transaction with its reference hash.
func BuildTransaction(accountID uuid.UUID, orgID *uuid.UUID, row banking.Row) banking.Transaction {
	currency := strings.ToUpper(row.Currency)
	if currency == "" {
		currency = banking.DefaultCurrency
	}
	iban := banking.NormalizeIBAN(row.CounterpartyIBAN)
	return banking.Transaction{
		ID:               uuid.New(),
		BankAccountID:    accountID,
		OrganizationID:   orgID,
		BookedAt:         row.BookedAt.UTC(),
		AmountMinor:      row.AmountMinor,
		Currency:         currency,
		Direction:        row.Direction,
		CounterpartyName: row.CounterpartyName,
		CounterpartyIBAN: iban,
		Description:      row.Description,
		RemittanceInfo:   row.RemittanceInfo,
		EndToEndID:       row.EndToEndID,
		RawJSON:          row.RawJSON,
		Status:           banking.TransactionNew,
		ReferenceHash: ReferenceHash(HashInput{
			AccountID:        accountID,
			BookedAt:         row.BookedAt,
			AmountMinor:      row.AmountMinor,
			CounterpartyIBAN: iban,
			EndToEndID:       row.EndToEndID,
			Description:      row.Description,
		}),
	}
}

// WithInvalidator registers the cache to bump when an account is created.
func (s *Service) WithInvalidator(inv Invalidator) {
	if s != nil {
		s.invalidate = inv
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if s != nil && clock != nil {
		s.clock = clock
	}
}
