// Package banksync pulls transactions from connected bank APIs into the ledger of bank movements.
package banksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/bankrecon/internal/banking"
	"github.com/odyssey-erp/bankrecon/internal/banking/ingest"
	"github.com/odyssey-erp/bankrecon/internal/banking/psd2"
	"github.com/odyssey-erp/bankrecon/internal/shared"
)

const (
	// InitialWindow is how far back the first sync of a connection reaches.
	InitialWindow = 90 * 24 * time.Hour
	// Overlap re-fetches recent days to catch late bank-side postings.
	Overlap = 2 * 24 * time.Hour
	// syncLockTTL bounds how long a crashed worker can block a connection.
	syncLockTTL = 15 * time.Minute
)

// Repository is the persistence the orchestrator needs.
type Repository interface {
	GetConnection(ctx context.Context, id uuid.UUID) (*banking.BankConnection, error)
	ListConnectionsByStatus(ctx context.Context, statuses ...banking.ConnectionStatus) ([]banking.BankConnection, error)
	ListActiveAccountsByConnection(ctx context.Context, connectionID uuid.UUID) ([]banking.BankAccount, error)
	// MarkConnection updates status and last error without touching last_synced_at.
	MarkConnection(ctx context.Context, id uuid.UUID, status banking.ConnectionStatus, lastError string) error
	// CompleteConnectionSync records a finished sync.
	CompleteConnectionSync(ctx context.Context, id uuid.UUID, syncedAt time.Time, status banking.ConnectionStatus, lastError string) error
	CreateSyncRun(ctx context.Context, run banking.SyncRun) error
	FinishSyncRun(ctx context.Context, run banking.SyncRun) error
}

// TokenProvider yields a usable access token for a connection.
type TokenProvider interface {
	EnsureAccessToken(ctx context.Context, conn *banking.BankConnection) (string, error)
}

// TransactionSource lists raw transactions for a provider account.
type TransactionSource interface {
	Transactions(ctx context.Context, accessToken, accountID string, q psd2.TransactionQuery) (json.RawMessage, error)
}

// Importer stores normalized rows with deduplication.
type Importer interface {
	ImportAPIRows(ctx context.Context, accountID uuid.UUID, orgID *uuid.UUID, rows []banking.Row) ingest.Result
}

// Locker serialises syncs of one connection across workers.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Result summarises one connection sync.
type Result struct {
	ConnectionID    uuid.UUID `json:"connection_id"`
	RunID           uuid.UUID `json:"run_id,omitempty"`
	NewTransactions int       `json:"new_transactions"`
	Error           string    `json:"error,omitempty"`
}

// Service orchestrates connection syncs.
type Service struct {
	repo       Repository
	tokens     TokenProvider
	source     TransactionSource
	importer   Importer
	dispatcher banking.SuggestionDispatcher
	locker     Locker
	logger     *slog.Logger
	now        func() time.Time
}

// NewService wires the orchestrator. dispatcher may be nil.
func NewService(repo Repository, tokens TokenProvider, source TransactionSource, importer Importer, dispatcher banking.SuggestionDispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		tokens:     tokens,
		source:     source,
		importer:   importer,
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("component", "banking.sync")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithLocker guards SyncConnection with a per-connection lock.
func (s *Service) WithLocker(locker Locker) {
	s.locker = locker
}

// Window returns the fetch interval for a connection.
func Window(lastSyncedAt *time.Time, now time.Time) (time.Time, time.Time) {
	if lastSyncedAt == nil || lastSyncedAt.IsZero() {
		return now.Add(-InitialWindow), now
	}
	return lastSyncedAt.Add(-Overlap), now
}

// SyncConnection fetches the connection's window for every active linked
// account. Account failures are recorded on the run and do not stop siblings.
func (s *Service) SyncConnection(ctx context.Context, connectionID uuid.UUID) (Result, error) {
	res := Result{ConnectionID: connectionID}
	logger := s.logger.With(slog.String("connection_id", connectionID.String()))

	conn, err := s.repo.GetConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, banking.ErrNotFound) {
			err = banking.ErrConnectionNotFound
		}
		return res, fmt.Errorf("load connection: %w", err)
	}
	if conn.Provider != psd2.Provider {
		return res, fmt.Errorf("%w: %s", banking.ErrUnsupportedProvider, conn.Provider)
	}
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, shared.ConnectionSyncLockKey(connectionID), syncLockTTL)
		if errors.Is(err, shared.ErrLockHeld) {
			return res, banking.ErrSyncInProgress
		}
		if err != nil {
			return res, fmt.Errorf("sync lock: %w", err)
		}
		defer release()
	}

	token, err := s.tokens.EnsureAccessToken(ctx, conn)
	if err != nil {
		status := banking.ConnectionError
		if banking.IsTokenError(err) {
			status = banking.ConnectionActionRequired
		}
		if markErr := s.repo.MarkConnection(ctx, connectionID, status, tokenMessage(err)); markErr != nil {
			logger.Error("mark connection", slog.Any("error", markErr))
		}
		logger.Warn("sync aborted: access token unavailable", slog.String("status", string(status)), slog.Any("error", err))
		return res, fmt.Errorf("access token: %w", err)
	}

	run := banking.SyncRun{
		ID:             uuid.New(),
		OrganizationID: conn.OrganizationID,
		ConnectionID:   connectionID,
		Status:         banking.SyncRunRunning,
		StartedAt:      s.now(),
	}
	if err := s.repo.CreateSyncRun(ctx, run); err != nil {
		return res, fmt.Errorf("create sync run: %w", err)
	}
	res.RunID = run.ID
	logger = logger.With(slog.String("run_id", run.ID.String()))

	accounts, err := s.repo.ListActiveAccountsByConnection(ctx, connectionID)
	if err != nil {
		s.finish(ctx, logger, &run, conn, err.Error(), false)
		return res, fmt.Errorf("list accounts: %w", err)
	}

	var lastError string
	if len(accounts) > 0 {
		from, to := Window(conn.LastSyncedAt, s.now())
		for _, acc := range accounts {
			inserted, err := s.syncAccount(ctx, token, conn, acc, from, to)
			run.NewTransactions += inserted
			if err != nil {
				lastError = err.Error()
				logger.Warn("account sync failed", slog.String("account_id", acc.ID.String()), slog.Any("error", err))
			}
		}
	}

	s.finish(ctx, logger, &run, conn, lastError, true)
	res.NewTransactions = run.NewTransactions
	res.Error = lastError

	if run.NewTransactions > 0 {
		banking.Dispatch(ctx, s.dispatcher, banking.DefaultSuggestionBatch, logger)
	}
	return res, nil
}

func (s *Service) syncAccount(ctx context.Context, token string, conn *banking.BankConnection, acc banking.BankAccount, from, to time.Time) (int, error) {
	providerID := acc.ProviderAccountID
	if providerID == "" {
		providerID = acc.ID.String()
	}
	raw, err := s.source.Transactions(ctx, token, providerID, psd2.TransactionQuery{
		From:          from,
		To:            to,
		BookingStatus: psd2.BookingStatusBooked,
	})
	if err != nil {
		return 0, err
	}
	items, err := ExtractItems(raw)
	if err != nil {
		return 0, fmt.Errorf("account %s: %w", acc.ID, err)
	}

	rows := make([]banking.Row, 0, len(items))
	for _, item := range items {
		if row, ok := NormalizeTransaction(item); ok {
			rows = append(rows, row)
		}
	}
	orgID := acc.OrganizationID
	if orgID == nil {
		orgID = conn.OrganizationID
	}
	result := s.importer.ImportAPIRows(ctx, acc.ID, orgID, rows)
	if len(result.Errors) > 0 {
		return result.Inserted, fmt.Errorf("account %s: %d rows not stored: %s", acc.ID, len(result.Errors), result.Errors[0])
	}
	return result.Inserted, nil
}

// finish closes the run and updates the connection. touchSynced is false when
// the run aborted before any account was attempted.
func (s *Service) finish(ctx context.Context, logger *slog.Logger, run *banking.SyncRun, conn *banking.BankConnection, lastError string, touchSynced bool) {
	finished := s.now()
	run.FinishedAt = &finished
	run.Error = lastError
	run.Status = banking.SyncRunSuccess
	connStatus := banking.ConnectionConnected
	if lastError != "" {
		run.Status = banking.SyncRunFailed
		connStatus = banking.ConnectionError
	}
	if err := s.repo.FinishSyncRun(ctx, *run); err != nil {
		logger.Error("finish sync run", slog.Any("error", err))
	}

	var err error
	if touchSynced {
		err = s.repo.CompleteConnectionSync(ctx, conn.ID, finished, connStatus, lastError)
	} else {
		err = s.repo.MarkConnection(ctx, conn.ID, connStatus, lastError)
	}
	if err != nil {
		logger.Error("update connection", slog.Any("error", err))
	}
	logger.Info("sync run finished",
		slog.String("status", string(run.Status)),
		slog.Int("new_transactions", run.NewTransactions))
}

// ScheduledStatuses are the connection states the scheduled sync visits.
// A connection in error is retried; action_required waits for the user.
var ScheduledStatuses = []banking.ConnectionStatus{banking.ConnectionConnected, banking.ConnectionError}

// SyncAll syncs every connected or failed connection one after another.
func (s *Service) SyncAll(ctx context.Context) ([]Result, error) {
	conns, err := s.repo.ListConnectionsByStatus(ctx, ScheduledStatuses...)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	results := make([]Result, 0, len(conns))
	for _, conn := range conns {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.SyncConnection(ctx, conn.ID)
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

func tokenMessage(err error) string {
	if errors.Is(err, banking.ErrTokenMissing) {
		return "no access token"
	}
	return err.Error()
}
