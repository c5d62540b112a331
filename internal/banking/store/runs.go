package store

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

// CreateSyncRun inserts a run in its initial state.
func (s *Store) CreateSyncRun(ctx context.Context, run banking.SyncRun) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO bank_sync_runs (id, organization_id, connection_id, status, started_at, new_transactions)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, nullUUID(run.OrganizationID), run.ConnectionID, run.Status, run.StartedAt, run.NewTransactions)
	if err != nil {
		return fmt.Errorf("store: create sync run: %w", err)
	}
	return nil
}

// FinishSyncRun records the final status of a run.
func (s *Store) FinishSyncRun(ctx context.Context, run banking.SyncRun) error {
	_, err := s.db.Exec(ctx, `
		UPDATE bank_sync_runs
		SET status = $2, finished_at = $3, new_transactions = $4, error = $5
		WHERE id = $1`,
		run.ID, run.Status, run.FinishedAt, run.NewTransactions, nullText(run.Error))
	if err != nil {
		return fmt.Errorf("store: finish sync run: %w", err)
	}
	return nil
}
