package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

const transactionColumns = `id, bank_account_id, organization_id, booked_at, amount_cents, currency, direction,
	counterparty_name, counterparty_iban, description, remittance_info, end_to_end_id,
	reference_hash, raw_json, status, created_at`

// statusOrdinal mirrors banking.TransactionStatus.Ordinal for the guard in SQL.
const statusOrdinal = `CASE status WHEN 'new' THEN 0 WHEN 'suggested' THEN 1 WHEN 'linked' THEN 2 WHEN 'posted' THEN 3 END`

// InsertTransaction stores a transaction. A reference hash collision maps to banking.ErrDuplicate.
func (s *Store) InsertTransaction(ctx context.Context, tx banking.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Status == "" {
		tx.Status = banking.TransactionNew
	}
	var raw []byte
	if len(tx.RawJSON) > 0 {
		raw = tx.RawJSON
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO bank_transactions (
			id, bank_account_id, organization_id, booked_at, amount_cents, currency, direction,
			counterparty_name, counterparty_iban, description, remittance_info, end_to_end_id,
			reference_hash, raw_json, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())`,
		tx.ID,
		tx.BankAccountID,
		nullUUID(tx.OrganizationID),
		tx.BookedAt,
		tx.AmountMinor,
		tx.Currency,
		tx.Direction,
		nullText(tx.CounterpartyName),
		nullText(tx.CounterpartyIBAN),
		nullText(tx.Description),
		nullText(tx.RemittanceInfo),
		nullText(tx.EndToEndID),
		tx.ReferenceHash,
		raw,
		tx.Status,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return banking.ErrDuplicate
		}
		return fmt.Errorf("store: insert transaction: %w", err)
	}
	return nil
}

// GetTransaction loads a single transaction.
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*banking.Transaction, error) {
	var (
		tx                             banking.Transaction
		orgID                          uuid.NullUUID
		name, iban, desc, remit, e2eID pgtype.Text
	)
	err := s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM bank_transactions WHERE id = $1`, id).Scan(
		&tx.ID, &tx.BankAccountID, &orgID, &tx.BookedAt, &tx.AmountMinor, &tx.Currency, &tx.Direction,
		&name, &iban, &desc, &remit, &e2eID,
		&tx.ReferenceHash, &tx.RawJSON, &tx.Status, &tx.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, banking.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("store: get transaction: %w", err)
	}
	tx.OrganizationID = uuidPtr(orgID)
	tx.CounterpartyName = name.String
	tx.CounterpartyIBAN = iban.String
	tx.Description = desc.String
	tx.RemittanceInfo = remit.String
	tx.EndToEndID = e2eID.String
	return &tx, nil
}

// ListTransactionIDsByStatus returns up to limit ids in the given status, oldest booking first.
func (s *Store) ListTransactionIDsByStatus(ctx context.Context, status banking.TransactionStatus, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM bank_transactions WHERE status = $1 ORDER BY booked_at, id LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list transactions: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdvanceTransactionStatus moves a transaction forward in its lifecycle.
// Rows already at or past next are left untouched.
func (s *Store) AdvanceTransactionStatus(ctx context.Context, id uuid.UUID, next banking.TransactionStatus) (bool, error) {
	ordinal := next.Ordinal()
	if ordinal < 0 {
		return false, fmt.Errorf("store: unknown transaction status %q", next)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE bank_transactions SET status = $2, updated_at = NOW()
		WHERE id = $1 AND `+statusOrdinal+` < $3`,
		id, next, ordinal)
	if err != nil {
		return false, fmt.Errorf("store: advance status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
