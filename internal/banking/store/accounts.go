package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/odyssey-erp/bankrecon/internal/banking"
	"github.com/odyssey-erp/bankrecon/internal/banking/ingest"
)

const accountColumns = `id, name, iban, currency, organization_id, provider, provider_account_id, connection_id, is_active, created_at`

func scanAccount(row pgx.Row) (*banking.BankAccount, error) {
	var (
		acc                       banking.BankAccount
		orgID, connID             uuid.NullUUID
		provider, providerAccount pgtype.Text
	)
	if err := row.Scan(&acc.ID, &acc.Name, &acc.IBAN, &acc.Currency, &orgID, &provider, &providerAccount, &connID, &acc.IsActive, &acc.CreatedAt); err != nil {
		return nil, err
	}
	acc.OrganizationID = uuidPtr(orgID)
	acc.ConnectionID = uuidPtr(connID)
	acc.Provider = provider.String
	acc.ProviderAccountID = providerAccount.String
	return &acc, nil
}

func (s *Store) findAccount(ctx context.Context, query string, args ...interface{}) (*banking.BankAccount, error) {
	acc, err := scanAccount(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, banking.ErrNotFound
		}
		return nil, fmt.Errorf("store: find account: %w", err)
	}
	return acc, nil
}

// FindAccountByProvider resolves an account by its upstream identity.
func (s *Store) FindAccountByProvider(ctx context.Context, connectionID uuid.UUID, providerAccountID string) (*banking.BankAccount, error) {
	return s.findAccount(ctx, `SELECT `+accountColumns+` FROM bank_accounts WHERE connection_id = $1 AND provider_account_id = $2`, connectionID, providerAccountID)
}

// FindAccountByIBAN resolves an account by normalized IBAN.
func (s *Store) FindAccountByIBAN(ctx context.Context, iban string) (*banking.BankAccount, error) {
	return s.findAccount(ctx, `SELECT `+accountColumns+` FROM bank_accounts WHERE iban = $1`, iban)
}

// CreateAccount inserts an account; a unique violation maps to banking.ErrDuplicate.
func (s *Store) CreateAccount(ctx context.Context, account banking.BankAccount) (*banking.BankAccount, error) {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	query := `
		INSERT INTO bank_accounts (id, name, iban, currency, organization_id, provider, provider_account_id, connection_id, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING ` + accountColumns
	acc, err := scanAccount(s.db.QueryRow(ctx, query,
		account.ID,
		account.Name,
		account.IBAN,
		account.Currency,
		nullUUID(account.OrganizationID),
		nullText(account.Provider),
		nullText(account.ProviderAccountID),
		nullUUID(account.ConnectionID),
		account.IsActive,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, banking.ErrDuplicate
		}
		return nil, fmt.Errorf("store: create account: %w", err)
	}
	return acc, nil
}

// LinkAccount sets the upstream identity of an existing account. An
// organization already on the row is kept.
func (s *Store) LinkAccount(ctx context.Context, link ingest.AccountLink) (*banking.BankAccount, error) {
	query := `
		UPDATE bank_accounts
		SET connection_id = $2,
		    provider = $3,
		    provider_account_id = $4,
		    organization_id = COALESCE(organization_id, $5)
		WHERE id = $1
		RETURNING ` + accountColumns
	acc, err := scanAccount(s.db.QueryRow(ctx, query,
		link.AccountID,
		link.ConnectionID,
		nullText(link.Provider),
		link.ProviderAccountID,
		nullUUID(link.OrganizationID),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, banking.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, banking.ErrDuplicate
		}
		return nil, fmt.Errorf("store: link account: %w", err)
	}
	return acc, nil
}

// ListAccounts returns all own accounts ordered by name.
func (s *Store) ListAccounts(ctx context.Context) ([]banking.BankAccount, error) {
	return s.listAccounts(ctx, `SELECT `+accountColumns+` FROM bank_accounts ORDER BY name`)
}

// ListActiveAccountsByConnection returns the active accounts linked to a connection.
func (s *Store) ListActiveAccountsByConnection(ctx context.Context, connectionID uuid.UUID) ([]banking.BankAccount, error) {
	return s.listAccounts(ctx, `SELECT `+accountColumns+` FROM bank_accounts WHERE connection_id = $1 AND is_active ORDER BY name`, connectionID)
}

func (s *Store) listAccounts(ctx context.Context, query string, args ...interface{}) ([]banking.BankAccount, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()
	var out []banking.BankAccount
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acc)
	}
	return out, rows.Err()
}

// ListOwnIBANs returns the IBANs of the organization's own accounts, active
// or not. A nil organization lists every account.
func (s *Store) ListOwnIBANs(ctx context.Context, orgID *uuid.UUID) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT iban FROM bank_accounts WHERE $1::uuid IS NULL OR organization_id = $1`, nullUUID(orgID))
	if err != nil {
		return nil, fmt.Errorf("store: own ibans: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var iban string
		if err := rows.Scan(&iban); err != nil {
			return nil, err
		}
		out = append(out, iban)
	}
	return out, rows.Err()
}
