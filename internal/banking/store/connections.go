package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/odyssey-erp/bankrecon/internal/banking"
	"github.com/odyssey-erp/bankrecon/internal/banking/psd2"
)

const connectionColumns = `id, organization_id, provider, access_token, refresh_token, expires_at, status, last_synced_at, last_error, updated_at`

func (s *Store) scanConnection(row pgx.Row) (*banking.BankConnection, error) {
	var (
		conn                  banking.BankConnection
		orgID                 uuid.NullUUID
		access, refresh, last pgtype.Text
		expiresAt, lastSynced pgtype.Timestamptz
	)
	if err := row.Scan(&conn.ID, &orgID, &conn.Provider, &access, &refresh, &expiresAt, &conn.Status, &lastSynced, &last, &conn.UpdatedAt); err != nil {
		return nil, err
	}
	conn.OrganizationID = uuidPtr(orgID)
	conn.LastError = last.String
	if expiresAt.Valid {
		t := expiresAt.Time
		conn.ExpiresAt = &t
	}
	if lastSynced.Valid {
		t := lastSynced.Time
		conn.LastSyncedAt = &t
	}
	var err error
	if conn.AccessToken, err = s.box.Open(access.String); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if conn.RefreshToken, err = s.box.Open(refresh.String); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	return &conn, nil
}

// GetConnection loads a connection with its tokens decrypted.
func (s *Store) GetConnection(ctx context.Context, id uuid.UUID) (*banking.BankConnection, error) {
	conn, err := s.scanConnection(s.db.QueryRow(ctx, `SELECT `+connectionColumns+` FROM bank_connections WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, banking.ErrNotFound
		}
		return nil, fmt.Errorf("store: get connection: %w", err)
	}
	return conn, nil
}

// ListConnectionsByStatus returns connections in any of the given statuses, oldest sync first.
func (s *Store) ListConnectionsByStatus(ctx context.Context, statuses ...banking.ConnectionStatus) ([]banking.BankConnection, error) {
	wanted := make([]string, 0, len(statuses))
	for _, st := range statuses {
		wanted = append(wanted, string(st))
	}
	rows, err := s.db.Query(ctx, `SELECT `+connectionColumns+` FROM bank_connections WHERE status = ANY($1) ORDER BY last_synced_at NULLS FIRST, id`, wanted)
	if err != nil {
		return nil, fmt.Errorf("store: list connections: %w", err)
	}
	defer rows.Close()
	var out []banking.BankConnection
	for rows.Next() {
		conn, err := s.scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conn)
	}
	return out, rows.Err()
}

// CreateConnection stores a freshly authorized connection.
func (s *Store) CreateConnection(ctx context.Context, orgID *uuid.UUID, provider string, token psd2.Token) (*banking.BankConnection, error) {
	access, refresh, err := s.seal(token)
	if err != nil {
		return nil, err
	}
	query := `
		INSERT INTO bank_connections (id, organization_id, provider, access_token, refresh_token, expires_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING ` + connectionColumns
	conn, err := s.scanConnection(s.db.QueryRow(ctx, query,
		uuid.New(),
		nullUUID(orgID),
		provider,
		access,
		refresh,
		nullTime(token.ExpiresAt),
		banking.ConnectionConnected,
	))
	if err != nil {
		return nil, fmt.Errorf("store: create connection: %w", err)
	}
	return conn, nil
}

// SaveTokens persists rotated tokens and marks the connection connected.
func (s *Store) SaveTokens(ctx context.Context, id uuid.UUID, token psd2.Token) error {
	access, refresh, err := s.seal(token)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE bank_connections
		SET access_token = $2, refresh_token = $3, expires_at = $4, status = $5, last_error = NULL, updated_at = NOW()
		WHERE id = $1`,
		id, access, refresh, nullTime(token.ExpiresAt), banking.ConnectionConnected)
	if err != nil {
		return fmt.Errorf("store: save tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return banking.ErrNotFound
	}
	return nil
}

// MarkConnection sets status and last error.
func (s *Store) MarkConnection(ctx context.Context, id uuid.UUID, status banking.ConnectionStatus, lastError string) error {
	_, err := s.db.Exec(ctx, `UPDATE bank_connections SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1`,
		id, status, nullText(lastError))
	if err != nil {
		return fmt.Errorf("store: mark connection: %w", err)
	}
	return nil
}

// CompleteConnectionSync records the outcome of a finished sync.
func (s *Store) CompleteConnectionSync(ctx context.Context, id uuid.UUID, syncedAt time.Time, status banking.ConnectionStatus, lastError string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE bank_connections
		SET last_synced_at = $2, status = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1`,
		id, syncedAt, status, nullText(lastError))
	if err != nil {
		return fmt.Errorf("store: complete sync: %w", err)
	}
	return nil
}

func (s *Store) seal(token psd2.Token) (pgtype.Text, pgtype.Text, error) {
	access, err := s.box.Seal(token.AccessToken)
	if err != nil {
		return pgtype.Text{}, pgtype.Text{}, fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := s.box.Seal(token.RefreshToken)
	if err != nil {
		return pgtype.Text{}, pgtype.Text{}, fmt.Errorf("seal refresh token: %w", err)
	}
	return nullText(access), nullText(refresh), nil
}

func nullTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}
