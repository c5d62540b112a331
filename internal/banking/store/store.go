// Package store provides PostgreSQL backed persistence for bank accounts,
// connections, transactions, sync runs and suggestions.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/bankrecon/internal/banking/secret"
	"github.com/odyssey-erp/bankrecon/internal/platform/db"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Store implements every repository port of the banking packages.
type Store struct {
	db   dbtx
	pool *pgxpool.Pool
	box  *secret.Box
}

// New constructs a store. box seals OAuth tokens; nil stores them as-is.
func New(pool *pgxpool.Pool, box *secret.Box) *Store {
	if box == nil {
		box = secret.NewBox("")
	}
	return &Store{db: pool, pool: pool, box: box}
}

// WithTx runs fn against a store bound to a single transaction. The bound
// store cannot open nested transactions.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, *Store) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &Store{db: tx, box: s.box})
	})
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	v := id.UUID
	return &v
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
