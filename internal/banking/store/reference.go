package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

// ListCounterpartyRules returns the organization's rules plus global ones,
// in evaluation order.
func (s *Store) ListCounterpartyRules(ctx context.Context, orgID *uuid.UUID) ([]banking.CounterpartyRule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, organization_id, match_type, match_value, default_customer_id, default_deal_id,
		       default_post_code, auto_accept, priority
		FROM counterparty_rules
		WHERE organization_id IS NULL OR organization_id = $1
		ORDER BY priority, created_at, id`, nullUUID(orgID))
	if err != nil {
		return nil, fmt.Errorf("store: list rules: %w", err)
	}
	defer rows.Close()
	var out []banking.CounterpartyRule
	for rows.Next() {
		var (
			r                   banking.CounterpartyRule
			org, customer, deal uuid.NullUUID
			postCode            pgtype.Text
		)
		if err := rows.Scan(&r.ID, &org, &r.MatchType, &r.MatchValue, &customer, &deal, &postCode, &r.AutoAccept, &r.Priority); err != nil {
			return nil, err
		}
		r.OrganizationID = uuidPtr(org)
		r.DefaultCustomerID = uuidPtr(customer)
		r.DefaultDealID = uuidPtr(deal)
		r.DefaultPostCode = postCode.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// OpenInvoices returns the organization's invoices with an open balance due
// within [from, to]. A nil organization is not filtered.
func (s *Store) OpenInvoices(ctx context.Context, orgID *uuid.UUID, from, to time.Time) ([]banking.Invoice, error) {
	statuses := make([]string, 0, len(banking.OpenInvoiceStatuses))
	for _, st := range banking.OpenInvoiceStatuses {
		statuses = append(statuses, string(st))
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, invoice_number, customer_id, deal_id, amount_cents,
		       COALESCE(open_amount_cents, amount_cents), due_date, status
		FROM customer_invoices
		WHERE status = ANY($1) AND due_date BETWEEN $2 AND $3
		  AND ($4::uuid IS NULL OR organization_id = $4)
		ORDER BY due_date`, statuses, from, to, nullUUID(orgID))
	if err != nil {
		return nil, fmt.Errorf("store: open invoices: %w", err)
	}
	defer rows.Close()
	var out []banking.Invoice
	for rows.Next() {
		var (
			inv  banking.Invoice
			deal uuid.NullUUID
		)
		if err := rows.Scan(&inv.ID, &inv.Number, &inv.CustomerID, &deal, &inv.AmountMinor, &inv.OpenAmountMinor, &inv.DueDate, &inv.Status); err != nil {
			return nil, err
		}
		inv.DealID = uuidPtr(deal)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// CustomerNames maps customer ids to their legal name, falling back to the display name.
func (s *Store) CustomerNames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `SELECT id, COALESCE(NULLIF(legal_name, ''), name) FROM customers WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("store: customer names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   uuid.UUID
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}
