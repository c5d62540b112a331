package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

// SaveSuggestion upserts sg and advances its transaction to suggested in one
// database transaction. It reports whether the status changed.
func (s *Store) SaveSuggestion(ctx context.Context, sg banking.Suggestion) (bool, error) {
	save := func(ctx context.Context, st *Store) (bool, error) {
		if err := st.UpsertSuggestion(ctx, sg); err != nil {
			return false, err
		}
		return st.AdvanceTransactionStatus(ctx, sg.TransactionID, banking.TransactionSuggested)
	}
	if s.pool == nil {
		return save(ctx, s)
	}
	var advanced bool
	err := s.WithTx(ctx, func(ctx context.Context, tx *Store) error {
		var err error
		advanced, err = save(ctx, tx)
		return err
	})
	return advanced, err
}

// UpsertSuggestion stores the suggestion for a transaction, replacing any earlier one.
func (s *Store) UpsertSuggestion(ctx context.Context, sg banking.Suggestion) error {
	scores, err := jsonOrNil(sg.InvoiceScores, len(sg.InvoiceScores) > 0)
	if err != nil {
		return err
	}
	split, err := jsonOrNil(sg.Split, len(sg.Split) > 0)
	if err != nil {
		return err
	}
	reasons := sg.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("store: encode reasons: %w", err)
	}
	invoiceIDs := sg.InvoiceIDs
	if invoiceIDs == nil {
		invoiceIDs = []uuid.UUID{}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO bank_transaction_suggestions (
			transaction_id, model_version, suggested_type, suggested_invoice_ids, suggested_invoice_scores,
			suggested_customer_id, suggested_deal_id, suggested_post_code, suggested_vat_type,
			suggested_split, confidence, reasons, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (transaction_id) DO UPDATE SET
			model_version = EXCLUDED.model_version,
			suggested_type = EXCLUDED.suggested_type,
			suggested_invoice_ids = EXCLUDED.suggested_invoice_ids,
			suggested_invoice_scores = EXCLUDED.suggested_invoice_scores,
			suggested_customer_id = EXCLUDED.suggested_customer_id,
			suggested_deal_id = EXCLUDED.suggested_deal_id,
			suggested_post_code = EXCLUDED.suggested_post_code,
			suggested_vat_type = EXCLUDED.suggested_vat_type,
			suggested_split = EXCLUDED.suggested_split,
			confidence = EXCLUDED.confidence,
			reasons = EXCLUDED.reasons,
			updated_at = NOW()`,
		sg.TransactionID,
		sg.ModelVersion,
		sg.Type,
		invoiceIDs,
		scores,
		nullUUID(sg.CustomerID),
		nullUUID(sg.DealID),
		nullText(sg.PostCode),
		nullText(sg.VATType),
		split,
		sg.Confidence,
		reasonsJSON,
	)
	if err != nil {
		return fmt.Errorf("store: upsert suggestion: %w", err)
	}
	return nil
}

func jsonOrNil(v any, present bool) ([]byte, error) {
	if !present {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode json: %w", err)
	}
	return raw, nil
}
