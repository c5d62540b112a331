package suggest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

type stubInvoices struct {
	invoices []banking.Invoice
	names    map[uuid.UUID]string
	err      error
	calls    int
	orgs     []*uuid.UUID
}

func (s *stubInvoices) OpenInvoices(_ context.Context, orgID *uuid.UUID, _, _ time.Time) ([]banking.Invoice, error) {
	s.calls++
	s.orgs = append(s.orgs, orgID)
	if s.err != nil {
		return nil, s.err
	}
	return s.invoices, nil
}

func (s *stubInvoices) CustomerNames(context.Context, []uuid.UUID) (map[uuid.UUID]string, error) {
	return s.names, nil
}

var bookedAt = time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)

func inbound(amount int64, name, description string) banking.Transaction {
	return banking.Transaction{
		ID:               uuid.New(),
		BookedAt:         bookedAt,
		AmountMinor:      amount,
		Currency:         "EUR",
		Direction:        banking.DirectionIn,
		CounterpartyName: name,
		Description:      description,
		Status:           banking.TransactionNew,
	}
}

func openInvoice(number string, customer uuid.UUID, open int64) banking.Invoice {
	return banking.Invoice{
		ID:              uuid.New(),
		Number:          number,
		CustomerID:      customer,
		AmountMinor:     open,
		OpenAmountMinor: open,
		DueDate:         bookedAt.AddDate(0, 0, -14),
		Status:          banking.InvoicePending,
	}
}

func TestTransferWinsOverExactInvoice(t *testing.T) {
	tx := inbound(10000, "Own savings", "spaarrekening")
	tx.CounterpartyIBAN = "NL91ABNA0417164300"
	invoices := &stubInvoices{invoices: []banking.Invoice{openInvoice("GS-1", uuid.New(), 10000)}}

	s, err := NewEngine().Build(context.Background(), tx, Input{
		OwnIBANs: []string{"nl91 abna 0417 1643 00"},
		Invoices: invoices,
	})
	require.NoError(t, err)
	require.Equal(t, banking.SuggestTransfer, s.Type)
	require.Equal(t, PostCodeInternalTransfer, s.PostCode)
	require.InDelta(t, 0.98, s.Confidence, 1e-9)
	require.Equal(t, ModelVersion, s.ModelVersion)
	require.Equal(t, tx.ID, s.TransactionID)
	require.Zero(t, invoices.calls, "invoices are not loaded once a transfer is detected")
}

func TestRuleBeatsInvoiceScoring(t *testing.T) {
	customer := uuid.New()
	rules := []banking.CounterpartyRule{
		{MatchType: banking.MatchRegex, MatchValue: "([", DefaultPostCode: "never"},
		{MatchType: banking.MatchNameContains, MatchValue: "Hosting", DefaultPostCode: "4300"},
	}
	tx := inbound(5000, "Hosting BV", "monthly")

	s, err := NewEngine().Build(context.Background(), tx, Input{Rules: rules})
	require.NoError(t, err)
	require.Equal(t, banking.SuggestLedgerPost, s.Type)
	require.Equal(t, "4300", s.PostCode)
	require.InDelta(t, 0.85, s.Confidence, 1e-9)

	rules[1].DefaultCustomerID = &customer
	rules[1].AutoAccept = true
	s, err = NewEngine().Build(context.Background(), tx, Input{Rules: rules})
	require.NoError(t, err)
	require.Equal(t, banking.SuggestInvoiceMatch, s.Type)
	require.Equal(t, customer, *s.CustomerID)
	require.InDelta(t, 0.97, s.Confidence, 1e-9)
}

func TestMatchRuleByIBAN(t *testing.T) {
	tx := inbound(100, "", "")
	tx.CounterpartyIBAN = "NL02RABO0123456789"
	rules := []banking.CounterpartyRule{{MatchType: banking.MatchIBAN, MatchValue: "nl02 rabo 0123 4567 89"}}
	require.NotNil(t, MatchRule(tx, rules))
	require.Nil(t, MatchRule(inbound(100, "x", "y"), rules))
}

func TestExactAmountOutranksNameOnly(t *testing.T) {
	exact := openInvoice("A-1", uuid.New(), 12500)
	named := openInvoice("B-2", uuid.New(), 99900)
	invoices := &stubInvoices{
		invoices: []banking.Invoice{named, exact},
		names:    map[uuid.UUID]string{exact.CustomerID: "Other Corp", named.CustomerID: "Acme BV"},
	}

	s, err := NewEngine().Build(context.Background(), inbound(12500, "ACME B.V. / Acme BV", "payment"), Input{Invoices: invoices})
	require.NoError(t, err)
	require.Equal(t, banking.SuggestInvoiceMatch, s.Type)
	require.Equal(t, []uuid.UUID{exact.ID}, s.InvoiceIDs)
	require.Len(t, s.InvoiceScores, 2)
	require.Equal(t, exact.ID, s.InvoiceScores[0].InvoiceID)
	require.InDelta(t, 0.5, s.InvoiceScores[0].Score, 1e-9)
	require.InDelta(t, 0.2, s.InvoiceScores[1].Score, 1e-9)
	require.Empty(t, s.Split, "exact amount needs no split")
}

func TestAcceptThresholdBoundary(t *testing.T) {
	// Exact amount alone scores 0.5 and is accepted.
	exact := openInvoice("INV-X", uuid.New(), 10000)
	s, err := NewEngine().Build(context.Background(), inbound(10000, "", "betaling"), Input{Invoices: &stubInvoices{invoices: []banking.Invoice{exact}}})
	require.NoError(t, err)
	require.Equal(t, banking.SuggestInvoiceMatch, s.Type)
	require.InDelta(t, 0.6, s.Confidence, 1e-9)

	// An invoice number found in the remittance alone scores 0.4 and is not.
	numbered := openInvoice("INV-2024001-A", uuid.New(), 50000)
	s, err = NewEngine().Build(context.Background(), inbound(10000, "", "betaling 2024001"), Input{Invoices: &stubInvoices{invoices: []banking.Invoice{numbered}}})
	require.NoError(t, err)
	require.Equal(t, banking.SuggestUnknown, s.Type)
	require.InDelta(t, 0.3, s.Confidence, 1e-9)
	require.Len(t, s.InvoiceScores, 1)
	require.InDelta(t, 0.4, s.InvoiceScores[0].Score, 1e-9)
}

func TestPartialPaymentProposesSplit(t *testing.T) {
	inv := openInvoice("GS-2024-0012", uuid.New(), 20000)
	tx := inbound(15000, "", "Factuur GS-2024-0012 deel 1")

	s, err := NewEngine().Build(context.Background(), tx, Input{Invoices: &stubInvoices{invoices: []banking.Invoice{inv}}})
	require.NoError(t, err)
	require.Equal(t, banking.SuggestInvoiceMatch, s.Type)
	require.InDelta(t, 0.7, s.Confidence, 1e-9)
	require.Len(t, s.Split, 1)
	require.Equal(t, inv.ID, s.Split[0].RefID)
	require.Equal(t, int64(15000), s.Split[0].AllocatedMinor)
	require.Equal(t, "invoice", s.Split[0].Kind)
}

func TestInvoicesOutsideWindowOrClosedIgnored(t *testing.T) {
	old := openInvoice("OLD-1", uuid.New(), 10000)
	old.DueDate = bookedAt.Add(-InvoiceWindow - 24*time.Hour)
	paid := openInvoice("PAID-1", uuid.New(), 10000)
	paid.Status = banking.InvoicePaid

	s, err := NewEngine().Build(context.Background(), inbound(10000, "", "betaling"), Input{Invoices: &stubInvoices{invoices: []banking.Invoice{old, paid}}})
	require.NoError(t, err)
	require.Equal(t, banking.SuggestUnknown, s.Type)
	require.Empty(t, s.InvoiceScores)
}

func TestInvoiceDueOnWindowEdgeIsScored(t *testing.T) {
	customer := uuid.New()
	edge := openInvoice("EDGE-1", customer, 10000)
	edge.DueDate = dateOf(bookedAt).Add(-InvoiceWindow)
	late := openInvoice("LATE-1", customer, 10000)
	late.DueDate = dateOf(bookedAt).Add(InvoiceWindow)
	stub := &stubInvoices{invoices: []banking.Invoice{edge, late}}

	ev := &Evaluation{Tx: inbound(10000, "", "betaling"), Input: Input{Invoices: stub}}
	candidates, err := ev.Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 2)
}

func TestProcessorPayoutInboundOnly(t *testing.T) {
	s, err := NewEngine().Build(context.Background(), inbound(4321, "Stichting Mollie Payments", "Mollie payout 12"), Input{})
	require.NoError(t, err)
	require.Equal(t, banking.SuggestLedgerPost, s.Type)
	require.Equal(t, PostCodeProcessorPayout, s.PostCode)
	require.Equal(t, VATZero, s.VATType)
	require.InDelta(t, 0.75, s.Confidence, 1e-9)

	out := inbound(4321, "Mollie", "Mollie fees")
	out.Direction = banking.DirectionOut
	s, err = NewEngine().Build(context.Background(), out, Input{})
	require.NoError(t, err)
	require.Equal(t, banking.SuggestUnknown, s.Type)
}

func TestUnknownKeepsThreeCandidates(t *testing.T) {
	customer := uuid.New()
	var invoices []banking.Invoice
	for i := 0; i < 5; i++ {
		invoices = append(invoices, openInvoice("N-"+string(rune('A'+i)), customer, 77700))
	}
	source := &stubInvoices{invoices: invoices, names: map[uuid.UUID]string{customer: "Café Müller"}}

	s, err := NewEngine().Build(context.Background(), inbound(100, "CAFE MULLER", "coffee"), Input{Invoices: source})
	require.NoError(t, err)
	require.Equal(t, banking.SuggestUnknown, s.Type)
	require.Len(t, s.InvoiceScores, 3)
	require.Equal(t, 1, source.calls, "candidates are scored once per build")
}

func TestInvoiceLoadFailureIsScoringError(t *testing.T) {
	source := &stubInvoices{err: errors.New("db down")}
	_, err := NewEngine().Build(context.Background(), inbound(100, "", ""), Input{Invoices: source})
	require.ErrorIs(t, err, banking.ErrScoring)
}

func TestExtractInvoiceNumbers(t *testing.T) {
	require.Equal(t, []string{"gs-2024-0012", "2024", "0012"}, ExtractInvoiceNumbers("Factuur GS-2024-0012"))
	require.Equal(t, []string{"#123", "20240501"}, ExtractInvoiceNumbers("factuur #123 ref 20240501"))
	require.Nil(t, ExtractInvoiceNumbers(""))
	require.Empty(t, ExtractInvoiceNumbers("no digits here 12"))
}

func TestFold(t *testing.T) {
	require.Equal(t, "cafe muller", Fold("  Café Müller "))
	require.Equal(t, "acme", Fold("ACME"))
}

func TestNamesOverlap(t *testing.T) {
	require.True(t, NamesOverlap(Fold("ACME Holding B.V."), Fold("Acme Holding BV")))
	require.True(t, NamesOverlap(Fold("Stichting Mollie Payments"), Fold("mollie")))
	require.True(t, NamesOverlap(Fold("Jansen Installatietechniek"), Fold("Janssen Installatietechniek")))
	require.False(t, NamesOverlap(Fold("Other Corp"), Fold("ACME B.V. / Acme BV")))
	require.False(t, NamesOverlap("", "acme"))
	require.False(t, NamesOverlap(Fold("A.B."), Fold("A-C")))
}
