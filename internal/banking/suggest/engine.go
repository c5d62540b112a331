// Package suggest proposes what a bank transaction represents: an internal
// transfer, an invoice payment, a ledger posting or unknown.
package suggest

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

// ModelVersion tags every suggestion produced by this engine.
const ModelVersion = "rules-v1"

// InvoiceWindow bounds invoice due dates around the booking date.
const InvoiceWindow = 120 * 24 * time.Hour

const (
	confidenceTransfer     = 0.98
	confidenceRuleAuto     = 0.97
	confidenceRule         = 0.85
	confidenceProcessor    = 0.75
	confidenceUnknown      = 0.3
	confidenceInvoiceCap   = 0.98
	confidenceInvoiceBonus = 0.1
	keptInvoiceScores      = 5
	keptUnknownCandidates  = 3
)

// Post codes and VAT types proposed by the built-in classifiers.
const (
	PostCodeInternalTransfer = "interne-overboeking"
	PostCodeProcessorPayout  = "processor-payout"
	VATUnknown               = "unknown"
	VATZero                  = "vat_0"
)

// ProcessorKeywords mark payouts from payment service providers.
var ProcessorKeywords = []string{"mollie", "stripe", "paypal", "ideal", "adyen"}

// InvoiceSource loads open invoices and customer names on demand. It is only
// called when no earlier classifier decided.
type InvoiceSource interface {
	OpenInvoices(ctx context.Context, orgID *uuid.UUID, from, to time.Time) ([]banking.Invoice, error)
	CustomerNames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
}

// Input is the reference data a suggestion is built against.
type Input struct {
	OwnIBANs []string
	Rules    []banking.CounterpartyRule
	Invoices InvoiceSource
}

// Evaluation carries one transaction through the classifier chain and
// memoizes invoice scoring so later classifiers can reuse it.
type Evaluation struct {
	Tx    banking.Transaction
	Input Input

	scored  []Candidate
	loaded  bool
	loadErr error
}

// Candidates scores open invoices within the window, once.
func (e *Evaluation) Candidates(ctx context.Context) ([]Candidate, error) {
	if e.loaded {
		return e.scored, e.loadErr
	}
	e.loaded = true
	if e.Input.Invoices == nil {
		return nil, nil
	}
	booked := dateOf(e.Tx.BookedAt)
	from, to := booked.Add(-InvoiceWindow), booked.Add(InvoiceWindow)
	invoices, err := e.Input.Invoices.OpenInvoices(ctx, e.Tx.OrganizationID, from, to)
	if err != nil {
		e.loadErr = fmt.Errorf("%w: open invoices: %w", banking.ErrScoring, err)
		return nil, e.loadErr
	}
	invoices = filterOpen(invoices, from, to)

	ids := make([]uuid.UUID, 0, len(invoices))
	seen := map[uuid.UUID]struct{}{}
	for _, inv := range invoices {
		if _, ok := seen[inv.CustomerID]; !ok {
			seen[inv.CustomerID] = struct{}{}
			ids = append(ids, inv.CustomerID)
		}
	}
	names := map[uuid.UUID]string{}
	if len(ids) > 0 {
		names, err = e.Input.Invoices.CustomerNames(ctx, ids)
		if err != nil {
			e.loadErr = fmt.Errorf("%w: customer names: %w", banking.ErrScoring, err)
			return nil, e.loadErr
		}
	}
	e.scored = ScoreInvoices(e.Tx, invoices, names)
	return e.scored, nil
}

// dateOf drops the time of day; due dates compare by calendar day.
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func filterOpen(invoices []banking.Invoice, from, to time.Time) []banking.Invoice {
	out := invoices[:0:0]
	for _, inv := range invoices {
		due := dateOf(inv.DueDate)
		if inv.OpenAmountMinor <= 0 || due.Before(from) || due.After(to) {
			continue
		}
		for _, st := range banking.OpenInvoiceStatuses {
			if inv.Status == st {
				out = append(out, inv)
				break
			}
		}
	}
	return out
}

// Classifier returns a suggestion when it applies, or nil to defer to the next one.
type Classifier func(ctx context.Context, ev *Evaluation) (*banking.Suggestion, error)

// Engine runs classifiers in order; the first non-nil suggestion wins.
type Engine struct {
	classifiers []Classifier
}

// NewEngine returns the default cascade.
func NewEngine() *Engine {
	return &Engine{classifiers: []Classifier{
		ClassifyTransfer,
		ClassifyRule,
		ClassifyInvoice,
		ClassifyProcessor,
		ClassifyUnknown,
	}}
}

// Build produces the suggestion for tx.
func (e *Engine) Build(ctx context.Context, tx banking.Transaction, in Input) (banking.Suggestion, error) {
	ev := &Evaluation{Tx: tx, Input: in}
	for _, classify := range e.classifiers {
		s, err := classify(ctx, ev)
		if err != nil {
			return banking.Suggestion{}, err
		}
		if s != nil {
			s.TransactionID = tx.ID
			s.ModelVersion = ModelVersion
			return *s, nil
		}
	}
	return banking.Suggestion{}, fmt.Errorf("%w: no classifier applied", banking.ErrScoring)
}

// ClassifyTransfer flags movements to or from an own account. It wins over
// every other signal, including exact invoice amounts.
func ClassifyTransfer(_ context.Context, ev *Evaluation) (*banking.Suggestion, error) {
	iban := banking.NormalizeIBAN(ev.Tx.CounterpartyIBAN)
	if iban == "" {
		return nil, nil
	}
	for _, own := range ev.Input.OwnIBANs {
		if banking.NormalizeIBAN(own) == iban {
			return &banking.Suggestion{
				Type:       banking.SuggestTransfer,
				PostCode:   PostCodeInternalTransfer,
				VATType:    VATUnknown,
				Confidence: confidenceTransfer,
				Reasons:    []string{"internal transfer (own account detected)"},
			}, nil
		}
	}
	return nil, nil
}

// ClassifyRule applies the first matching counterparty rule.
func ClassifyRule(_ context.Context, ev *Evaluation) (*banking.Suggestion, error) {
	rule := MatchRule(ev.Tx, ev.Input.Rules)
	if rule == nil {
		return nil, nil
	}
	s := &banking.Suggestion{
		Type:       banking.SuggestLedgerPost,
		CustomerID: rule.DefaultCustomerID,
		DealID:     rule.DefaultDealID,
		PostCode:   rule.DefaultPostCode,
		Confidence: confidenceRule,
		Reasons:    []string{"counterparty rule match"},
	}
	if rule.DefaultCustomerID != nil || rule.DefaultDealID != nil {
		s.Type = banking.SuggestInvoiceMatch
	}
	if rule.AutoAccept {
		s.Confidence = confidenceRuleAuto
	}
	if rule.DefaultPostCode != "" {
		s.Reasons = append(s.Reasons, "post: "+rule.DefaultPostCode)
	}
	return s, nil
}

// ClassifyInvoice proposes the best open invoice when it clears AcceptThreshold.
func ClassifyInvoice(ctx context.Context, ev *Evaluation) (*banking.Suggestion, error) {
	scored, err := ev.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	if len(scored) == 0 || scored[0].Score < AcceptThreshold {
		return nil, nil
	}
	top := scored[0]
	s := &banking.Suggestion{
		Type:          banking.SuggestInvoiceMatch,
		InvoiceIDs:    []uuid.UUID{top.Invoice.ID},
		InvoiceScores: toScores(scored, keptInvoiceScores),
		CustomerID:    &top.Invoice.CustomerID,
		DealID:        top.Invoice.DealID,
		Confidence:    math.Min(confidenceInvoiceCap, round4(top.Score+confidenceInvoiceBonus)),
		Reasons:       append([]string(nil), top.Reasons...),
	}
	// Open amount and payment disagree beyond tolerance: propose a partial allocation.
	if abs(top.Invoice.OpenAmountMinor-ev.Tx.AmountMinor) >= NearTolerance {
		allocated := ev.Tx.AmountMinor
		if top.Invoice.OpenAmountMinor < allocated {
			allocated = top.Invoice.OpenAmountMinor
		}
		s.Split = []banking.SplitLine{{Kind: "invoice", RefID: top.Invoice.ID, AllocatedMinor: allocated}}
	}
	return s, nil
}

// ClassifyProcessor recognises inbound payouts from payment providers.
func ClassifyProcessor(_ context.Context, ev *Evaluation) (*banking.Suggestion, error) {
	if ev.Tx.Direction != banking.DirectionIn {
		return nil, nil
	}
	desc := strings.ToLower(ev.Tx.Description)
	for _, kw := range ProcessorKeywords {
		if strings.Contains(desc, kw) {
			return &banking.Suggestion{
				Type:       banking.SuggestLedgerPost,
				PostCode:   PostCodeProcessorPayout,
				VATType:    VATZero,
				Confidence: confidenceProcessor,
				Reasons:    []string{"payment provider payout: " + kw},
			}, nil
		}
	}
	return nil, nil
}

// ClassifyUnknown always applies and keeps sub-threshold candidates for triage.
func ClassifyUnknown(ctx context.Context, ev *Evaluation) (*banking.Suggestion, error) {
	scored, err := ev.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	return &banking.Suggestion{
		Type:          banking.SuggestUnknown,
		InvoiceScores: toScores(scored, keptUnknownCandidates),
		Confidence:    confidenceUnknown,
		Reasons:       []string{"no rule or invoice match; manual choice required"},
	}, nil
}

func toScores(scored []Candidate, limit int) []banking.InvoiceScore {
	if len(scored) == 0 {
		return nil
	}
	if len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]banking.InvoiceScore, 0, len(scored))
	for _, c := range scored {
		out = append(out, banking.InvoiceScore{InvoiceID: c.Invoice.ID, Score: c.Score, Reason: c.Reason()})
	}
	return out
}
