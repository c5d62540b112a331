// Package banking holds the shared types for bank ingestion and reconciliation.
package banking

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultCurrency is applied when a source does not carry a currency.
const DefaultCurrency = "EUR"

// Direction of money movement relative to the own account.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// ConnectionStatus enumerates bank connection states.
type ConnectionStatus string

const (
	ConnectionConnected      ConnectionStatus = "connected"
	ConnectionError          ConnectionStatus = "error"
	ConnectionActionRequired ConnectionStatus = "action_required"
)

// TransactionStatus enumerates the lifecycle of an ingested transaction.
type TransactionStatus string

const (
	TransactionNew       TransactionStatus = "new"
	TransactionSuggested TransactionStatus = "suggested"
	TransactionLinked    TransactionStatus = "linked"
	TransactionPosted    TransactionStatus = "posted"
)

var transactionStatusOrder = map[TransactionStatus]int{
	TransactionNew:       0,
	TransactionSuggested: 1,
	TransactionLinked:    2,
	TransactionPosted:    3,
}

// Ordinal returns the position of the status in the lifecycle, -1 when unknown.
func (s TransactionStatus) Ordinal() int {
	if o, ok := transactionStatusOrder[s]; ok {
		return o
	}
	return -1
}

// CanAdvanceTo reports whether moving to next keeps the status monotonic.
func (s TransactionStatus) CanAdvanceTo(next TransactionStatus) bool {
	cur, nxt := s.Ordinal(), next.Ordinal()
	return cur >= 0 && nxt >= 0 && nxt >= cur
}

// SyncRunStatus enumerates sync run states.
type SyncRunStatus string

const (
	SyncRunRunning SyncRunStatus = "running"
	SyncRunSuccess SyncRunStatus = "success"
	SyncRunFailed  SyncRunStatus = "failed"
)

// MatchType enumerates counterparty rule match strategies.
type MatchType string

const (
	MatchIBAN         MatchType = "iban"
	MatchNameContains MatchType = "name_contains"
	MatchRegex        MatchType = "regex"
)

// SuggestionType enumerates what a transaction is proposed to represent.
type SuggestionType string

const (
	SuggestTransfer     SuggestionType = "transfer"
	SuggestInvoiceMatch SuggestionType = "invoice_match"
	SuggestLedgerPost   SuggestionType = "ledger_post"
	SuggestUnknown      SuggestionType = "unknown"
)

// InvoiceStatus enumerates collaborator invoice states relevant for matching.
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoiceOverdue InvoiceStatus = "overdue"
	InvoicePartial InvoiceStatus = "partial"
	InvoicePaid    InvoiceStatus = "paid"
)

// OpenInvoiceStatuses lists statuses eligible for matching.
var OpenInvoiceStatuses = []InvoiceStatus{InvoicePending, InvoiceOverdue, InvoicePartial}

// BankAccount is an own account transactions are booked against.
type BankAccount struct {
	ID                uuid.UUID
	Name              string
	IBAN              string
	Currency          string
	OrganizationID    *uuid.UUID
	Provider          string
	ProviderAccountID string
	ConnectionID      *uuid.UUID
	IsActive          bool
	CreatedAt         time.Time
}

// BankConnection stores the OAuth state for a provider link.
type BankConnection struct {
	ID             uuid.UUID
	OrganizationID *uuid.UUID
	Provider       string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      *time.Time
	Status         ConnectionStatus
	LastSyncedAt   *time.Time
	LastError      string
	UpdatedAt      time.Time
}

// Row is the canonical, source-independent shape produced by parsers and the API normaliser.
type Row struct {
	BookedAt         time.Time
	AmountMinor      int64
	Currency         string
	Direction        Direction
	CounterpartyName string
	CounterpartyIBAN string
	Description      string
	RemittanceInfo   string
	EndToEndID       string
	RawJSON          []byte
}

// Transaction is a stored, deduplicated bank movement.
type Transaction struct {
	ID               uuid.UUID
	BankAccountID    uuid.UUID
	OrganizationID   *uuid.UUID
	BookedAt         time.Time
	AmountMinor      int64
	Currency         string
	Direction        Direction
	CounterpartyName string
	CounterpartyIBAN string
	Description      string
	RemittanceInfo   string
	EndToEndID       string
	ReferenceHash    string
	RawJSON          []byte
	Status           TransactionStatus
	CreatedAt        time.Time
}

// SyncRun records one orchestrator invocation.
type SyncRun struct {
	ID              uuid.UUID
	OrganizationID  *uuid.UUID
	ConnectionID    uuid.UUID
	Status          SyncRunStatus
	StartedAt       time.Time
	FinishedAt      *time.Time
	NewTransactions int
	Error           string
}

// CounterpartyRule maps a counterparty to a default classification.
type CounterpartyRule struct {
	ID                uuid.UUID
	OrganizationID    *uuid.UUID
	MatchType         MatchType
	MatchValue        string
	DefaultCustomerID *uuid.UUID
	DefaultDealID     *uuid.UUID
	DefaultPostCode   string
	AutoAccept        bool
	Priority          int
}

// Invoice is the read-only collaborator view of a customer invoice.
type Invoice struct {
	ID              uuid.UUID
	Number          string
	CustomerID      uuid.UUID
	DealID          *uuid.UUID
	AmountMinor     int64
	OpenAmountMinor int64
	DueDate         time.Time
	Status          InvoiceStatus
}

// InvoiceScore is one ranked invoice candidate kept for audit.
type InvoiceScore struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
	Score     float64   `json:"score"`
	Reason    string    `json:"reason"`
}

// SplitLine is a proposed partial allocation.
type SplitLine struct {
	Kind           string    `json:"kind"`
	RefID          uuid.UUID `json:"ref_id"`
	AllocatedMinor int64     `json:"allocated_cents"`
	VATType        *string   `json:"vat_type"`
}

// Suggestion is the engine's proposal for one transaction.
type Suggestion struct {
	TransactionID uuid.UUID
	ModelVersion  string
	Type          SuggestionType
	InvoiceIDs    []uuid.UUID
	InvoiceScores []InvoiceScore
	CustomerID    *uuid.UUID
	DealID        *uuid.UUID
	PostCode      string
	VATType       string
	Split         []SplitLine
	Confidence    float64
	Reasons       []string
}

// NormalizeIBAN strips whitespace and upper-cases an IBAN.
func NormalizeIBAN(iban string) string {
	return strings.ToUpper(strings.Join(strings.Fields(iban), ""))
}
