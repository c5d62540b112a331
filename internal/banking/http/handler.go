// Package bankinghttp exposes bank statement import, sync, suggestion and
// PSD2 consent endpoints.
package bankinghttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/bankrecon/internal/banking"
	"github.com/odyssey-erp/bankrecon/internal/banking/banksync"
	"github.com/odyssey-erp/bankrecon/internal/banking/ingest"
	"github.com/odyssey-erp/bankrecon/internal/banking/psd2"
	"github.com/odyssey-erp/bankrecon/internal/platform/httpx"
)

const (
	// MaxUploadBytes caps statement uploads.
	MaxUploadBytes = 10 << 20
	// OrganizationHeader optionally scopes a request to one organization.
	OrganizationHeader = "X-Organization-ID"
	maxBatchLimit      = 1000
)

type importer interface {
	EnsureBankAccount(ctx context.Context, params ingest.EnsureAccountParams) (uuid.UUID, error)
	ImportFile(ctx context.Context, accountID uuid.UUID, orgID *uuid.UUID, data []byte, filename string) (ingest.FileResult, error)
}

type syncer interface {
	SyncConnection(ctx context.Context, connectionID uuid.UUID) (banksync.Result, error)
	SyncAll(ctx context.Context) ([]banksync.Result, error)
}

type suggester interface {
	RunForTransaction(ctx context.Context, id uuid.UUID) (banking.Suggestion, error)
	RunBatch(ctx context.Context, limit int) (banking.BatchResult, error)
}

type bankAPI interface {
	AuthorizationURL(redirectURI, state string, scopes ...string) (string, error)
	ExchangeCode(ctx context.Context, code, redirectURI string) (psd2.Token, error)
	Accounts(ctx context.Context, accessToken string) ([]psd2.Account, error)
	CheckMTLS(ctx context.Context) psd2.MTLSResult
}

type connectionStore interface {
	CreateConnection(ctx context.Context, orgID *uuid.UUID, provider string, token psd2.Token) (*banking.BankConnection, error)
}

type oauthStates interface {
	Issue(ctx context.Context, orgID *uuid.UUID) (string, error)
	Consume(ctx context.Context, state string) (*uuid.UUID, bool, error)
}

// Params groups the handler dependencies.
type Params struct {
	Logger      *slog.Logger
	Importer    importer
	Syncer      syncer
	Suggester   suggester
	BankAPI     bankAPI
	Connections connectionStore
	States      oauthStates
	RedirectURI string
}

// Handler serves the banking endpoints.
type Handler struct {
	logger      *slog.Logger
	importer    importer
	syncer      syncer
	suggester   suggester
	api         bankAPI
	connections connectionStore
	states      oauthStates
	redirectURI string
	validate    *validator.Validate
	rateLimit   func(http.Handler) http.Handler
}

// NewHandler constructs a Handler.
func NewHandler(p Params) *Handler {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger.With(slog.String("component", "banking.http")),
		importer:    p.Importer,
		syncer:      p.Syncer,
		suggester:   p.Suggester,
		api:         p.BankAPI,
		connections: p.Connections,
		states:      p.States,
		redirectURI: p.RedirectURI,
		validate:    validator.New(),
		rateLimit:   httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/accounts", h.createAccount)
	r.Post("/imports", h.uploadStatement)
	r.Post("/transactions/{transactionID}/suggest", h.suggestTransaction)
	r.Get("/oauth/connect", h.oauthConnect)
	r.Get("/oauth/callback", h.oauthCallback)
	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Post("/sync", h.syncAll)
		r.Post("/connections/{connectionID}/sync", h.syncConnection)
		r.Post("/suggestions/run", h.runSuggestions)
		r.Get("/mtls-check", h.mtlsCheck)
	})
}

type accountRequest struct {
	Name     string `json:"name" validate:"omitempty,max=120"`
	IBAN     string `json:"iban" validate:"required,min=5,max=42"`
	Currency string `json:"currency" validate:"omitempty,len=3"`
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}
	var req accountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	id, err := h.importer.EnsureBankAccount(r.Context(), ingest.EnsureAccountParams{
		Name:           req.Name,
		IBAN:           req.IBAN,
		Currency:       strings.ToUpper(req.Currency),
		OrganizationID: orgID,
	})
	if err != nil {
		h.respondError(w, "ensure account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"account_id": id})
}

func (h *Handler) uploadStatement(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Problem(w, http.StatusRequestEntityTooLarge, "Upload Too Large", "statement files are limited to 10 MB")
			return
		}
		httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", "multipart form expected")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", "file field is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", "could not read file")
		return
	}

	accountID, err := h.resolveUploadAccount(r, orgID)
	if err != nil {
		h.respondError(w, "resolve account", err)
		return
	}
	res, err := h.importer.ImportFile(r.Context(), accountID, orgID, data, header.Filename)
	if err != nil {
		h.respondError(w, "import statement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"account_id": accountID, "result": res})
}

// resolveUploadAccount takes account_id when given, otherwise provisions the
// account named by the iban field.
func (h *Handler) resolveUploadAccount(r *http.Request, orgID *uuid.UUID) (uuid.UUID, error) {
	if raw := strings.TrimSpace(r.FormValue("account_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, fmt.Errorf("account_id: %w", httpx.ErrValidation)
		}
		return id, nil
	}
	iban := strings.TrimSpace(r.FormValue("iban"))
	if iban == "" {
		return uuid.Nil, fmt.Errorf("account_id or iban required: %w", httpx.ErrValidation)
	}
	return h.importer.EnsureBankAccount(r.Context(), ingest.EnsureAccountParams{
		Name:           r.FormValue("account_name"),
		IBAN:           iban,
		OrganizationID: orgID,
	})
}

func (h *Handler) syncConnection(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "connectionID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Connection", "connection id must be a uuid")
		return
	}
	res, err := h.syncer.SyncConnection(r.Context(), id)
	if err != nil {
		h.respondError(w, "sync connection", err, slog.String("connection_id", id.String()))
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) syncAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.syncer.SyncAll(r.Context())
	if err != nil {
		h.respondError(w, "sync all", err)
		return
	}
	if results == nil {
		results = []banksync.Result{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"results": results})
}

type suggestionResponse struct {
	TransactionID uuid.UUID              `json:"transaction_id"`
	ModelVersion  string                 `json:"model_version"`
	Type          banking.SuggestionType `json:"type"`
	InvoiceIDs    []uuid.UUID            `json:"invoice_ids,omitempty"`
	InvoiceScores []banking.InvoiceScore `json:"invoice_scores,omitempty"`
	CustomerID    *uuid.UUID             `json:"customer_id,omitempty"`
	DealID        *uuid.UUID             `json:"deal_id,omitempty"`
	PostCode      string                 `json:"post_code,omitempty"`
	VATType       string                 `json:"vat_type,omitempty"`
	Split         []banking.SplitLine    `json:"split,omitempty"`
	Confidence    float64                `json:"confidence"`
	Reasons       []string               `json:"reasons"`
}

func newSuggestionResponse(s banking.Suggestion) suggestionResponse {
	return suggestionResponse{
		TransactionID: s.TransactionID,
		ModelVersion:  s.ModelVersion,
		Type:          s.Type,
		InvoiceIDs:    s.InvoiceIDs,
		InvoiceScores: s.InvoiceScores,
		CustomerID:    s.CustomerID,
		DealID:        s.DealID,
		PostCode:      s.PostCode,
		VATType:       s.VATType,
		Split:         s.Split,
		Confidence:    s.Confidence,
		Reasons:       s.Reasons,
	}
}

func (h *Handler) suggestTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Transaction", "transaction id must be a uuid")
		return
	}
	s, err := h.suggester.RunForTransaction(r.Context(), id)
	if err != nil {
		h.respondError(w, "suggest transaction", err, slog.String("transaction_id", id.String()))
		return
	}
	httpx.JSON(w, http.StatusOK, newSuggestionResponse(s))
}

type batchRequest struct {
	Limit int `json:"limit" validate:"omitempty,min=1,max=1000"`
}

type batchResponse struct {
	Processed int                 `json:"processed"`
	Failed    int                 `json:"failed"`
	Items     []banking.BatchItem `json:"items"`
}

func (h *Handler) runSuggestions(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("limit must be between 1 and %d", maxBatchLimit))
		return
	}
	if req.Limit == 0 {
		req.Limit = banking.DefaultSuggestionBatch
	}
	res, err := h.suggester.RunBatch(r.Context(), req.Limit)
	if err != nil {
		h.respondError(w, "suggestion batch", err)
		return
	}
	items := res.Items
	if items == nil {
		items = []banking.BatchItem{}
	}
	httpx.JSON(w, http.StatusOK, batchResponse{Processed: res.Processed, Failed: res.Failed, Items: items})
}

func (h *Handler) oauthConnect(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}
	state, err := h.states.Issue(r.Context(), orgID)
	if err != nil {
		h.respondError(w, "issue oauth state", err)
		return
	}
	var scopes []string
	if raw := strings.TrimSpace(r.URL.Query().Get("scope")); raw != "" {
		scopes = strings.Fields(raw)
	}
	target, err := h.api.AuthorizationURL(h.redirectURI, state, scopes...)
	if err != nil {
		h.respondError(w, "authorization url", err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

type linkedAccount struct {
	AccountID uuid.UUID `json:"account_id"`
	IBAN      string    `json:"iban"`
}

func (h *Handler) oauthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		httpx.Problem(w, http.StatusBadRequest, "Authorization Denied", e)
		return
	}
	orgID, ok, err := h.states.Consume(r.Context(), q.Get("state"))
	if err != nil {
		h.respondError(w, "consume oauth state", err)
		return
	}
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid State", "authorization state is unknown or expired")
		return
	}
	code := q.Get("code")
	if code == "" {
		httpx.Problem(w, http.StatusBadRequest, "Missing Code", "authorization code is required")
		return
	}

	ctx := r.Context()
	token, err := h.api.ExchangeCode(ctx, code, h.redirectURI)
	if err != nil {
		h.respondError(w, "exchange code", err)
		return
	}
	conn, err := h.connections.CreateConnection(ctx, orgID, psd2.Provider, token)
	if err != nil {
		h.respondError(w, "create connection", err)
		return
	}
	logger := h.logger.With(slog.String("connection_id", conn.ID.String()))

	accounts, err := h.api.Accounts(ctx, token.AccessToken)
	if err != nil {
		h.respondError(w, "list consented accounts", err, slog.String("connection_id", conn.ID.String()))
		return
	}
	linked := make([]linkedAccount, 0, len(accounts))
	for _, acc := range accounts {
		if acc.IBAN == "" {
			continue
		}
		id, err := h.importer.EnsureBankAccount(ctx, ingest.EnsureAccountParams{
			Name:              acc.Name,
			IBAN:              acc.IBAN,
			Currency:          acc.Currency,
			OrganizationID:    orgID,
			Provider:          psd2.Provider,
			ProviderAccountID: acc.ResourceID,
			ConnectionID:      &conn.ID,
		})
		if err != nil {
			logger.Warn("link consented account", slog.String("resource_id", acc.ResourceID), slog.Any("error", err))
			continue
		}
		linked = append(linked, linkedAccount{AccountID: id, IBAN: banking.NormalizeIBAN(acc.IBAN)})
	}
	logger.Info("bank connection authorized", slog.Int("accounts", len(linked)))
	httpx.JSON(w, http.StatusOK, map[string]any{"connection_id": conn.ID, "accounts": linked})
}

func (h *Handler) mtlsCheck(w http.ResponseWriter, r *http.Request) {
	res := h.api.CheckMTLS(r.Context())
	status := http.StatusOK
	if !res.OK {
		status = http.StatusBadGateway
	}
	httpx.JSON(w, status, res)
}

// organization reads the optional organization header. It writes a problem
// response and returns false when the header is malformed.
func (h *Handler) organization(w http.ResponseWriter, r *http.Request) (*uuid.UUID, bool) {
	raw := strings.TrimSpace(r.Header.Get(OrganizationHeader))
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Organization", OrganizationHeader+" must be a uuid")
		return nil, false
	}
	return &id, true
}

var errorMapper = httpx.NewErrorMapper(
	httpx.Rule{Status: http.StatusBadRequest, Title: "Invalid Statement", Expose: true, Match: []error{banking.ErrParse}},
	httpx.Rule{Status: http.StatusNotFound, Title: "Not Found", Match: []error{
		banking.ErrTransactionNotFound, banking.ErrConnectionNotFound, banking.ErrNotFound,
	}},
	httpx.Rule{Status: http.StatusConflict, Title: "Sync In Progress", Match: []error{banking.ErrSyncInProgress}},
	httpx.Rule{Status: http.StatusUnprocessableEntity, Title: "Unsupported Provider", Match: []error{banking.ErrUnsupportedProvider}},
	httpx.Rule{Status: http.StatusServiceUnavailable, Title: "Bank API Not Configured", Match: []error{banking.ErrCredentials}},
	httpx.Rule{Status: http.StatusUnauthorized, Title: "Bank Authorization Required", Match: []error{
		banking.ErrTokenMissing, banking.ErrTokenInvalid,
	}},
	httpx.Rule{Status: http.StatusTooManyRequests, Title: "Bank API Rate Limited", Match: []error{banking.ErrRateLimited}},
	httpx.Rule{Status: http.StatusBadGateway, Title: "Bank API Error", Match: []error{
		banking.ErrForbidden, banking.ErrUpstream, banking.ErrTransport,
	}},
)

func (h *Handler) respondError(w http.ResponseWriter, op string, err error, attrs ...any) {
	status := errorMapper.Respond(w, err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op, append(attrs, slog.Any("error", err))...)
	} else {
		h.logger.Warn(op, append(attrs, slog.Any("error", err))...)
	}
}
