package psd2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

const accountInfoPath = "/psd2/account-information/v3"

// BookingStatusBooked limits transaction listings to booked entries.
const BookingStatusBooked = "booked"

// Client is a Rabobank PSD2 client. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient swaps the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient constructs a Client. Missing credentials are reported per call.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.timeout()},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "banking.psd2"))
	return c
}

// Config returns the client configuration.
func (c *Client) Config() Config { return c.cfg }

// Account is one entry of the account list.
type Account struct {
	ResourceID string `json:"resourceId"`
	IBAN       string `json:"iban"`
	Currency   string `json:"currency"`
	Name       string `json:"name"`
	Status     string `json:"status"`
}

// Accounts lists the consented accounts.
func (c *Client) Accounts(ctx context.Context, accessToken string) ([]Account, error) {
	var payload struct {
		Accounts []Account `json:"accounts"`
		Account
	}
	if err := c.get(ctx, accessToken, accountInfoPath+"/accounts", nil, &payload); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	if len(payload.Accounts) == 0 && payload.IBAN != "" {
		return []Account{payload.Account}, nil
	}
	return payload.Accounts, nil
}

// Balances returns the raw balances document for one account, or for all
// accounts when accountID is empty.
func (c *Client) Balances(ctx context.Context, accessToken, accountID string) (json.RawMessage, error) {
	path := accountInfoPath + "/balances"
	if accountID != "" {
		path = accountInfoPath + "/accounts/" + url.PathEscape(accountID) + "/balances"
	}
	var raw json.RawMessage
	if err := c.get(ctx, accessToken, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("account balances: %w", err)
	}
	return raw, nil
}

// TransactionQuery bounds a transaction listing.
type TransactionQuery struct {
	From          time.Time
	To            time.Time
	BookingStatus string
	Limit         int
}

// Transactions returns the raw transaction document for an account.
func (c *Client) Transactions(ctx context.Context, accessToken, accountID string, q TransactionQuery) (json.RawMessage, error) {
	params := url.Values{}
	if !q.From.IsZero() {
		params.Set("dateFrom", q.From.UTC().Format(time.DateOnly))
	}
	if !q.To.IsZero() {
		params.Set("dateTo", q.To.UTC().Format(time.DateOnly))
	}
	if q.BookingStatus != "" {
		params.Set("bookingStatus", q.BookingStatus)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	path := accountInfoPath + "/accounts/" + url.PathEscape(accountID) + "/transactions"
	var raw json.RawMessage
	if err := c.get(ctx, accessToken, path, params, &raw); err != nil {
		return nil, fmt.Errorf("account transactions: %w", err)
	}
	return raw, nil
}

func (c *Client) get(ctx context.Context, accessToken, path string, query url.Values, out any) error {
	if err := c.cfg.ConfigError(); err != nil {
		return err
	}
	if accessToken == "" {
		return banking.ErrTokenMissing
	}
	endpoint := c.cfg.APIBase() + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError("GET "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError("read "+path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("rabobank request failed", slog.String("path", path), slog.Int("status", resp.StatusCode))
		return statusError(resp.StatusCode, string(body))
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, errors.Join(banking.ErrUpstream, err))
	}
	return nil
}
