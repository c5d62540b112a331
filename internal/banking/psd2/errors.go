package psd2

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

const maxErrorBody = 2048

// APIError describes a non-2xx answer from the bank.
type APIError struct {
	Status int
	Body   string
	Err    error
}

func (e *APIError) Error() string {
	switch {
	case errors.Is(e.Err, banking.ErrTokenInvalid):
		return "rabobank api: invalid or expired access token"
	case errors.Is(e.Err, banking.ErrForbidden):
		return "rabobank api: insufficient permissions"
	case errors.Is(e.Err, banking.ErrNotFound):
		return "rabobank api: resource not found"
	case errors.Is(e.Err, banking.ErrRateLimited):
		return "rabobank api: rate limit exceeded"
	case errors.Is(e.Err, banking.ErrUpstream):
		return fmt.Sprintf("rabobank api: server error (%d)", e.Status)
	default:
		return fmt.Sprintf("rabobank api: request failed (%d): %s", e.Status, e.Body)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// statusError maps an HTTP status onto the banking error taxonomy.
func statusError(status int, body string) *APIError {
	var kind error
	switch {
	case status == http.StatusUnauthorized:
		kind = banking.ErrTokenInvalid
	case status == http.StatusForbidden:
		kind = banking.ErrForbidden
	case status == http.StatusNotFound:
		kind = banking.ErrNotFound
	case status == http.StatusTooManyRequests:
		kind = banking.ErrRateLimited
	case status >= http.StatusInternalServerError:
		kind = banking.ErrUpstream
	default:
		kind = banking.ErrTransport
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &APIError{Status: status, Body: body, Err: kind}
}

// transportError wraps network failures and timeouts as ErrTransport.
func transportError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("rabobank api: %s: timeout: %w", op, errors.Join(banking.ErrTransport, err))
	}
	return fmt.Errorf("rabobank api: %s: %w", op, errors.Join(banking.ErrTransport, err))
}
