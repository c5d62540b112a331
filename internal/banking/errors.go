package banking

import "errors"

var (
	// ErrParse marks a malformed input row or file.
	ErrParse = errors.New("banking: parse error")
	// ErrDuplicate marks an insert rejected by the reference hash constraint.
	ErrDuplicate = errors.New("banking: duplicate transaction")
	// ErrCredentials indicates missing OAuth client configuration.
	ErrCredentials = errors.New("banking: bank api credentials not configured")
	// ErrTokenMissing indicates a connection without an access token.
	ErrTokenMissing = errors.New("banking: no access token")
	// ErrTokenInvalid indicates an expired, revoked or unrefreshable token.
	ErrTokenInvalid = errors.New("banking: invalid or expired access token")
	// ErrForbidden maps HTTP 403 from the bank api.
	ErrForbidden = errors.New("banking: insufficient permissions")
	// ErrNotFound maps HTTP 404 from the bank api and missing local records.
	ErrNotFound = errors.New("banking: resource not found")
	// ErrRateLimited maps HTTP 429 from the bank api.
	ErrRateLimited = errors.New("banking: rate limit exceeded")
	// ErrUpstream maps HTTP 5xx from the bank api.
	ErrUpstream = errors.New("banking: bank api server error")
	// ErrTransport covers timeouts, connection failures and unmapped statuses.
	ErrTransport = errors.New("banking: transport error")
	// ErrScoring marks a failure while building a suggestion.
	ErrScoring = errors.New("banking: scoring failed")
	// ErrUnsupportedProvider is returned for connections without a sync implementation.
	ErrUnsupportedProvider = errors.New("banking: unsupported provider")
	// ErrConnectionNotFound is returned when a connection id does not resolve.
	ErrConnectionNotFound = errors.New("banking: connection not found")
	// ErrSyncInProgress is returned when another worker is already syncing the connection.
	ErrSyncInProgress = errors.New("banking: sync already in progress")
	// ErrTransactionNotFound is returned when a transaction id does not resolve.
	ErrTransactionNotFound = errors.New("banking: transaction not found")
)

// IsTokenError reports whether err should move a connection to action_required.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenMissing) || errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrCredentials)
}
