package psd2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/bankrecon/internal/banking"
	"github.com/odyssey-erp/bankrecon/internal/shared"
)

// RefreshLeeway is how close to expiry a token may get before it is refreshed.
const RefreshLeeway = 5 * time.Minute

const (
	refreshLockTTL  = 30 * time.Second
	lockWaitBackoff = 250 * time.Millisecond
	lockWaitRounds  = 20
)

// TokenStore persists rotated tokens and re-reads a connection.
type TokenStore interface {
	GetConnection(ctx context.Context, id uuid.UUID) (*banking.BankConnection, error)
	SaveTokens(ctx context.Context, id uuid.UUID, token Token) error
}

// Refresher performs the refresh_token grant.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (Token, error)
}

// Locker serialises refreshes across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// TokenManager hands out usable access tokens, refreshing at most once per
// connection at a time.
type TokenManager struct {
	refresher Refresher
	store     TokenStore
	locker    Locker
	group     singleflight.Group
	logger    *slog.Logger
	now       func() time.Time
}

// NewTokenManager wires a TokenManager. locker may be nil for single-process use.
func NewTokenManager(refresher Refresher, store TokenStore, locker Locker, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		refresher: refresher,
		store:     store,
		locker:    locker,
		logger:    logger.With(slog.String("component", "banking.tokens")),
		now:       time.Now,
	}
}

// WithClock overrides the clock for tests.
func (m *TokenManager) WithClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// EnsureAccessToken returns an access token for conn, refreshing it when it
// expires within RefreshLeeway and a refresh token exists. Without a refresh
// token the stored token is returned as-is and the API call decides.
func (m *TokenManager) EnsureAccessToken(ctx context.Context, conn *banking.BankConnection) (string, error) {
	if conn == nil || conn.AccessToken == "" {
		return "", banking.ErrTokenMissing
	}
	if !m.needsRefresh(conn) {
		return conn.AccessToken, nil
	}

	v, err, _ := m.group.Do(conn.ID.String(), func() (any, error) {
		return m.refresh(ctx, conn)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *TokenManager) needsRefresh(conn *banking.BankConnection) bool {
	if conn.RefreshToken == "" || conn.ExpiresAt == nil {
		return false
	}
	return conn.ExpiresAt.Sub(m.now()) < RefreshLeeway
}

func (m *TokenManager) refresh(ctx context.Context, conn *banking.BankConnection) (string, error) {
	release, err := m.acquire(ctx, conn.ID)
	if err != nil {
		return "", err
	}
	defer release()

	// Another process may have rotated the token while we waited for the lock.
	if current, err := m.store.GetConnection(ctx, conn.ID); err == nil && current != nil && !m.needsRefresh(current) && current.AccessToken != "" {
		*conn = *current
		return current.AccessToken, nil
	}

	tok, err := m.refresher.RefreshToken(ctx, conn.RefreshToken)
	if err != nil {
		m.logger.Warn("token refresh failed", slog.String("connection_id", conn.ID.String()), slog.Any("error", err))
		if errors.Is(err, banking.ErrTransport) || errors.Is(err, banking.ErrUpstream) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", banking.ErrTokenInvalid, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: refresh returned no access token", banking.ErrTokenInvalid)
	}
	if err := m.store.SaveTokens(ctx, conn.ID, tok); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	expires := tok.ExpiresAt
	conn.AccessToken = tok.AccessToken
	conn.RefreshToken = tok.RefreshToken
	conn.ExpiresAt = &expires
	conn.Status = banking.ConnectionConnected
	m.logger.Info("token refreshed", slog.String("connection_id", conn.ID.String()), slog.Time("expires_at", expires))
	return tok.AccessToken, nil
}

func (m *TokenManager) acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	if m.locker == nil {
		return func() {}, nil
	}
	key := shared.ConnectionRefreshLockKey(id)
	for i := 0; i < lockWaitRounds; i++ {
		release, err := m.locker.Acquire(ctx, key, refreshLockTTL)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, shared.ErrLockHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockWaitBackoff):
		}
	}
	return nil, fmt.Errorf("refresh lock for connection %s: %w", id, shared.ErrLockHeld)
}
