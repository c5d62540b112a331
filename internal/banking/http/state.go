package bankinghttp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	stateKeyPrefix = "bankrecon:oauth_state:"
	// StateTTL bounds how long an authorization round trip may take.
	StateTTL = 10 * time.Minute
	noOrg    = "-"
)

// StateStore issues single-use OAuth state values backed by Redis.
type StateStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewStateStore constructs a store with the default TTL.
func NewStateStore(client redis.UniversalClient) *StateStore {
	return &StateStore{client: client, ttl: StateTTL}
}

// Issue stores a fresh random state bound to orgID.
func (s *StateStore) Issue(ctx context.Context, orgID *uuid.UUID) (string, error) {
	state := uuid.NewString()
	value := noOrg
	if orgID != nil {
		value = orgID.String()
	}
	if err := s.client.Set(ctx, stateKeyPrefix+state, value, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("oauth state: store: %w", err)
	}
	return state, nil
}

// Consume deletes state and returns the organization it was issued for.
// ok is false for unknown, expired or already used values.
func (s *StateStore) Consume(ctx context.Context, state string) (*uuid.UUID, bool, error) {
	if state == "" {
		return nil, false, nil
	}
	value, err := s.client.GetDel(ctx, stateKeyPrefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("oauth state: consume: %w", err)
	}
	if value == noOrg {
		return nil, true, nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return nil, false, fmt.Errorf("oauth state: corrupt value: %w", err)
	}
	return &id, true, nil
}
