// Package shared holds cross-service helpers used by the banking services.
package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("lock held by another worker")

// ConnectionRefreshLockKey builds redis keys guarding token refresh for a bank connection.
func ConnectionRefreshLockKey(connectionID uuid.UUID) string {
	return fmt.Sprintf("banking:connection:%s:refresh:lock", connectionID)
}

// ConnectionSyncLockKey builds redis keys guarding a running sync for a bank connection.
func ConnectionSyncLockKey(connectionID uuid.UUID) string {
	return fmt.Sprintf("banking:connection:%s:sync:lock", connectionID)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker hands out short-lived SET NX locks.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker wraps a redis client. A nil client yields a locker that always succeeds.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire takes key for ttl. The returned release func only deletes the key
// while this holder still owns it.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token).Err()
	}, nil
}
