// Package lookup caches the read-mostly reference data the suggestion engine
// consults for every transaction: own account IBANs and counterparty rules.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

const (
	cacheVersionKey = "banking:lookup:version"
	// BumpChannel carries invalidation events between processes.
	BumpChannel = "banking.lookup.bump"
	// DefaultTTL bounds staleness when nobody bumps the version.
	DefaultTTL = 5 * time.Minute
)

// Cache wraps Redis caching with a global version used for invalidation.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, cacheVersionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}

// BuildKey composes the cache key with the current version.
func (c *Cache) BuildKey(ctx context.Context, parts ...string) (string, error) {
	joined := strings.Join(parts, ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", joined, ver), nil
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("lookup: loader required")
	}
	if c != nil && c.client != nil {
		payload, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return json.Unmarshal(payload, dest)
		}
		if !errors.Is(err, redis.Nil) {
			return err
		}
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c != nil && c.client != nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, dest)
}

// Bump invalidates every cached entry by incrementing the version and publishing it.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, BumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// ListenForInvalidation applies version bumps published by other processes,
// e.g. an operator editing counterparty rules outside this service.
func (c *Cache) ListenForInvalidation(ctx context.Context, channel string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if channel == "" {
		channel = BumpChannel
	}
	pubsub := c.client.Subscribe(ctx, channel)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if ver, err := strconv.ParseInt(msg.Payload, 10, 64); err == nil {
					current, _ := c.client.Get(ctx, cacheVersionKey).Int64()
					if ver > current {
						_ = c.client.Set(ctx, cacheVersionKey, ver, 0).Err()
					}
					continue
				}
				_ = c.client.Incr(ctx, cacheVersionKey).Err()
			}
		}
	}()
	return nil
}

// Source loads reference data from the system of record.
type Source interface {
	ListOwnIBANs(ctx context.Context, orgID *uuid.UUID) ([]string, error)
	ListCounterpartyRules(ctx context.Context, orgID *uuid.UUID) ([]banking.CounterpartyRule, error)
}

// Lookup serves cached reference data for the suggestion engine.
type Lookup struct {
	source Source
	cache  *Cache
}

// New builds a Lookup. cache may be nil.
func New(source Source, cache *Cache) *Lookup {
	return &Lookup{source: source, cache: cache}
}

// OwnIBANs returns the normalized IBANs of the organization's own accounts.
func (l *Lookup) OwnIBANs(ctx context.Context, orgID *uuid.UUID) ([]string, error) {
	key, err := l.cache.BuildKey(ctx, "banking", "own_ibans", orgToken(orgID))
	if err != nil {
		return nil, err
	}
	var out []string
	err = l.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		ibans, err := l.source.ListOwnIBANs(ctx, orgID)
		if err != nil {
			return nil, err
		}
		normalized := make([]string, 0, len(ibans))
		for _, iban := range ibans {
			if n := banking.NormalizeIBAN(iban); n != "" {
				normalized = append(normalized, n)
			}
		}
		return normalized, nil
	})
	if err != nil {
		return nil, fmt.Errorf("own ibans: %w", err)
	}
	return out, nil
}

// Rules returns organization and global counterparty rules in evaluation order.
func (l *Lookup) Rules(ctx context.Context, orgID *uuid.UUID) ([]banking.CounterpartyRule, error) {
	key, err := l.cache.BuildKey(ctx, "banking", "rules", orgToken(orgID))
	if err != nil {
		return nil, err
	}
	var out []banking.CounterpartyRule
	err = l.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		return l.source.ListCounterpartyRules(ctx, orgID)
	})
	if err != nil {
		return nil, fmt.Errorf("counterparty rules: %w", err)
	}
	return out, nil
}

// Invalidate drops all cached lookups.
func (l *Lookup) Invalidate(ctx context.Context) error {
	return l.cache.Bump(ctx)
}

func orgToken(orgID *uuid.UUID) string {
	if orgID == nil {
		return "global"
	}
	return orgID.String()
}
