package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenStore keeps provider id tokens per client key.
type TokenStore interface {
	// Put stores token for key. A non-positive ttl or one beyond the store's
	// limit is clamped to that limit.
	Put(ctx context.Context, key, token string, ttl time.Duration) error
	// Get returns the token for key, or "" when none is stored.
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// RedisTokenStore keeps id tokens in Redis. Entries never outlive maxTTL, which
// is set to the cookie session lifetime, so a session that simply expires
// leaves nothing behind. Every replica sees the same entries.
type RedisTokenStore struct {
	client *redis.Client
	prefix string
	maxTTL time.Duration
}

// NewRedisTokenStore constructs a RedisTokenStore. A non-positive maxTTL
// selects 24h.
func NewRedisTokenStore(client *redis.Client, maxTTL time.Duration) *RedisTokenStore {
	if maxTTL <= 0 {
		maxTTL = 24 * time.Hour
	}
	return &RedisTokenStore{client: client, prefix: "portal:idtoken:", maxTTL: maxTTL}
}

// Put implements TokenStore.
func (s *RedisTokenStore) Put(ctx context.Context, key, token string, ttl time.Duration) error {
	if ttl <= 0 || ttl > s.maxTTL {
		ttl = s.maxTTL
	}
	if err := s.client.Set(ctx, s.prefix+key, token, ttl).Err(); err != nil {
		return fmt.Errorf("store id token: %w", err)
	}
	return nil
}

// Get implements TokenStore.
func (s *RedisTokenStore) Get(ctx context.Context, key string) (string, error) {
	token, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load id token: %w", err)
	}
	return token, nil
}

// Delete implements TokenStore.
func (s *RedisTokenStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete id token: %w", err)
	}
	return nil
}
