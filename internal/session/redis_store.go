package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mernickets/portal/internal/identity"
)

// Hash fields of a client's auth record.
const (
	fieldGeneration = "gen"
	fieldToken      = "token"
	fieldRole       = "role"
	fieldIdentity   = "identity"
	fieldLoading    = "loading"
)

var beginScript = redis.NewScript(`
local gen = redis.call('HINCRBY', KEYS[1], 'gen', 1)
redis.call('HDEL', KEYS[1], 'token', 'role')
if ARGV[1] == '' then
  redis.call('HDEL', KEYS[1], 'identity')
else
  redis.call('HSET', KEYS[1], 'identity', ARGV[1])
end
redis.call('HSET', KEYS[1], 'loading', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return gen
`)

var commitScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'gen') ~= ARGV[1] then
  return 0
end
if ARGV[2] == '' then
  redis.call('HDEL', KEYS[1], 'token')
else
  redis.call('HSET', KEYS[1], 'token', ARGV[2])
end
redis.call('HSET', KEYS[1], 'role', ARGV[3], 'loading', '0')
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// RedisStore keeps each client's state in a Redis hash. The generation check
// and the write run in one script, so replicas sharing Redis agree on which
// identity change is the latest.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore constructs a RedisStore whose records expire after ttl of
// inactivity.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: "portal:auth:", ttl: ttl}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

// Begin implements Store.
func (s *RedisStore) Begin(ctx context.Context, key string, principal *identity.Principal, loading bool) (uint64, error) {
	encoded := ""
	if principal != nil {
		data, err := json.Marshal(principal)
		if err != nil {
			return 0, fmt.Errorf("session: encode identity: %w", err)
		}
		encoded = string(data)
	}
	gen, err := beginScript.Run(ctx, s.client, []string{s.key(key)},
		encoded, boolFlag(loading), s.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("session: begin %s: %w", key, err)
	}
	return uint64(gen), nil
}

// Commit implements Store.
func (s *RedisStore) Commit(ctx context.Context, key string, gen uint64, token string, role Role) (bool, error) {
	applied, err := commitScript.Run(ctx, s.client, []string{s.key(key)},
		strconv.FormatUint(gen, 10), token, string(role), s.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("session: commit %s: %w", key, err)
	}
	return applied == 1, nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, key string) (State, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return State{}, fmt.Errorf("session: load %s: %w", key, err)
	}
	var st State
	if raw := fields[fieldGeneration]; raw != "" {
		gen, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("session: parse generation %q: %w", raw, err)
		}
		st.Generation = gen
	}
	if raw := fields[fieldIdentity]; raw != "" {
		var principal identity.Principal
		if err := json.Unmarshal([]byte(raw), &principal); err != nil {
			return State{}, fmt.Errorf("session: decode identity: %w", err)
		}
		st.Identity = &principal
	}
	st.Token = fields[fieldToken]
	if raw := fields[fieldRole]; raw != "" {
		st.Role = ParseRole(raw)
	}
	st.Loading = fields[fieldLoading] == "1"
	return st, nil
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
