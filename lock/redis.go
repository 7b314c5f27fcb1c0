package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// acquireScript checks the appointment and sets the lock in one step.
// KEYS: lock, appointment, caller info. ARGV: token, identity, ttl ms, caller info.
var acquireScript = redis.NewScript(`
local appointed = redis.call('GET', KEYS[2])
if appointed then
  if ARGV[2] == '' then return 0 end
  if appointed ~= ARGV[2] then return 2 end
end
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[3]) then
  redis.call('DEL', KEYS[2])
  redis.call('SET', KEYS[3], ARGV[4], 'PX', ARGV[3])
  return 1
end
return 0
`)

// releaseScript deletes the lock and caller info when the token matches.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1], KEYS[2])
end
return 0
`)

// RedisStore implements Store with atomic Lua scripts.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a store over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func appointKey(key string) string { return key + ":appoint" }
func callerKey(key string) string  { return key + ":caller" }

type callerInfo struct {
	Token    string `json:"token"`
	Identity string `json:"identity,omitempty"`
	Since    int64  `json:"since"`
}

func (s *RedisStore) TryAcquire(ctx context.Context, key, token, identity string, ttl time.Duration) (Result, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	info, err := json.Marshal(callerInfo{Token: token, Identity: identity, Since: time.Now().UnixMilli()})
	if err != nil {
		return Busy, err
	}
	res, err := acquireScript.Run(ctx, s.client,
		[]string{key, appointKey(key), callerKey(key)},
		token, identity, ttl.Milliseconds(), string(info),
	).Int()
	if err != nil {
		return Busy, fmt.Errorf("failed to acquire %s in Redis: %v", key, err)
	}
	switch res {
	case 1:
		return Acquired, nil
	case 2:
		return Mismatch, nil
	}
	return Busy, nil
}

func (s *RedisStore) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{key, callerKey(key)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release %s in Redis: %v", key, err)
	}
	return nil
}

func (s *RedisStore) Appoint(ctx context.Context, key, identity string, ttl time.Duration) error {
	if err := s.client.Set(ctx, appointKey(key), identity, ttl).Err(); err != nil {
		return fmt.Errorf("failed to appoint %s in Redis: %v", key, err)
	}
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
