package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/dataflow-engine/storage"
)

const keyPrefix = "cache:node:"

// RedisStore keeps entries in redis, zstd-compressed.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a store over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to get %s from Redis: %v", key, err)
	}
	out, err := storage.Decompress(data)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, keyPrefix+key, storage.Compress(value), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s in Redis: %v", key, err)
	}
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
