package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	streamPrefix = "stream:"
	flagsSuffix  = ":flags"
)

// RedisStore keeps each stream in a redis stream plus a hash of flags.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a store over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func streamKey(name string) string { return streamPrefix + name }
func flagsKey(name string) string  { return streamPrefix + name + flagsSuffix }

func (s *RedisStore) Append(ctx context.Context, name string, m Message, ttl time.Duration) (string, error) {
	key := streamKey(name)
	var add *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		add = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			Values: map[string]interface{}{"status": string(m.Status), "payload": string(m.Payload)},
		})
		pipe.Expire(ctx, key, ttl)
		pipe.Expire(ctx, flagsKey(name), ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to append to %s in Redis: %v", key, err)
	}
	return add.Val(), nil
}

func (s *RedisStore) Read(ctx context.Context, name, after string, timeout time.Duration) (Message, error) {
	if after == "" {
		after = "0"
	}
	block := timeout
	if block < time.Millisecond {
		// Block 0 would wait forever.
		block = -1
	}
	res, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{streamKey(name), after},
		Count:   1,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return Message{}, ErrReadTimeout
	} else if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, fmt.Errorf("failed to read %s from Redis: %v", name, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return Message{}, ErrReadTimeout
	}
	x := res[0].Messages[0]
	status, _ := x.Values["status"].(string)
	payload, _ := x.Values["payload"].(string)
	return Message{ID: x.ID, Status: Status(status), Payload: []byte(payload)}, nil
}

func (s *RedisStore) SetFlag(ctx context.Context, name, flag string, ttl time.Duration) (bool, bool, error) {
	key := flagsKey(name)
	var all *redis.StringStringMapCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, flag, "1")
		pipe.Expire(ctx, key, ttl)
		all = pipe.HGetAll(ctx, key)
		return nil
	})
	if err != nil {
		return false, false, fmt.Errorf("failed to set %s on %s in Redis: %v", flag, key, err)
	}
	flags := all.Val()
	return flags[FlagSender] == "1", flags[FlagReader] == "1", nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, streamKey(name), flagsKey(name)).Err(); err != nil {
		return fmt.Errorf("failed to delete stream %s from Redis: %v", name, err)
	}
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
