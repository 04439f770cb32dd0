package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript sets the holder when the key is free or already ours and
// refreshes the expiry. Returns 1 on success, 0 when someone else holds it.
var acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or current == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

// releaseScript deletes the key only for its holder. Returns 1 when deleted
// or already free, 0 when another user holds it.
var releaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
	return 1
end
if current == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

// RedisStore implements the draft lock on Redis so every API process sees
// the same holder.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "docflow:lock:",
	}
}

// Client exposes the connection so other Redis-backed components share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(handleID string) string {
	return s.prefix + handleID
}

func (s *RedisStore) Acquire(ctx context.Context, handleID, userID string, ttl time.Duration) error {
	ok, err := acquireScript.Run(ctx, s.client, []string{s.key(handleID)}, userID, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("acquire draft lock: %w", err)
	}
	if ok == 0 {
		return ErrHeld
	}
	return nil
}

func (s *RedisStore) Force(ctx context.Context, handleID, userID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(handleID), userID, ttl).Err(); err != nil {
		return fmt.Errorf("force draft lock: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, handleID, userID string) error {
	ok, err := releaseScript.Run(ctx, s.client, []string{s.key(handleID)}, userID).Int()
	if err != nil {
		return fmt.Errorf("release draft lock: %w", err)
	}
	if ok == 0 {
		return ErrHeld
	}
	return nil
}

func (s *RedisStore) Holder(ctx context.Context, handleID string) (string, error) {
	holder, err := s.client.Get(ctx, s.key(handleID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read draft lock: %w", err)
	}
	return holder, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
