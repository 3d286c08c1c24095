package locks

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a Redis client.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis store: nil client")
	}
	return &RedisStore{client: client}, nil
}

// deleteIfOwnedScript deletes a key only when its value matches, atomically
// server-side.
var deleteIfOwnedScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// SetIfAbsent is SET NX with a TTL.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Get returns the value, or "" when the key is absent.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

// Expire extends the TTL of an existing key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.Expire(ctx, key, ttl).Result()
}

// DeleteIfOwned deletes the key only if it still holds value.
func (s *RedisStore) DeleteIfOwned(ctx context.Context, key, value string) (bool, error) {
	n, err := deleteIfOwnedScript.Run(ctx, s.client, []string{key}, value).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ping checks store reachability.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
