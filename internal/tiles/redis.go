package tiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSource shares tile bytes between processes with a TTL.
type RedisSource struct {
	rc     *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisSource wraps rc. A zero ttl keeps tiles without expiry.
func NewRedisSource(rc *redis.Client, ttl time.Duration) *RedisSource {
	return &RedisSource{rc: rc, ttl: ttl, prefix: "tile:"}
}

func (s *RedisSource) key(k Key) string {
	return s.prefix + k.String()
}

// Fetch implements Source.
func (s *RedisSource) Fetch(ctx context.Context, k Key) ([]byte, error) {
	data, err := s.rc.Get(ctx, s.key(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", k, err)
	}
	return data, nil
}

// Store implements Writer.
func (s *RedisSource) Store(ctx context.Context, k Key, data []byte) error {
	if err := s.rc.Set(ctx, s.key(k), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", k, err)
	}
	return nil
}
