package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists the token under a single key so several CLI runs on a
// kiosk share one login.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a redis-backed token store.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if client == nil {
		panic("auth: redis client required")
	}
	if strings.TrimSpace(key) == "" {
		key = "govbook:token"
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Token(ctx context.Context) (string, error) {
	token, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrAuth
	}
	if err != nil {
		return "", fmt.Errorf("auth: read token: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		return "", ErrAuth
	}
	return token, nil
}

// Save stores the token; ttl <= 0 keeps it until cleared.
func (s *RedisStore) Save(ctx context.Context, token string, ttl time.Duration) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: refusing to store empty token", ErrAuth)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key, token, ttl).Err(); err != nil {
		return fmt.Errorf("auth: save token: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("auth: clear token: %w", err)
	}
	return nil
}
