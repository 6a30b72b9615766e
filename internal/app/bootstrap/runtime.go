package bootstrap

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/govbook/internal/auth"
	appconfig "github.com/wolfman30/govbook/internal/config"
	"github.com/wolfman30/govbook/internal/receipts"
	"github.com/wolfman30/govbook/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildTokenStore returns the redis token store when redis is available.
// Otherwise tokens live in memory for this process, seeded from
// GOVBOOK_TOKEN.
func BuildTokenStore(ctx context.Context, redisClient *redis.Client, cfg *appconfig.Config, logger *logging.Logger) auth.TokenStore {
	if logger == nil {
		logger = logging.Default()
	}
	if redisClient != nil {
		key := ""
		if cfg != nil {
			key = cfg.TokenKey
		}
		return auth.NewRedisStore(redisClient, key)
	}
	store := auth.NewMemoryStore()
	if cfg != nil && strings.TrimSpace(cfg.Token) != "" {
		if err := store.Save(ctx, cfg.Token, 0); err != nil {
			logger.Warn("ignoring configured token", "error", err)
		}
	} else {
		logger.Debug("no redis configured; login is kept for this process only")
	}
	return store
}

// BuildReceiptStore returns the redis receipt store, or an in-memory one.
func BuildReceiptStore(redisClient *redis.Client, cfg *appconfig.Config) receipts.Store {
	if redisClient == nil {
		return receipts.NewMemoryStore()
	}
	prefix := ""
	if cfg != nil {
		prefix = cfg.ReceiptsKey
	}
	return receipts.NewRedisStore(redisClient, prefix)
}
