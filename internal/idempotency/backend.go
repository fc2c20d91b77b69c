package idempotency

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Recognized values for the store setting. The relational backend is the
// default so a deployment has no mandatory dependency beyond its database.
const (
	StoreDatabase = "database"
	StoreKV       = "kv"
	StoreMemory   = "memory"
)

type BackendConfig struct {
	Store       string
	PostgresDSN string
	RedisAddr   string
	KeyPrefix   string
}

// OpenDriver selects and connects the storage backend. The choice is made
// once per process lifetime; there is no runtime switch-over. The returned
// cleanup func closes whatever connections the driver holds.
func OpenDriver(ctx context.Context, cfg BackendConfig) (Driver, func(), error) {
	store := strings.ToLower(strings.TrimSpace(cfg.Store))
	switch store {
	case "", StoreDatabase:
		driver, err := NewPostgresDriver(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return driver, driver.Close, nil
	case StoreKV:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis at %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisDriver(client, cfg.KeyPrefix), func() { _ = client.Close() }, nil
	case StoreMemory:
		return NewMemoryDriver(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown idempotency store %q (expected %s, %s or %s)", cfg.Store, StoreDatabase, StoreKV, StoreMemory)
	}
}
