package cli

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/forgelabs/indexforge/internal/broker"
	"github.com/forgelabs/indexforge/internal/events"
	"github.com/forgelabs/indexforge/internal/store"
)

// wireBackends opens the store, broker and event bus named by the
// configuration. The memory backends only make sense inside a single
// serve process; shared deployments use minio + redis.
func wireBackends(ctx context.Context) error {
	var err error
	st, err = newStore(ctx)
	if err != nil {
		return err
	}

	switch cfg.BrokerBackend {
	case "memory":
		brk = broker.NewMemory(broker.MemoryOptions{
			AckTimeout: cfg.AckTimeout,
			Retry:      broker.RetryPolicy{Base: cfg.RetryBase, MaxRetries: cfg.MaxRetries},
		})
		bus = events.NewMemory()
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		brk = broker.NewRedis(client, broker.RedisOptions{
			AckTimeout: cfg.AckTimeout,
			Retry:      broker.RetryPolicy{Base: cfg.RetryBase, MaxRetries: cfg.MaxRetries},
		})
		bus = events.NewRedis(client)
	default:
		return fmt.Errorf("unknown broker backend %q", cfg.BrokerBackend)
	}
	return nil
}

func newStore(ctx context.Context) (store.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemory(), nil
	case "fs":
		return store.NewFS(cfg.DataDir)
	case "minio":
		return store.NewMinIO(ctx, store.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
