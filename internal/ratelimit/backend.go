package ratelimit

import (
	"context"
	"fmt"

	"github.com/maltehedderich/ratelimitd/internal/config"
	"github.com/maltehedderich/ratelimitd/internal/logger"
)

// NewStorage creates the storage backend selected by cfg.
func NewStorage(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	log := logger.Get().WithComponent("ratelimit")

	switch cfg.Backend {
	case "", "memory":
		log.Info("using in-memory rate limit storage", logger.Fields{
			"sweep_interval": cfg.Memory.SweepInterval.String(),
			"shards":         cfg.Memory.Shards,
		})
		return NewMemoryStorage(
			WithSweepInterval(cfg.Memory.SweepInterval),
			WithShards(cfg.Memory.Shards),
		), nil

	case "redis":
		storage, err := NewRedisStorage(RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		log.Info("using Redis rate limit storage", logger.Fields{
			"addr": cfg.Redis.Addr,
			"db":   cfg.Redis.DB,
		})
		return storage, nil

	case "dynamodb":
		storage, err := NewDynamoDBStorage(ctx, DynamoDBConfig{
			Table:    cfg.DynamoDB.Table,
			Region:   cfg.DynamoDB.Region,
			Endpoint: cfg.DynamoDB.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		log.Info("using DynamoDB rate limit storage", logger.Fields{
			"table":  cfg.DynamoDB.Table,
			"region": cfg.DynamoDB.Region,
		})
		return storage, nil

	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
