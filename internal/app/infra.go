package app

import (
	"context"
	"fmt"

	"portal-auth/internal/account"
	"portal-auth/internal/account/postgres"
	"portal-auth/internal/account/sqlite"
	"portal-auth/internal/config"
	"portal-auth/internal/db"
	"portal-auth/internal/logger"
	"portal-auth/internal/redis"
)

type Infra struct {
	Store account.Store
	Redis *redis.Client
}

func (i *Infra) Close() error {
	var err error
	if i.Redis != nil {
		err = i.Redis.Close()
	}
	if i.Store != nil {
		if cerr := i.Store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func setupInfra(ctx context.Context, cfg config.Config) (*Infra, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("account store ready", map[string]any{
		"driver": cfg.StoreDriver,
	})

	redisClient, err := redis.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	logger.Info("redis ready", nil)

	return &Infra{
		Store: store,
		Redis: redisClient,
	}, nil
}

// OpenStore opens the configured account store and applies its schema.
func OpenStore(ctx context.Context, cfg config.Config) (account.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return postgres.NewStore(pool), nil

	case "sqlite":
		return sqlite.Open(cfg.SQLitePath)

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
