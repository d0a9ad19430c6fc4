package db

import (
	"context"
	"fmt"
	"time"

	"portal-auth/internal/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	connectRetries = 10
	retryDelay     = 2 * time.Second
	pingTimeout    = 2 * time.Second
	sleep          = time.Sleep
)

// Connect opens a pgx pool and waits for the database to answer a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	var lastErr error
	for i := 0; i < connectRetries; i++ {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			sleep(retryDelay)
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}

		lastErr = err
		pool.Close()
		logger.Warn("database not ready, retrying", map[string]any{
			"attempt": i + 1,
			"error":   err.Error(),
		})
		sleep(retryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}
