package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stockfolio/portfolio-engine/internal/config"
	"github.com/stockfolio/portfolio-engine/internal/store"
)

const defaultSQLiteDSN = "portfolio.db"

// openStore selects the backend named by cfg.Database.Driver and wraps it with
// the Redis cache when one is configured. The returned cleanup closes every
// connection that was opened.
func openStore(ctx context.Context, cfg *config.Config, migrate bool, logger *zap.Logger) (store.Store, func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("database ping failed: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if migrate {
			if err := pg.Migrate(ctx); err != nil {
				closeAll()
				return nil, nil, err
			}
		}
		st = pg
		logger.Info("connected to PostgreSQL")

	case config.DriverSQLite:
		dsn := cfg.Database.URL
		if dsn == "" {
			dsn = defaultSQLiteDSN
		}
		gs, err := store.OpenSQLite(dsn, migrate)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() {
			if err := gs.Close(); err != nil {
				logger.Warn("failed to close sqlite", zap.Error(err))
			}
		})
		st = gs
		logger.Info("opened SQLite database", zap.String("dsn", dsn))

	default:
		logger.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
		logger.Info("Redis cache enabled", zap.Duration("ttl", cfg.Redis.TTL))
	}

	return st, closeAll, nil
}
