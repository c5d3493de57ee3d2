package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/compressd/internal/config"
	"github.com/kiranshivaraju/compressd/internal/connmgr"
)

const pingTimeout = 30 * time.Second

func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Connector describes the Postgres connection for a connmgr.Manager. A dial
// only succeeds once the pool answers a ping and, when enabled, migrations
// have been applied.
func Connector(cfg config.DatabaseConfig) (*connmgr.Config[*pgxpool.Pool], error) {
	if cfg.URL == "" {
		return nil, &connmgr.ConfigurationError{Component: "postgres", Field: "DATABASE_URL"}
	}
	return &connmgr.Config[*pgxpool.Pool]{
		Name: "postgres",
		Dial: func(ctx context.Context) (*pgxpool.Pool, error) {
			pool, err := Connect(ctx, cfg)
			if err != nil {
				return nil, err
			}
			if cfg.AutoMigrate {
				if err := RunMigrations(cfg.URL); err != nil {
					pool.Close()
					return nil, fmt.Errorf("run migrations: %w", err)
				}
			}
			return pool, nil
		},
		Close: func(p *pgxpool.Pool) { p.Close() },
	}, nil
}
