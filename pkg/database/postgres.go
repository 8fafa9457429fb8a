package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-identity/pkg/config"
	"github.com/ekaya-inc/ekaya-identity/pkg/logging"
)

// DB is the registry's connection pool. Request handling borrows connections
// through WithTenant so row-level security sees the caller's scope.
type DB struct {
	*pgxpool.Pool
}

const (
	applicationName = "ekaya-identity"

	defaultMaxConnections = 25
	maxConnLifetime       = time.Hour
	maxConnIdleTime       = 30 * time.Minute
)

// NewConnection opens a pool against cfg and pings it. The pool is closed
// again when the ping fails.
func NewConnection(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	poolConfig, err := newPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("Opening database pool",
		zap.String("dsn", logging.SanitizeConnectionString(cfg.ConnectionString())),
		zap.Int32("max_connections", poolConfig.MaxConns))

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.New("create connection pool: " + logging.SanitizeError(err))
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ping database: %w", ctx.Err())
		}
		return nil, fmt.Errorf("ping %s:%d/%s: %s", cfg.Host, cfg.Port, cfg.Database, logging.SanitizeError(err))
	}

	return &DB{Pool: pool}, nil
}

// newPoolConfig parses cfg into pool settings. Parse errors can echo the
// password, so they are sanitized before they leave this package.
func newPoolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, errors.New("parse database config: " + logging.SanitizeError(err))
	}

	poolConfig.MaxConns = cfg.MaxConnections
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = defaultMaxConnections
	}
	poolConfig.MaxConnLifetime = maxConnLifetime
	poolConfig.MaxConnIdleTime = maxConnIdleTime
	poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName

	return poolConfig, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
