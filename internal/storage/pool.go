// Package storage is the PostgreSQL persistence gateway for ollyllm.
//
// It owns the mapping from domain values to rows: span batches are written
// with COPY inside a single transaction, test executions are queued durably
// before acknowledgement, and queue claims use FOR UPDATE SKIP LOCKED so that
// concurrent workers never receive the same entry.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// applicationName is reported to Postgres in pg_stat_activity.
const applicationName = "ollyllm"

// DB wraps a pgxpool.Pool shared by every concurrent RPC. Connections are
// acquired per call and released on every exit path by pgx itself.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a DB with a connection pool and verifies connectivity.
// Pool sizing is taken from the DSN (pool_max_conns, pool_min_conns, ...).
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	logger.Info("storage: connected",
		"max_conns", poolCfg.MaxConns,
		"host", poolCfg.ConnConfig.Host,
		"database", poolCfg.ConnConfig.Database,
	)

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// Close shuts down the connection pool. In-flight queries finish first.
func (db *DB) Close() {
	db.pool.Close()
}
