// Package database provides the PostgreSQL connection pool.
//
// All server-side stores share one pgxpool.Pool. Pool sizing is tuned for
// a single-node deployment: enough connections for the HTTP handlers plus
// the background workers, with idle connections recycled so a quiet server
// holds only MinConns.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	maxConns        = 10
	minConns        = 2
	maxConnLifetime = 30 * time.Minute
	maxConnIdleTime = 5 * time.Minute
	healthCheck     = time.Minute
	pingTimeout     = 5 * time.Second
)

// NewPool creates a PostgreSQL connection pool and verifies connectivity.
// connString is a key=value DSN or postgres:// URL (pgxpool accepts both).
// The caller owns the pool and must Close it on shutdown.
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.MaxConnLifetime = maxConnLifetime
	cfg.MaxConnIdleTime = maxConnIdleTime
	cfg.HealthCheckPeriod = healthCheck

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	// Fail fast on unreachable database instead of at first query
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}
