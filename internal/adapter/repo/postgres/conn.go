// Package postgres provides the PostgreSQL repositories for provider keys,
// runs, and stored files.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// NewPool creates a pgx connection pool from the provided DSN, retrying the
// initial ping with exponential backoff so the service survives the database
// coming up after it.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.NewPool parse: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.NewPool: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	err = backoff.Retry(func() error {
		if pingErr := pool.Ping(ctx); pingErr != nil {
			slog.Warn("postgres not ready, retrying", slog.Any("error", pingErr))
			return pingErr
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=postgres.NewPool ping: %w", err)
	}
	return pool, nil
}
