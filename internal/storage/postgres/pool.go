// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pncp-item-ingest/internal/config"
	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultSchema = "pncp"

// Pool is the subset of *pgxpool.Pool used by the stores. pgxmock pools
// satisfy it as well.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Open builds a pgx pool from cfg and verifies it with a ping. Failures wrap
// procurement.ErrConnection.
func Open(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres dsn: %w", procurement.ErrConnection, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %w", procurement.ErrConnection, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %w", procurement.ErrConnection, err)
	}
	return pool, nil
}

// classify maps a driver error onto the error taxonomy: failures to reach the
// server are connection errors, everything else is a query error.
func classify(err error) error {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.SafeToRetry(err) {
		return procurement.ErrConnection
	}
	return procurement.ErrQuery
}

func qualify(schema, table string) (string, error) {
	if schema == "" {
		schema = defaultSchema
	}
	if !validIdentifier.MatchString(schema) {
		return "", fmt.Errorf("invalid schema name %q", schema)
	}
	return schema + "." + table, nil
}
