// Package store is the persistence layer. One pgx pool, narrow per-entity
// stores, and an idempotent embedded-DDL bootstrap. All writes are append-only
// or monotonic status transitions.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// PoolIface is the subset of pgxpool.Pool the stores use. pgxmock satisfies
// it in tests.
type PoolIface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store wraps the connection pool and exposes the per-entity stores
type Store struct {
	pool    PoolIface
	pgxPool *pgxpool.Pool
	logger  zerolog.Logger

	Signals   *SignalStore
	Trades    *TradeStore
	Budgets   *BudgetStore
	Cooldowns *CooldownStore
	Locks     *LockStore
}

// New creates a connection pool from config and bootstraps the schema
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewWithPool(pool)
	s.pgxPool = pool
	s.logger.Info().Msg("Database connection pool created")

	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool wires the stores over an existing pool (tests pass pgxmock)
func NewWithPool(pool PoolIface) *Store {
	s := &Store{
		pool:   pool,
		logger: config.NewLogger("store"),
	}
	s.Signals = &SignalStore{pool: pool, logger: s.logger}
	s.Trades = &TradeStore{pool: pool, logger: s.logger}
	s.Budgets = &BudgetStore{pool: pool, logger: s.logger}
	s.Cooldowns = &CooldownStore{pool: pool, logger: s.logger}
	s.Locks = &LockStore{pool: pool, logger: s.logger}
	return s
}

// Migrate applies the embedded schema
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info().Msg("Schema bootstrap applied")
	return nil
}

// Health checks database connectivity
func (s *Store) Health(ctx context.Context) error {
	if s.pgxPool != nil {
		return s.pgxPool.Ping(ctx)
	}
	var one int
	return s.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// Close closes the connection pool
func (s *Store) Close() {
	if s.pgxPool != nil {
		s.pgxPool.Close()
		s.logger.Info().Msg("Database connection pool closed")
	}
}
