package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate creates the schema if it does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		// Symbols the quote poller keeps fresh
		`CREATE TABLE IF NOT EXISTS tracked_symbols (
			symbol VARCHAR(16) PRIMARY KEY,
			display_name VARCHAR(255),
			is_active BOOLEAN DEFAULT TRUE,
			last_polled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);`,

		// Historical quote snapshots written by the poller
		`CREATE TABLE IF NOT EXISTS quote_snapshots (
			time TIMESTAMPTZ NOT NULL,
			symbol VARCHAR(16) NOT NULL REFERENCES tracked_symbols(symbol),
			price DOUBLE PRECISION NOT NULL,
			change DOUBLE PRECISION DEFAULT 0,
			change_percent DOUBLE PRECISION DEFAULT 0,
			volume BIGINT DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_quote_snapshots_symbol_time
			ON quote_snapshots (symbol, time DESC);`,

		// Runtime-tunable settings (rate limits and friends)
		`CREATE TABLE IF NOT EXISTS system_settings (
			key VARCHAR(100) PRIMARY KEY,
			value TEXT NOT NULL,
			is_secret BOOLEAN DEFAULT FALSE,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
