package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lingopack/shared/config"

	_ "github.com/lib/pq"
)

const pingTimeout = 5 * time.Second

// DB wraps the postgres pool shared by both services.
type DB struct {
	*sql.DB
}

// Open connects to postgres, applies the configured pool limits and verifies
// the connection with a bounded ping.
func Open(cfg config.DatabaseConfig) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

// Close closes the pool.
func (db *DB) Close() error {
	return db.DB.Close()
}
