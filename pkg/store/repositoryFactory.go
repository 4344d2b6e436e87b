package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/zoff-tech/bookfinder/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

//go:embed schema.sql
var schemaSQL string

var sqlOpen = sql.Open

// Open connects to the configured relational store and applies the pool limits.
func Open(ctx context.Context, cfg config.DbSettings) (*sql.DB, error) {
	if cfg.Type != "postgres" {
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
	db, err := sqlOpen("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Type, err)
	}
	return db, nil
}

// Migrate creates the tables when missing. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
