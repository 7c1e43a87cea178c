// Package store implements the persistence layer: one repository per
// entity, backed by Postgres through pgx/sqlx, with goose-managed
// migrations applied at startup.
package store

import (
	"context"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a *sqlx.DB configured for the pgx driver with a bounded
// connection pool.
type DB struct {
	*sqlx.DB
}

// Open connects to Postgres and applies pending migrations.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*DB, error) {
	sqlDB, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.Up(sqlDB.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &DB{DB: sqlDB}, nil
}
