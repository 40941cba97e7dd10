// Package store bootstraps the relational connection pool and applies the
// schema migrations for customers, consents, providers, and the synonym
// tables.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/example/providerline/migrations"
	"github.com/example/providerline/pkg/logging"
)

// Connect opens a pgxpool against databaseURL, pinging it within timeout
// before returning.
func Connect(ctx context.Context, databaseURL string, timeout time.Duration) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("store: database url required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// AutoMigrate applies every pending embedded migration against pool. It is
// safe to call on every process start: migrate.ErrNoChange is not an error.
func AutoMigrate(pool *pgxpool.Pool, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Default()
	}
	db := stdlib.OpenDBFromPool(pool)
	defer func() { _ = db.Close() }()

	if err := runMigrate(db); err != nil {
		return err
	}
	logger.Info("store: migrations applied")
	return nil
}

func runMigrate(db *sql.DB) error {
	srcDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("store: open migrations source: %w", err)
	}
	dbDriver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("store: create db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("store: create migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}
