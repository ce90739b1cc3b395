package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Versioned schema files, NNNNNN_name.up.sql / NNNNNN_name.down.sql.
//
//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrDirtySchema is returned when a previous migration stopped half way.
// golang-migrate will not move a dirty schema; fix it by hand and force the
// version.
var ErrDirtySchema = errors.New("schema is dirty")

// withMigrator runs fn against a golang-migrate instance over db. The
// instance is not closed since that would close db as well.
func withMigrator(db *sql.DB, fn func(*migrate.Migrate) error) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrate postgres driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	return fn(m)
}

// RunMigrations applies every pending versioned migration. Running it on an
// up to date schema is a no-op.
func RunMigrations(db *sql.DB) error {
	return withMigrator(db, func(m *migrate.Migrate) error {
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date", slog.String("component", "db_migrate"))
			return nil
		}
		if err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		return logVersion(m, "migrations applied")
	})
}

// RollbackMigration reverts the newest applied migration. Dropping tables
// loses their rows.
func RollbackMigration(db *sql.DB) error {
	return withMigrator(db, func(m *migrate.Migrate) error {
		err := m.Steps(-1)
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("no migrations to roll back", slog.String("component", "db_migrate"))
			return nil
		}
		if err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		return logVersion(m, "migration rolled back")
	})
}

// SchemaVersion reports the applied migration version; zero when none has
// been applied. A dirty schema returns its version with ErrDirtySchema.
func SchemaVersion(db *sql.DB) (uint, error) {
	var version uint
	err := withMigrator(db, func(m *migrate.Migrate) error {
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("migrate version: %w", err)
		}
		version = v
		if dirty {
			return fmt.Errorf("%w at version %d", ErrDirtySchema, v)
		}
		return nil
	})
	return version, err
}

func logVersion(m *migrate.Migrate, msg string) error {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		slog.Info(msg, slog.Uint64("version", 0), slog.String("component", "db_migrate"))
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate version: %w", err)
	}
	if dirty {
		return fmt.Errorf("%w at version %d", ErrDirtySchema, v)
	}
	slog.Info(msg, slog.Uint64("version", uint64(v)), slog.String("component", "db_migrate"))
	return nil
}
