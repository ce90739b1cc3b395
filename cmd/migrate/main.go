// Command migrate manages the versioned database schema outside the service.
//
// Usage:
//
//	migrate up        apply pending migrations
//	migrate down      revert the newest migration
//	migrate version   print the applied version
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/onnwee/streamkit/db"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: migrate up|down|version")
	}
	flag.Parse()
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	database, err := db.Connect(context.Background(), dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	if err := run(database, flag.Arg(0), os.Stdout); err != nil {
		slog.Error("migrate failed", slog.Any("err", err))
		database.Close()
		os.Exit(1)
	}
}

var errUsage = errors.New("expected one of up, down, version")

func run(database *sql.DB, cmd string, out io.Writer) error {
	switch cmd {
	case "up":
		return db.RunMigrations(database)
	case "down":
		return db.RollbackMigration(database)
	case "version":
		v, err := db.SchemaVersion(database)
		if err != nil && !errors.Is(err, db.ErrDirtySchema) {
			return err
		}
		dirty := ""
		if err != nil {
			dirty = " (dirty)"
		}
		fmt.Fprintf(out, "%d%s\n", v, dirty)
		return nil
	default:
		return fmt.Errorf("%w, got %q", errUsage, cmd)
	}
}
