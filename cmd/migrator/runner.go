package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"

	"github.com/leakpurge/leakpurge/internal/storage"
	"github.com/leakpurge/leakpurge/migrations"
)

type (
	// MigrationRunner is the set of commands the tool exposes.
	MigrationRunner interface {
		Up() error
		Down() error
		Status() error
		Version() error
		// Drop removes every table, ingest_runs included.
		Drop() error
		Close() error
	}

	// migrationRunner drives golang-migrate over the shared storage connection.
	migrationRunner struct {
		set     *migrations.Set
		migrate *migrate.Migrate
		conn    *storage.Connection
		out     io.Writer
		logger  *slog.Logger
	}

	// migrateLogger routes golang-migrate output to slog.
	migrateLogger struct {
		logger *slog.Logger
	}
)

var _ migrate.Logger = (*migrateLogger)(nil)

// NewMigrationRunner connects to the configured database. Command results are printed to
// out, progress goes to logger.
func NewMigrationRunner(cfg *Config, out io.Writer, logger *slog.Logger) (MigrationRunner, error) {
	logger.Info("Initializing migration runner", slog.String("config", cfg.String()))

	conn, err := storage.NewConnection(context.Background(), storage.LoadConfig().WithDatabaseURL(cfg.DatabaseURL))
	if err != nil {
		return nil, err
	}

	set := cfg.Migrations()

	m, err := set.NewMigrate(conn.DB, cfg.MigrationTable)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	m.Log = &migrateLogger{logger: logger}

	logger.Info("Migration runner initialized", slog.Int("latest_version", set.MaxVersion()))

	return &migrationRunner{set: set, migrate: m, conn: conn, out: out, logger: logger}, nil
}

// Up applies all pending migrations.
func (r *migrationRunner) Up() error {
	return r.step("up", r.migrate.Up, "No new migrations to apply")
}

// Down rolls back the last applied migration.
func (r *migrationRunner) Down() error {
	return r.step("down", func() error { return r.migrate.Steps(-1) }, "No migrations to rollback")
}

// step runs fn, treating ErrNoChange as success.
func (r *migrationRunner) step(direction string, fn func() error, unchanged string) error {
	r.logger.Info("Starting migration", slog.String("direction", direction))

	switch err := fn(); {
	case errors.Is(err, migrate.ErrNoChange):
		r.logger.Info(unchanged)
	case err != nil:
		return fmt.Errorf("migration %s failed: %w", direction, err)
	default:
		r.logger.Info("Migration finished", slog.String("direction", direction))
	}

	return nil
}

// Status prints the applied version and the number of pending migrations.
func (r *migrationRunner) Status() error {
	current, dirty, err := r.current()
	if err != nil {
		return err
	}

	latest := r.set.MaxVersion()

	if current == 0 {
		_, _ = fmt.Fprintf(r.out, "Migration Status: No migrations applied yet (%d pending)\n", latest)

		return nil
	}

	state := "clean"
	if dirty {
		state = "dirty (needs manual intervention)"
	}

	_, _ = fmt.Fprintf(r.out, "Migration Status: Version %d (%s), %d pending\n", current, state, max(latest-current, 0))

	return nil
}

// Version prints the applied version.
func (r *migrationRunner) Version() error {
	current, dirty, err := r.current()
	if err != nil {
		return err
	}

	switch {
	case current == 0:
		_, _ = fmt.Fprintln(r.out, "Current Version: No migrations applied")
	case dirty:
		_, _ = fmt.Fprintf(r.out, "Current Version: %d (dirty)\n", current)
	default:
		_, _ = fmt.Fprintf(r.out, "Current Version: %d\n", current)
	}

	return nil
}

// Drop removes every table in the database.
func (r *migrationRunner) Drop() error {
	r.logger.Warn("Dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	r.logger.Info("All tables dropped")

	return nil
}

// Close releases the migrate instance and the connection.
func (r *migrationRunner) Close() error {
	// The postgres driver already closes the pool it was given; closing it again is a no-op.
	sourceErr, dbErr := r.migrate.Close()

	return errors.Join(sourceErr, dbErr, r.conn.Close())
}

// current returns the applied version, 0 when none is.
func (r *migrationRunner) current() (int, bool, error) {
	ver, dirty, err := r.migrate.Version()

	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}

	return int(ver), dirty, nil
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return l.logger.Enabled(context.Background(), slog.LevelDebug)
}
