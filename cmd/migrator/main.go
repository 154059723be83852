// Package main provides the database migration CLI tool for leakpurge.
//
// Migrations are embedded in the binary; MIGRATIONS_PATH points the tool at a directory
// instead.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/leakpurge/leakpurge/internal/config"
)

// Version information
const (
	version = "1.0.0-dev"
	name    = "migrator"
)

func main() {
	var (
		configHelp  = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *configHelp || flag.NArg() < 1 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	command := flag.Arg(0)

	logger := config.NewLogger(config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo))

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runner, err := NewMigrationRunner(cfg, os.Stdout, logger)
	if err != nil {
		logger.Error("Failed to create migration runner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	err = executeCommand(command, runner, os.Stdin, os.Stdout)

	if closeErr := runner.Close(); closeErr != nil {
		logger.Warn("Failed to close migration runner", slog.String("error", closeErr.Error()))
	}

	if err != nil {
		logger.Error("Migration failed", slog.String("command", command), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// executeCommand runs the specified migration command. Drop asks for confirmation on in.
func executeCommand(command string, runner MigrationRunner, in io.Reader, out io.Writer) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		_, _ = fmt.Fprint(out, "WARNING: This will drop all tables, ingest_runs included. Are you sure? (y/N): ")

		response, _ := bufio.NewReader(in).ReadString('\n')
		if strings.EqualFold(strings.TrimSpace(response), "y") {
			return runner.Drop()
		}

		_, _ = fmt.Fprintln(out, "Operation cancelled.")

		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// printUsage displays usage information
func printUsage(out io.Writer) {
	_, _ = fmt.Fprintf(out, `%s v%s - Database Migration Tool for leakpurge

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply all pending migrations
    down    Rollback the last migration
    status  Show migration status
    version Show current migration version
    drop    Drop all tables (requires confirmation)

OPTIONS:
    --help     Show this help message
    --version  Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL    PostgreSQL connection string (REQUIRED)

    MIGRATIONS_PATH Directory of migration files to use instead of the
                    embedded ones (default: embedded)

    MIGRATION_TABLE Name of migration tracking table
                    (default: schema_migrations)

    LOG_LEVEL       debug, info, warn or error (default: info)

EXAMPLES:
    %s up                    # Apply all pending migrations
    %s status               # Show current migration status
    %s down                 # Rollback last migration
`, name, version, name, name, name, name)
}
