package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/leakpurge/leakpurge/internal/config"
	"github.com/leakpurge/leakpurge/internal/storage"
	"github.com/leakpurge/leakpurge/migrations"
)

var (
	errDatabaseURLEmpty    = errors.New("DATABASE_URL cannot be empty")
	errMigrationTableEmpty = errors.New("MIGRATION_TABLE cannot be empty")
	errMigrationsPath      = errors.New("migrations directory does not exist")
)

// Config holds all configuration for the migration tool.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string
	DatabaseURL string

	// MigrationsPath overrides the embedded migrations with a directory on disk. Empty
	// means embedded.
	MigrationsPath string

	// MigrationTable is the name of the table to track migrations
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationsPath: config.GetEnvStr("MIGRATIONS_PATH", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", migrations.DefaultTable),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errDatabaseURLEmpty
	}

	if c.MigrationTable == "" {
		return errMigrationTableEmpty
	}

	if c.MigrationsPath == "" {
		return nil
	}

	absPath, err := filepath.Abs(c.MigrationsPath)
	if err != nil {
		return fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	c.MigrationsPath = absPath

	info, err := os.Stat(c.MigrationsPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", errMigrationsPath, c.MigrationsPath)
	}

	return nil
}

// Migrations returns the migration set to run: the directory when one is configured, the
// embedded files otherwise.
func (c *Config) Migrations() *migrations.Set {
	var filesystem fs.FS

	if c.MigrationsPath != "" {
		filesystem = os.DirFS(c.MigrationsPath)
	}

	return migrations.New(filesystem)
}

// String returns a string representation of the configuration (safe for logging).
func (c *Config) String() string {
	source := c.MigrationsPath
	if source == "" {
		source = "embedded"
	}

	return fmt.Sprintf("Config{DatabaseURL: %s, Migrations: %s, MigrationTable: %s}",
		storage.MaskURL(c.DatabaseURL), source, c.MigrationTable)
}
