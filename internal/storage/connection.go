package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const healthCheckTimeout = 5 * time.Second

// ErrNoDatabaseConnection is returned when a store is built without a connection.
var ErrNoDatabaseConnection = errors.New("no database connection")

// Connection is the connection pool shared by every unit of a run.
type Connection struct {
	*sql.DB
}

// NewConnection opens a pool sized by cfg and checks that the server answers.
func NewConnection(ctx context.Context, cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.MaskDatabaseURL(), err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	conn := &Connection{DB: db}

	if err := conn.HealthCheck(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database %s unreachable: %w", cfg.MaskDatabaseURL(), err)
	}

	return conn, nil
}

// HealthCheck pings the server with a short timeout.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	return c.PingContext(ctx)
}
