package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/leakpurge/leakpurge/internal/metrics"
	"github.com/leakpurge/leakpurge/internal/pipeline"
	"github.com/leakpurge/leakpurge/internal/report"
	"github.com/leakpurge/leakpurge/internal/storage"
	"github.com/leakpurge/leakpurge/migrations"
)

// environment is what every store-backed command runs against: one connection pool, the
// destination store on top of it and the reporters a run writes its unit outcomes to.
type environment struct {
	logger   *slog.Logger
	runID    uuid.UUID
	conn     *storage.Connection
	store    *storage.DocumentStore
	runLog   *storage.RunLog
	reporter report.Reporter
}

// open connects to the database, applies pending migrations and builds the reporters.
func (g *globalOptions) open(ctx context.Context, stderr io.Writer) (*environment, error) {
	logger, err := g.logger(stderr)
	if err != nil {
		return nil, err
	}

	cfg := storage.LoadConfig().WithDatabaseURL(g.DatabaseURL)
	cfg.Schema = g.DBName

	conn, err := storage.NewConnection(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Apply(conn.DB); err != nil {
		_ = conn.Close()

		return nil, err
	}

	store, err := storage.NewDocumentStore(ctx, conn, cfg.Schema, storage.WithLogger(logger))
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	runLog, err := storage.NewRunLog(conn, logger)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	env := &environment{
		logger: logger,
		runID:  uuid.New(),
		conn:   conn,
		store:  store,
		runLog: runLog,
	}

	var kafkaReporter report.Reporter
	if len(g.KafkaBrokers) > 0 {
		kafkaReporter = report.NewKafkaReporter(g.KafkaBrokers, g.KafkaTopic, report.WithKafkaLogger(logger))
	}

	env.reporter = report.Multi(
		report.NewLogReporter(logger),
		runLog,
		kafkaReporter,
		metrics.New(metrics.WithPushGateway(g.PushGatewayURL, g.PushGatewayJob), metrics.WithLogger(logger)),
	)

	logger.Info("Connected to destination",
		slog.String("database_url", cfg.MaskDatabaseURL()),
		slog.String("dbname", cfg.Schema),
		slog.String("run_id", env.runID.String()),
		slog.Int("database_max_open_conns", cfg.MaxOpenConns),
		slog.Bool("kafka", kafkaReporter != nil),
		slog.Bool("pushgateway", g.PushGatewayURL != ""),
	)

	return env, nil
}

// options wires the run's reporters and fingerprint history into a pipeline.
func (e *environment) options() []pipeline.Option {
	return []pipeline.Option{
		pipeline.WithReporter(e.reporter),
		pipeline.WithHistory(e.runLog),
		pipeline.WithDestination(e.store.Schema()),
		pipeline.WithRunID(e.runID),
		pipeline.WithLogger(e.logger),
	}
}

// Close flushes the reporters, pushing metrics when a gateway is set, then releases the
// pool.
func (e *environment) Close() error {
	var errs []error

	if e.reporter != nil {
		errs = append(errs, e.reporter.Close())
	}

	if e.store != nil {
		errs = append(errs, e.store.Close())
	}

	if e.conn != nil {
		errs = append(errs, e.conn.Close())
	}

	return errors.Join(errs...)
}
