package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/leakpurge/leakpurge/internal/report"
)

var (
	// ErrRunLogFailed is returned when a unit outcome cannot be recorded or read back.
	ErrRunLogFailed = errors.New("run log operation failed")

	_ report.Reporter = (*RunLog)(nil)
)

// RunLog records every unit outcome in the ingest_runs table created by the migrations.
type RunLog struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRunLog returns a run log writing through conn.
func NewRunLog(conn *Connection, logger *slog.Logger) (*RunLog, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &RunLog{conn: conn, logger: logger}, nil
}

// Report inserts r.
func (l *RunLog) Report(ctx context.Context, r report.UnitReport) error {
	_, err := l.conn.ExecContext(ctx, `
		INSERT INTO ingest_runs (
			run_id, kind, language, asset, destination, status,
			records, recovered, discarded, fingerprint, error,
			started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		r.RunID, string(r.Kind), r.Language, r.Asset, r.Destination, string(r.Status),
		r.Records, r.Recovered, r.Discarded, r.Fingerprint, r.Error,
		r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		l.logger.Error("failed to record unit outcome",
			slog.String("run_id", r.RunID.String()),
			slog.String("language", r.Language),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("%w: %w", ErrRunLogFailed, err)
	}

	return nil
}

// Runs returns the units recorded for runID in the order they finished.
func (l *RunLog) Runs(ctx context.Context, runID uuid.UUID) ([]report.UnitReport, error) {
	rows, err := l.conn.QueryContext(ctx, `
		SELECT run_id, kind, language, asset, destination, status,
		       records, recovered, discarded, fingerprint, error,
		       started_at, finished_at
		FROM ingest_runs
		WHERE run_id = $1
		ORDER BY finished_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunLogFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var reports []report.UnitReport

	for rows.Next() {
		var (
			r            report.UnitReport
			kind, status string
		)

		err := rows.Scan(
			&r.RunID, &kind, &r.Language, &r.Asset, &r.Destination, &status,
			&r.Records, &r.Recovered, &r.Discarded, &r.Fingerprint, &r.Error,
			&r.StartedAt, &r.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRunLogFailed, err)
		}

		r.Kind = report.Kind(kind)
		r.Status = report.Status(status)
		reports = append(reports, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunLogFailed, err)
	}

	return reports, nil
}

// LastFingerprintRun reports whether an asset with this fingerprint was already purged
// successfully into destination, and by which run.
func (l *RunLog) LastFingerprintRun(ctx context.Context, destination, fingerprint string) (uuid.UUID, bool, error) {
	var runID uuid.UUID

	err := l.conn.QueryRowContext(ctx, `
		SELECT run_id FROM ingest_runs
		WHERE fingerprint = $1 AND destination = $2 AND kind = 'purge' AND status = 'succeeded'
		ORDER BY finished_at DESC
		LIMIT 1
	`, fingerprint, destination).Scan(&runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, false, nil
		}

		return uuid.Nil, false, fmt.Errorf("%w: %w", ErrRunLogFailed, err)
	}

	return runID, true, nil
}

// Close does not close the shared connection.
func (l *RunLog) Close() error {
	return nil
}
