package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/leakpurge/leakpurge/internal/report"
	"github.com/leakpurge/leakpurge/internal/storage"
)

type (
	// FingerprintHistory finds earlier runs that ingested the same asset bytes.
	FingerprintHistory interface {
		LastFingerprintRun(ctx context.Context, destination, fingerprint string) (uuid.UUID, bool, error)
	}

	// Option configures a Purger or a Processor.
	Option func(*runner)

	// runner holds what purge and process runs share.
	runner struct {
		store       storage.Store
		settings    Settings
		reporter    report.Reporter
		history     FingerprintHistory
		destination string
		runID       uuid.UUID
		limiter     *rate.Limiter
		logger      *slog.Logger
		now         func() time.Time
	}
)

// WithReporter sends every unit outcome to r.
func WithReporter(r report.Reporter) Option {
	return func(rn *runner) {
		rn.reporter = r
	}
}

// WithHistory warns about assets whose bytes an earlier run already ingested.
func WithHistory(h FingerprintHistory) Option {
	return func(rn *runner) {
		rn.history = h
	}
}

// WithDestination names the destination in reports.
func WithDestination(name string) Option {
	return func(rn *runner) {
		rn.destination = name
	}
}

// WithRunID sets the run identifier; a random one is used otherwise.
func WithRunID(id uuid.UUID) Option {
	return func(rn *runner) {
		rn.runID = id
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(rn *runner) {
		rn.logger = logger
	}
}

// WithClock replaces time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(rn *runner) {
		rn.now = now
	}
}

func newRunner(store storage.Store, settings Settings, opts ...Option) runner {
	rn := runner{
		store:    store,
		settings: settings,
		reporter: report.Multi(),
		runID:    uuid.New(),
		limiter:  settings.limiter(),
		logger:   slog.Default(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(&rn)
	}

	return rn
}

// RunID identifies the run in reports.
func (rn *runner) RunID() uuid.UUID {
	return rn.runID
}

// newReport starts the report of a unit.
func (rn *runner) newReport(kind report.Kind, language, asset string) report.UnitReport {
	return report.UnitReport{
		RunID:       rn.runID,
		Kind:        kind,
		Language:    language,
		Asset:       asset,
		Destination: rn.destination,
		StartedAt:   rn.now(),
	}
}

// skipped reports a unit that never started because an earlier one failed.
func (rn *runner) skipped(ctx context.Context, kind report.Kind, language, asset string) {
	rn.logger.Warn("unit skipped after an earlier failure",
		slog.String("kind", string(kind)),
		slog.String("language", language),
		slog.String("asset", asset),
	)

	rn.finish(ctx, rn.newReport(kind, language, asset), report.StatusSkipped, nil)
}

// finish completes r with the outcome of its unit and hands it to the reporter. A reporter
// failure is logged and does not fail the unit.
func (rn *runner) finish(ctx context.Context, r report.UnitReport, status report.Status, err error) {
	r.Status = status
	r.FinishedAt = rn.now()

	if err != nil {
		r.Error = err.Error()
	}

	if repErr := rn.reporter.Report(ctx, r); repErr != nil {
		rn.logger.Error("failed to report unit",
			slog.String("language", r.Language),
			slog.String("asset", r.Asset),
			slog.String("error", repErr.Error()),
		)
	}
}
