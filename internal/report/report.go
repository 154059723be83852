// Package report publishes the outcome of every purge and process unit.
package report

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind is the pipeline stage a unit belongs to.
type Kind string

// Status is the terminal state of a unit.
type Status string

const (
	KindPurge   Kind = "purge"
	KindProcess Kind = "process"

	StatusSucceeded Status = "succeeded"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

type (
	// UnitReport describes one finished unit of work: a language, or one asset of it.
	UnitReport struct {
		RunID       uuid.UUID `json:"runId"`
		Kind        Kind      `json:"kind"`
		Language    string    `json:"language"`
		Asset       string    `json:"asset,omitempty"`
		Destination string    `json:"destination"`
		Status      Status    `json:"status"`
		Records     int64     `json:"records"`
		Recovered   int64     `json:"recovered"`
		Discarded   int64     `json:"discarded"`
		Fingerprint string    `json:"fingerprint,omitempty"`
		Error       string    `json:"error,omitempty"`
		StartedAt   time.Time `json:"startedAt"`
		FinishedAt  time.Time `json:"finishedAt"`
	}

	// Reporter receives unit reports. Implementations must be safe for concurrent use:
	// parallel units report from their own goroutines.
	Reporter interface {
		Report(ctx context.Context, r UnitReport) error
		Close() error
	}

	// LogReporter writes every report as a structured log line.
	LogReporter struct {
		logger *slog.Logger
	}

	multi []Reporter
)

// Duration is the wall time the unit took.
func (r UnitReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Key partitions reports so that the units of one language stay ordered.
func (r UnitReport) Key() string {
	return string(r.Kind) + "/" + r.Language
}

// NewLogReporter returns a Reporter logging through logger.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}

	return &LogReporter{logger: logger}
}

// Report logs r; failed units are logged at error level.
func (l *LogReporter) Report(ctx context.Context, r UnitReport) error {
	level := slog.LevelInfo

	switch r.Status {
	case StatusFailed:
		level = slog.LevelError
	case StatusSkipped:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("run_id", r.RunID.String()),
		slog.String("kind", string(r.Kind)),
		slog.String("language", r.Language),
		slog.String("asset", r.Asset),
		slog.String("destination", r.Destination),
		slog.String("status", string(r.Status)),
		slog.Int64("records", r.Records),
		slog.Int64("recovered", r.Recovered),
		slog.Int64("discarded", r.Discarded),
		slog.Duration("duration", r.Duration()),
	}

	if r.Error != "" {
		attrs = append(attrs, slog.String("error", r.Error))
	}

	l.logger.LogAttrs(ctx, level, "unit finished", attrs...)

	return nil
}

// Close is a no-op.
func (l *LogReporter) Close() error {
	return nil
}

// Multi fans a report out to every reporter; nil entries are ignored.
func Multi(reporters ...Reporter) Reporter {
	out := make(multi, 0, len(reporters))

	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}

	return out
}

func (m multi) Report(ctx context.Context, r UnitReport) error {
	var errs []error

	for _, rep := range m {
		if err := rep.Report(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error

	for _, rep := range m {
		if err := rep.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
