package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leakpurge/leakpurge/internal/dedup"
	"github.com/leakpurge/leakpurge/internal/ingestion"
	"github.com/leakpurge/leakpurge/internal/record"
	"github.com/leakpurge/leakpurge/internal/report"
	"github.com/leakpurge/leakpurge/internal/source"
	"github.com/leakpurge/leakpurge/internal/storage"
)

// Processor aggregates raw collections into their _parsed siblings.
type Processor struct {
	runner
}

// NewProcessor returns a Processor reading and writing store.
func NewProcessor(store storage.Store, settings Settings, opts ...Option) *Processor {
	return &Processor{runner: newRunner(store, settings, opts...)}
}

// Run processes every selected raw collection found in the store.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("process started",
		slog.String("run_id", p.runID.String()),
		slog.String("destination", p.destination),
		slog.Any("settings", p.settings),
	)

	names, err := p.languages(ctx)
	if err != nil {
		return err
	}

	units := make([]unit, 0, len(names))

	for _, name := range names {
		units = append(units, unit{
			run: func(ctx context.Context) error {
				return p.processLanguage(ctx, name)
			},
			skip: func(ctx context.Context) {
				p.skipped(ctx, report.KindProcess, name, "")
			},
		})
	}

	if err := dispatch(ctx, units, p.settings.Parallel, p.settings.Workers, p.settings.Strict); err != nil {
		p.logger.Error("process finished with errors", slog.String("error", err.Error()))

		return err
	}

	p.logger.Info("process finished", slog.Int("languages", len(names)))

	return nil
}

// languages resolves the selection against the raw collections of the store.
func (p *Processor) languages(ctx context.Context) ([]string, error) {
	infos, err := p.store.Collections(ctx)
	if err != nil {
		return nil, err
	}

	raw := storage.Languages(infos, false)
	datasets := make([]source.Dataset, 0, len(raw))

	for _, name := range raw {
		datasets = append(datasets, datasetOf(name))
	}

	selected, err := source.Select(datasets, p.settings.Languages)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(selected))
	for _, ds := range selected {
		names = append(names, ds.Name)
	}

	return names, nil
}

func (p *Processor) processLanguage(ctx context.Context, name string) error {
	logger := p.logger.With(slog.String("language", name))
	rep := p.newReport(report.KindProcess, name, "")

	logger.Info("language started")

	stats, err := p.aggregate(ctx, name, logger)
	rep.Records = stats.Flushed

	switch {
	case p.settings.Policy.Skipped(err):
		logger.Warn("parsed collection already populated, skipping")
		p.finish(ctx, rep, report.StatusSkipped, err)

		return nil
	case err != nil:
		err = fmt.Errorf("language %s: %w", name, err)
		logger.Error("language failed", slog.String("error", err.Error()))
		p.finish(ctx, rep, report.StatusFailed, err)

		return err
	}

	logger.Info("language finished", slog.Int64("snapshots", stats.Flushed))
	p.finish(ctx, rep, report.StatusSucceeded, nil)

	return nil
}

func (p *Processor) aggregate(ctx context.Context, name string, logger *slog.Logger) (ingestion.Stats, error) {
	raw, err := p.store.Raw(name)
	if err != nil {
		return ingestion.Stats{}, err
	}

	parsed, err := p.store.Parsed(name)
	if err != nil {
		return ingestion.Stats{}, err
	}

	in, err := ingestion.Open[record.Snapshot](ctx, parsed, ingestion.Options{
		Threshold: p.settings.Threshold,
		Prepare:   true,
		Force:     p.settings.Policy.Force(),
		UniqueKey: storage.IdentityKey,
		Limiter:   p.limiter,
		Logger:    logger,
	})
	if err != nil {
		return ingestion.Stats{}, err
	}

	for snap, err := range dedup.Aggregate(ctx, raw) {
		if err == nil {
			err = in.Append(ctx, snap)
		}

		if err != nil {
			if abortErr := in.Abort(); abortErr != nil {
				logger.Warn("failed to release collection", slog.String("error", abortErr.Error()))
			}

			return in.Stats(), err
		}
	}

	err = in.Close(ctx)

	return in.Stats(), err
}

// datasetOf rebuilds the dataset a collection was named after.
func datasetOf(name string) source.Dataset {
	code, _, _ := strings.Cut(name, "_")

	return source.Dataset{Name: name, Code: code}
}
