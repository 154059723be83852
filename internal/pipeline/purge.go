package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/leakpurge/leakpurge/internal/ingestion"
	"github.com/leakpurge/leakpurge/internal/parser"
	"github.com/leakpurge/leakpurge/internal/record"
	"github.com/leakpurge/leakpurge/internal/report"
	"github.com/leakpurge/leakpurge/internal/schema"
	"github.com/leakpurge/leakpurge/internal/source"
	"github.com/leakpurge/leakpurge/internal/storage"
)

const cancelCheckEvery = 1024

type (
	// Purger ingests the assets of the selected datasets into raw collections.
	Purger struct {
		runner
		registry *schema.Registry
	}

	// language is a dataset ready to be purged.
	language struct {
		dataset  source.Dataset
		compiled *schema.Compiled
		assets   []source.Asset
	}

	// assetStats is what ingesting one asset produced.
	assetStats struct {
		parser      parser.Stats
		ingestor    ingestion.Stats
		fingerprint string
	}
)

// NewPurger returns a Purger writing to store with schemas from registry.
func NewPurger(store storage.Store, registry *schema.Registry, settings Settings, opts ...Option) *Purger {
	return &Purger{
		runner:   newRunner(store, settings, opts...),
		registry: registry,
	}
}

// Run purges every selected dataset. Schemas and assets are resolved for all of them before
// any unit starts, so a missing schema fails the run up front.
func (p *Purger) Run(ctx context.Context) error {
	p.logger.Info("purge started",
		slog.String("run_id", p.runID.String()),
		slog.String("destination", p.destination),
		slog.Any("settings", p.settings),
	)

	languages, err := p.plan()
	if err != nil {
		return err
	}

	var (
		units   []unit
		prepErr error
	)

	if p.settings.fineGrained() {
		// The collection is prepared once per language so that assets never race on it.
		for _, lang := range languages {
			ok, err := p.prepare(ctx, lang)
			if err != nil {
				prepErr = firstErr(prepErr, err)

				continue
			}

			if !ok {
				continue
			}

			for _, asset := range lang.assets {
				units = append(units, unit{
					run: func(ctx context.Context) error {
						return p.purgeAsset(ctx, lang, asset)
					},
					skip: func(ctx context.Context) {
						p.skipped(ctx, report.KindPurge, lang.dataset.Name, asset.Name)
					},
				})
			}
		}
	} else {
		for _, lang := range languages {
			units = append(units, unit{
				run: func(ctx context.Context) error {
					return p.purgeLanguage(ctx, lang)
				},
				skip: func(ctx context.Context) {
					p.skipped(ctx, report.KindPurge, lang.dataset.Name, "")
				},
			})
		}
	}

	if prepErr != nil && p.settings.Strict {
		return prepErr
	}

	err = firstErr(prepErr, dispatch(ctx, units, p.settings.Parallel, p.settings.Workers, p.settings.Strict))

	if err != nil {
		p.logger.Error("purge finished with errors", slog.String("error", err.Error()))

		return err
	}

	p.logger.Info("purge finished", slog.Int("languages", len(languages)))

	return nil
}

func (p *Purger) plan() ([]language, error) {
	datasets, err := source.Discover(p.settings.Source)
	if err != nil {
		return nil, err
	}

	selected, err := source.Select(datasets, p.settings.Languages)
	if err != nil {
		return nil, err
	}

	languages := make([]language, 0, len(selected))

	for _, ds := range selected {
		compiled, err := p.registry.Compile(ds.Code)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", ds.Name, err)
		}

		assets, err := ds.Assets(source.Options{Wide: p.settings.Wide})
		if err != nil {
			return nil, err
		}

		languages = append(languages, language{dataset: ds, compiled: compiled, assets: assets})
	}

	return languages, nil
}

// prepare applies the conflict policy to the raw collection of lang. It returns false when
// the language must not be ingested; only a failure is returned as an error.
func (p *Purger) prepare(ctx context.Context, lang language) (bool, error) {
	rep := p.newReport(report.KindPurge, lang.dataset.Name, "")

	raw, err := p.store.Raw(lang.dataset.Name)
	if err == nil {
		err = ingestion.Prepare[record.Record](ctx, raw, p.settings.Policy.Force(), storage.LineKey)
	}

	switch {
	case p.settings.Policy.Skipped(err):
		p.logger.Warn("collection already populated, skipping", slog.String("language", lang.dataset.Name))
		p.finish(ctx, rep, report.StatusSkipped, err)

		return false, nil
	case err != nil:
		p.logger.Error("failed to prepare collection",
			slog.String("language", lang.dataset.Name),
			slog.String("error", err.Error()),
		)
		p.finish(ctx, rep, report.StatusFailed, err)

		return false, err
	}

	return true, nil
}

func (p *Purger) purgeLanguage(ctx context.Context, lang language) error {
	p.logger.Info("language started",
		slog.String("language", lang.dataset.Name),
		slog.Int("assets", len(lang.assets)),
	)

	ok, err := p.prepare(ctx, lang)
	if err != nil || !ok {
		return err
	}

	for i, asset := range lang.assets {
		if err := p.purgeAsset(ctx, lang, asset); err != nil {
			for _, rest := range lang.assets[i+1:] {
				p.skipped(ctx, report.KindPurge, lang.dataset.Name, rest.Name)
			}

			return err
		}
	}

	p.logger.Info("language finished", slog.String("language", lang.dataset.Name))

	return nil
}

func (p *Purger) purgeAsset(ctx context.Context, lang language, asset source.Asset) error {
	logger := p.logger.With(
		slog.String("language", lang.dataset.Name),
		slog.String("asset", asset.Name),
	)

	rep := p.newReport(report.KindPurge, lang.dataset.Name, asset.Name)

	logger.Info("asset started", slog.Int("index", asset.Index))

	stats, err := p.ingest(ctx, lang, asset, logger)

	rep.Records = stats.ingestor.Flushed
	rep.Recovered = stats.parser.Recovered
	rep.Discarded = stats.parser.Discarded
	rep.Fingerprint = stats.fingerprint

	if err != nil {
		err = fmt.Errorf("asset %s/%s: %w", lang.dataset.Name, asset.Name, err)
		logger.Error("asset failed", slog.String("error", err.Error()))
		p.finish(ctx, rep, report.StatusFailed, err)

		return err
	}

	p.checkFingerprint(ctx, stats.fingerprint, logger)
	p.finish(ctx, rep, report.StatusSucceeded, nil)

	return nil
}

func (p *Purger) ingest(ctx context.Context, lang language, asset source.Asset, logger *slog.Logger) (assetStats, error) {
	var stats assetStats

	raw, err := p.store.Raw(lang.dataset.Name)
	if err != nil {
		return stats, err
	}

	reader, err := asset.Open()
	if err != nil {
		return stats, err
	}

	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warn("failed to close asset", slog.String("error", err.Error()))
		}
	}()

	session := parser.New(lang.compiled, parser.Options{
		Strict:         p.settings.Strict,
		Bias:           int64(asset.Index) * p.settings.Bias,
		MatchTimeout:   p.settings.MatchTimeout,
		LegacyDateYear: p.settings.LegacyDateYear,
		Language:       lang.dataset.Name,
		Asset:          asset.Name,
		Logger:         p.logger,
	}).NewSession()

	in, err := ingestion.Open[record.Record](ctx, raw, ingestion.Options{
		Threshold: p.settings.Threshold,
		Limiter:   p.limiter,
		Logger:    logger,
	})
	if err != nil {
		return stats, err
	}

	if err := p.feed(ctx, reader, session, in, asset.Index > 0 && p.settings.SkipFirstLine, logger); err != nil {
		stats.parser = session.Stats()
		stats.ingestor = in.Stats()

		if abortErr := in.Abort(); abortErr != nil {
			logger.Warn("failed to release collection", slog.String("error", abortErr.Error()))
		}

		return stats, err
	}

	stats.parser = session.Finish()
	err = in.Close(ctx)
	stats.ingestor = in.Stats()
	stats.fingerprint = reader.Fingerprint()

	if err != nil {
		return stats, err
	}

	logger.Info("asset finished",
		slog.Int64("lines", stats.parser.Lines),
		slog.Int64("records", stats.ingestor.Flushed),
		slog.Int64("recovered", stats.parser.Recovered),
		slog.Int64("discarded", stats.parser.Discarded),
	)

	return stats, nil
}

func (p *Purger) feed(
	ctx context.Context,
	reader *source.Reader,
	session *parser.Session,
	in *ingestion.Ingestor[record.Record],
	skipFirst bool,
	logger *slog.Logger,
) error {
	for {
		index, line, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		if index%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if skipFirst && index == 0 {
			logger.Debug("first line skipped")

			continue
		}

		rec, err := session.Next(ctx, index, line)
		if err != nil {
			return err
		}

		if rec == nil {
			continue
		}

		if err := in.Append(ctx, *rec); err != nil {
			return err
		}
	}
}

func (p *Purger) checkFingerprint(ctx context.Context, fingerprint string, logger *slog.Logger) {
	if p.history == nil || fingerprint == "" {
		return
	}

	prev, ok, err := p.history.LastFingerprintRun(ctx, p.destination, fingerprint)
	if err != nil {
		logger.Warn("failed to look up asset fingerprint", slog.String("error", err.Error()))

		return
	}

	if ok && prev != p.runID {
		logger.Warn("asset already ingested by an earlier run",
			slog.String("previous_run_id", prev.String()),
			slog.String("fingerprint", fingerprint),
		)
	}
}

// firstErr keeps the first error.
func firstErr(first, next error) error {
	if first != nil {
		return first
	}

	return next
}
