package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/leakpurge/leakpurge/internal/ingestion"
	"github.com/leakpurge/leakpurge/internal/pipeline"
	"github.com/leakpurge/leakpurge/internal/schema"
)

// runOptions are the flags purge and process share.
type runOptions struct {
	settings pipeline.Settings
	force    bool
	skip     bool
}

func (o *runOptions) bind(flags *pflag.FlagSet) {
	flags.StringSliceVarP(&o.settings.Languages, "langs", "l", o.settings.Languages, "Languages to work on, by code or name; all selects every one.")
	flags.IntVarP(&o.settings.Threshold, "threshold", "t", o.settings.Threshold, "Records buffered before a batch is written.")
	flags.BoolVarP(&o.settings.Parallel, "parallel", "p", o.settings.Parallel, "Run languages concurrently.")
	flags.IntVar(&o.settings.Workers, "processes", o.settings.Workers, "Units running at the same time with --parallel.")
	flags.BoolVarP(&o.force, "force", "f", false, "Drop existing destination collections and start over.")
	flags.BoolVar(&o.skip, "skip", false, "Leave existing destination collections alone and skip their language.")
	flags.BoolVar(&o.settings.Strict, "strict", o.settings.Strict, "Fail a unit on the first unparsable line and stop scheduling new units.")
	flags.Float64Var(&o.settings.FlushRate, "flush-rate", o.settings.FlushRate, "Maximum batch writes per second across all units; 0 is unlimited.")
}

// resolve folds the conflict switches into the settings and validates them.
func (o *runOptions) resolve() (pipeline.Settings, error) {
	policy, err := ingestion.PolicyFromFlags(o.force, o.skip)
	if err != nil {
		return pipeline.Settings{}, err
	}

	o.settings.Policy = policy

	if err := o.settings.Validate(); err != nil {
		return pipeline.Settings{}, err
	}

	return o.settings, nil
}

// purgeOptions adds the flags only purge reads.
type purgeOptions struct {
	runOptions
	schemas string
}

func newPurgeCommand(_ io.Reader, _, stderr io.Writer, g *globalOptions) *cobra.Command {
	o := &purgeOptions{runOptions: runOptions{settings: pipeline.LoadSettings()}}

	ccmd := &cobra.Command{
		Use:   "purge",
		Short: "Parse raw dumps into raw collections",
		Long: `
Reads every asset of the selected datasets (<src>/<LNG>_<Fullname>/<n>.bz2), parses its
lines against the schema of the language and writes one document per line to the raw
collection named after the dataset.
`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			settings, err := o.resolve()
			if err != nil {
				return err
			}

			logger, err := g.logger(stderr)
			if err != nil {
				return err
			}

			registry, err := o.registry(logger)
			if err != nil {
				return err
			}

			env, err := g.open(c.Context(), stderr)
			if err != nil {
				return err
			}

			defer func() {
				if err := env.Close(); err != nil {
					env.logger.Warn("Failed to close environment", slog.String("error", err.Error()))
				}
			}()

			return pipeline.NewPurger(env.store, registry, settings, env.options()...).Run(c.Context())
		},
	}

	flags := ccmd.Flags()
	o.bind(flags)
	flags.StringVarP(&o.settings.Source, "src", "s", o.settings.Source, "Directory holding the LNG_Fullname datasets.")
	flags.Int64VarP(&o.settings.Bias, "bias", "b", o.settings.Bias, "Line number offset between consecutive assets of a language.")
	flags.BoolVarP(&o.settings.FineGrained, "fine-grained", "o", o.settings.FineGrained, "Make every asset its own unit; needs --parallel.")
	flags.BoolVar(&o.settings.SkipFirstLine, "skip-first-line", o.settings.SkipFirstLine, "Drop the first line of every asset but the first.")
	flags.BoolVarP(&o.settings.Wide, "wide", "w", o.settings.Wide, "Include uncompressed .txt assets.")
	flags.DurationVar(&o.settings.MatchTimeout, "match-timeout", o.settings.MatchTimeout, "Upper bound for matching a single line.")
	flags.BoolVar(&o.settings.LegacyDateYear, "legacy-date-year", o.settings.LegacyDateYear, "Give year-less dates year 4 instead of leaving the year empty.")
	flags.StringVar(&o.schemas, "schemas", "", "Schema definition file replacing the built-in schemas.")

	return ccmd
}

// registry loads the schema file when one is given, the built-in schemas otherwise.
func (o *purgeOptions) registry(logger *slog.Logger) (*schema.Registry, error) {
	if o.schemas == "" {
		return schema.Default(schema.WithLogger(logger))
	}

	return schema.LoadFile(o.schemas, schema.WithLogger(logger))
}
