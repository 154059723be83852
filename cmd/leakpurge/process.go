package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/leakpurge/leakpurge/internal/pipeline"
)

func newProcessCommand(_ io.Reader, _, stderr io.Writer, g *globalOptions) *cobra.Command {
	o := &runOptions{settings: pipeline.LoadSettings()}

	ccmd := &cobra.Command{
		Use:   "process",
		Short: "Merge raw collections into one snapshot per person",
		Long: `
Groups the records of every selected raw collection by identity and writes one snapshot
per identity, holding its latest values and their history, to <name>_parsed.
`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			settings, err := o.resolve()
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

			return pipeline.NewProcessor(env.store, settings, env.options()...).Run(c.Context())
		},
	}

	o.bind(ccmd.Flags())

	return ccmd
}
