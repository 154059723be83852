package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/leakpurge/leakpurge/internal/pipeline"
	"github.com/leakpurge/leakpurge/internal/source"
	"github.com/leakpurge/leakpurge/internal/storage"
)

func newLangsCommand(stdin io.Reader, stdout, stderr io.Writer, g *globalOptions) *cobra.Command {
	ccmd := &cobra.Command{
		Use:   "langs",
		Short: "List available languages",
	}

	ccmd.AddCommand(newLangsRawCommand(stdin, stdout, stderr))
	ccmd.AddCommand(newLangsPurgedCommand(stdin, stdout, stderr, g))

	return ccmd
}

func newLangsRawCommand(_ io.Reader, stdout, _ io.Writer) *cobra.Command {
	src := pipeline.LoadSettings().Source

	ccmd := &cobra.Command{
		Use:   "raw",
		Short: "List the datasets found in the source directory",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			datasets, err := source.Discover(src)
			if err != nil {
				return err
			}

			for _, ds := range datasets {
				_, _ = fmt.Fprintln(stdout, ds.Name)
			}

			return nil
		},
	}

	ccmd.Flags().StringVarP(&src, "src", "s", src, "Directory holding the LNG_Fullname datasets.")

	return ccmd
}

func newLangsPurgedCommand(_ io.Reader, stdout, stderr io.Writer, g *globalOptions) *cobra.Command {
	var parsed bool

	ccmd := &cobra.Command{
		Use:   "purged",
		Short: "List the raw collections of the destination",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			env, err := g.open(c.Context(), stderr)
			if err != nil {
				return err
			}

			defer func() {
				if err := env.Close(); err != nil {
					env.logger.Warn("Failed to close environment", slog.String("error", err.Error()))
				}
			}()

			infos, err := env.store.Collections(c.Context())
			if err != nil {
				return err
			}

			for _, name := range storage.Languages(infos, parsed) {
				_, _ = fmt.Fprintln(stdout, name)
			}

			return nil
		},
	}

	ccmd.Flags().BoolVar(&parsed, "parsed", false, "List the collections process has written instead.")

	return ccmd
}
