package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/cookbot/internal/chunks"
	"github.com/stupiduntilnot/cookbot/internal/logging"
)

var errNoPages = errors.New("no pages loaded")

type options struct {
	dir      string
	presets  []string
	size     int
	overlap  int
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "chunkcount",
		Short: "Count the text chunks produced from a directory of PDF files",
		Long: `chunkcount loads every PDF in a directory, one document per page, and
reports how many chunks a recursive character splitter produces for each
parameter set of the selected presets.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.dir, "dir", "data", "directory with PDF files")
	cmd.Flags().StringSliceVar(&opts.presets, "preset", []string{"basic"}, "presets to measure (basic, custom)")
	cmd.Flags().IntVar(&opts.size, "size", 0, "ad-hoc chunk size, measured in addition to the presets")
	cmd.Flags().IntVar(&opts.overlap, "overlap", 0, "ad-hoc chunk overlap, used with --size")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func run(cmd *cobra.Command, opts options) error {
	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	log, err := logging.NewWithWriter(cmd.ErrOrStderr(), level, "console")
	if err != nil {
		return err
	}

	var params []chunks.Params
	for _, name := range opts.presets {
		preset, err := chunks.LookupPreset(name)
		if err != nil {
			return err
		}
		params = append(params, preset.Params...)
	}
	if cmd.Flags().Changed("size") {
		adhoc := chunks.Params{Size: opts.size, Overlap: opts.overlap}
		if err := adhoc.Validate(); err != nil {
			return err
		}
		params = append(params, adhoc)
	}

	pages, err := chunks.LoadPDFs(cmd.Context(), opts.dir, log)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(pages) == 0 {
		fmt.Fprintln(out, "No pages loaded")
		return errNoPages
	}

	pageCount, chars := chunks.Stats(pages)
	fmt.Fprintf(out, "Total pages: %d\n", pageCount)
	fmt.Fprintf(out, "Total characters: %d\n", chars)

	results, err := chunks.CountPreset(pages, chunks.Preset{Name: "selected", Params: params}, log)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\nResults:")
	for _, r := range results {
		fmt.Fprintf(out, "%s -> %d chunks\n", r.Params, r.Chunks)
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
