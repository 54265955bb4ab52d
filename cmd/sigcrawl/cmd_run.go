package main

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ibeckermayer/sigcrawl/internal/app"
	"github.com/ibeckermayer/sigcrawl/internal/metrics"
)

// errRunIncomplete makes the process exit non-zero when a batch did not
// finish.
var errRunIncomplete = errors.New("run did not complete")

func newRunCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Crawl every tracked account, aggregate signals and persist them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}

			p, err := app.Build(cmd.Context(), cfg, metrics.Discard(), logger)
			if err != nil {
				return fail(logger, err, "failed to build pipeline")
			}
			defer p.Close()

			report, err := p.Run(cmd.Context())
			if werr := writeJSON(report); werr != nil {
				logger.Warn().Err(werr).Msg("failed to write report")
			}
			if err != nil {
				return err
			}
			if !report.Success() {
				return errRunIncomplete
			}
			return nil
		},
	}
}

func newCrawlCmd(opts *globalOptions) *cobra.Command {
	var accounts []string

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl tracked accounts without aggregating signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}

			p, err := app.Build(cmd.Context(), cfg, metrics.Discard(), logger)
			if err != nil {
				return fail(logger, err, "failed to build pipeline")
			}
			defer p.Close()

			result, err := p.Crawl(cmd.Context(), accounts...)
			if werr := writeJSON(result); werr != nil {
				logger.Warn().Err(werr).Msg("failed to write result")
			}
			if err != nil {
				return err
			}
			if !result.Success {
				return errRunIncomplete
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&accounts, "account", nil, "crawl only these account ids")
	return cmd
}

func newDetectCmd(opts *globalOptions) *cobra.Command {
	var (
		since  time.Duration
		replay bool
	)

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Aggregate signals from recently stored posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}

			p, err := app.Build(cmd.Context(), cfg, metrics.Discard(), logger)
			if err != nil {
				return fail(logger, err, "failed to build pipeline")
			}
			defer p.Close()

			var report app.Report
			if replay {
				report, err = p.Replay(cmd.Context())
			} else {
				report, err = p.Detect(cmd.Context(), since)
			}
			if err != nil {
				return fail(logger, err, "detection failed")
			}
			return writeJSON(report)
		},
	}
	cmd.Flags().DurationVar(&since, "since", time.Hour, "aggregate posts scraped within this long")
	cmd.Flags().BoolVar(&replay, "replay", false, "aggregate the posts of the last cached crawl instead")
	return cmd
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
