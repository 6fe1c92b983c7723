package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cesargomez89/hymnsync/internal/constants"
	"github.com/cesargomez89/hymnsync/internal/domain"
	"github.com/cesargomez89/hymnsync/internal/store"
)

type runFlags struct {
	batchSize    int
	concurrency  int
	createBucket bool
}

func (r *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&r.batchSize, "batch-size", 0, "artifacts per checkpointed batch (overrides BATCH_SIZE)")
	cmd.Flags().IntVar(&r.concurrency, "concurrency", 0, "parallel artifacts (overrides CONCURRENCY)")
	cmd.Flags().BoolVar(&r.createBucket, "create-bucket", false, "create the storage bucket when it is missing")
}

func (r *runFlags) apply(f *globalFlags) (*app, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	if r.batchSize > 0 {
		cfg.BatchSize = r.batchSize
	}
	if r.concurrency > 0 {
		cfg.Concurrency = r.concurrency
	}
	if r.createBucket {
		cfg.CreateBucket = true
	}
	return newApp(cfg)
}

func newRunCmd(f *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [dir]",
		Short: "Process every PDF not yet checkpointed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.apply(f)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.execute(cmd.Context(), cmd.OutOrStdout(), domain.RunModeRemaining, dirArg(a, args))
		},
	}
	rf.register(cmd)
	return cmd
}

func newRetryCmd(f *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Retry every artifact in the failure ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.apply(f)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.execute(cmd.Context(), cmd.OutOrStdout(), domain.RunModeRetry, a.cfg.PDFDir)
		},
	}
	rf.register(cmd)
	return cmd
}

func newSampleCmd(f *globalFlags) *cobra.Command {
	rf := &runFlags{}
	var (
		limit  int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "sample [dir]",
		Short: "Process the first few PDFs without checkpointing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.apply(f)
			if err != nil {
				return err
			}
			defer a.Close()

			dir := dirArg(a, args)
			if dryRun {
				plans, err := a.scheduler.Plan(dir, limit)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(plans)
			}

			a.scheduler = a.scheduler.WithSampleLimit(limit)
			return a.execute(cmd.Context(), cmd.OutOrStdout(), domain.RunModeSample, dir)
		},
	}
	rf.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", constants.DefaultSampleLimit, "number of files to process")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print parsed metadata without remote calls")
	return cmd
}

func newFailuresCmd(f *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List artifacts waiting in the failure ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openLocal(f)
			if err != nil {
				return err
			}
			defer db.Close()

			failures, err := store.NewErrorLedger(db).ListFailures(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(failures)
			}

			paths := make([]string, 0, len(failures))
			for p := range failures {
				paths = append(paths, p)
			}
			sort.Strings(paths)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tWHEN\tERROR")
			for _, p := range paths {
				fl := failures[p]
				fmt.Fprintf(w, "%s\t%s\t%s\n", p, humanize.Time(fl.UpdatedAt), fl.Error)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d failed artifact(s)\n", len(failures))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the ledger as JSON")
	return cmd
}

func newStatsCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show remote row counts and local progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tROWS")
			for _, c := range constants.Collections {
				n, err := a.supabase.Count(ctx, c)
				if err != nil {
					return fmt.Errorf("count %s: %w", c, err)
				}
				fmt.Fprintf(w, "%s\t%s\n", c, humanize.Comma(int64(n)))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			state, err := a.tracker.State(ctx)
			if err != nil {
				return err
			}
			failures, err := a.ledger.ListFailures(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nprocessed: %s (successes %s, last saved %s)\nfailed: %d\n",
				humanize.Comma(int64(state.Processed)), humanize.Comma(int64(state.SuccessCount)),
				lastSaved(state.UpdatedAt), len(failures))
			return nil
		},
	}
}

func newRunsCmd(f *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openLocal(f)
			if err != nil {
				return err
			}
			defer db.Close()

			runs, err := store.NewRunRepo(db).ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMODE\tSTATUS\tSTARTED\tTOTAL\tOK\tSKIPPED\tFAILED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					r.ID, r.Mode, r.Status, humanize.Time(r.StartedAt), r.Total, r.Succeeded, r.Skipped, r.Failed)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", constants.MaxRunHistory, "number of runs to show")
	return cmd
}

// execute runs the scheduler and prints the summary.
func (a *app) execute(ctx context.Context, out io.Writer, mode domain.RunMode, dir string) error {
	if _, err := a.runs.ResetStuckRuns(ctx); err != nil {
		a.log.Warn("Failed to reset stuck runs", "error", err)
	}

	summary, err := a.scheduler.Run(ctx, mode, dir)
	printSummary(out, summary)
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		fmt.Fprintln(out, "Run `hymnsync retry` to process the failed artifacts again.")
	}
	return nil
}

func printSummary(out io.Writer, s domain.Summary) {
	fmt.Fprintf(out, "\nRun %s (%s) finished in %s\n", s.RunID, s.Mode, s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "  discovered: %d\n  processed:  %d/%d\n  skipped:    %d\n  failed:     %d\n",
		s.Discovered, s.Succeeded, s.Total, s.Skipped, s.Failed)
}

func dirArg(a *app, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return a.cfg.PDFDir
}

func lastSaved(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
