package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michael-beebe/shmemvv/internal/config"
	"github.com/michael-beebe/shmemvv/internal/harness"
	"github.com/michael-beebe/shmemvv/internal/store"
)

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	Store string
}

// Report is a recorded run with the outcomes of all PEs combined per case.
type Report struct {
	RunID     string          `json:"run_id"`
	Label     string          `json:"label"`
	NPEs      int             `json:"npes"`
	StartedAt time.Time       `json:"started_at"`
	Summary   harness.Summary `json:"summary"`
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	cfg := config.Load()
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report [run-id]",
		Short: "Combine the recorded outcomes of a run",
		Long: `Read the outcomes every PE recorded for a run and combine them per case.

A case passes only if it passed or was skipped on every PE, and a PE that
recorded nothing for a case counts as a failure. Without a run id the most
recent run in the store is reported.

Examples:
  shmemvv report --store ./run.db
  shmemvv report --store ./run.db 01928c3e-... --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			return runReport(opts, runID, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Store, "store", cfg.StorePath, "path to the SQLite store")

	return cmd
}

func runReport(opts *ReportOptions, runID string, cmd *cobra.Command) error {
	if opts.Store == "" {
		return NewExitError(ExitCommandError, "no store given: use --store or set "+config.EnvStore)
	}
	if _, err := os.Stat(opts.Store); err != nil {
		return WrapExitError(ExitCommandError, "store not found", err)
	}

	st, err := store.Open(opts.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	report, err := buildReport(ctx, st, runID)
	if err != nil {
		return err
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		if err := formatter.Success(report); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	} else {
		out := cmd.OutOrStdout()
		for _, o := range report.Summary.Outcomes {
			fmt.Fprintln(out, harness.Line(report.Label, o))
			if opts.Verbose && !o.OK() {
				fmt.Fprintf(out, "  %s\n", o.Reason)
			}
		}
		s := report.Summary
		fmt.Fprintf(out, "\n%d cases: %d passed, %d failed, %d skipped (run %s, %d PEs)\n",
			s.Total, s.Passed, s.Failed, s.Skipped, report.RunID, report.NPEs)
	}

	if !report.Summary.OK() {
		return NewExitError(ExitFailure, fmt.Sprintf("%d case(s) failed", report.Summary.Failed))
	}
	return nil
}

func buildReport(ctx context.Context, st *store.Store, runID string) (Report, error) {
	runs, err := st.ListRuns(ctx)
	if err != nil {
		return Report{}, WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	if len(runs) == 0 {
		return Report{}, NewExitError(ExitCommandError, "store holds no runs")
	}

	run := runs[0]
	if runID != "" {
		i := slices.IndexFunc(runs, func(r store.Run) bool { return r.ID == runID })
		if i < 0 {
			return Report{}, NewExitError(ExitCommandError, fmt.Sprintf("run %s not found", runID))
		}
		run = runs[i]
	}

	records, err := st.ListOutcomes(ctx, run.ID)
	if err != nil {
		return Report{}, WrapExitError(ExitCommandError, "failed to list outcomes", err)
	}
	return Report{
		RunID:     run.ID,
		Label:     run.Label,
		NPEs:      run.NPEs,
		StartedAt: run.StartedAt,
		Summary:   combine(records, run.NPEs),
	}, nil
}

// combine ANDs the per-PE records of each case. Records arrive ordered by
// seq, then PE.
func combine(records []store.OutcomeRecord, npes int) harness.Summary {
	sum := harness.Summary{Outcomes: []harness.Outcome{}}
	for start := 0; start < len(records); {
		end := start
		for end < len(records) && records[end].Seq == records[start].Seq {
			end++
		}
		sum.Add(combineCase(records[start:end], npes))
		start = end
	}
	return sum
}

func combineCase(recs []store.OutcomeRecord, npes int) harness.Outcome {
	o := harness.Outcome{Name: recs[0].Name}

	seen := make(map[int]bool, len(recs))
	var failed []string
	skipped := 0
	for _, r := range recs {
		seen[r.PE] = true
		switch {
		case r.Skipped:
			skipped++
			if o.Reason == "" {
				o.Reason = r.Reason
			}
		case !r.Passed:
			failed = append(failed, fmt.Sprintf("pe %d: %s", r.PE, r.Reason))
		}
	}
	var missing []string
	for pe := 0; pe < npes; pe++ {
		if !seen[pe] {
			missing = append(missing, fmt.Sprint(pe))
		}
	}

	switch {
	case len(failed) > 0 || len(missing) > 0:
		if len(missing) > 0 {
			failed = append(failed, "no outcome from pe "+strings.Join(missing, ", "))
		}
		o.Reason = strings.Join(failed, "; ")
	case skipped == len(recs):
		o.Skipped = true
	default:
		o.Passed = true
		o.Reason = ""
	}
	return o
}
