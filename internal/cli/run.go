package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michael-beebe/shmemvv/internal/config"
	"github.com/michael-beebe/shmemvv/internal/harness"
	"github.com/michael-beebe/shmemvv/internal/shmem"
	"github.com/michael-beebe/shmemvv/internal/shmem/loopback"
	"github.com/michael-beebe/shmemvv/internal/shmem/sqlshm"
	"github.com/michael-beebe/shmemvv/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	SuiteFlags

	Backend string
	PE      int
	Store   string
	RunID   string
}

// RunResult is the JSON payload of run.
type RunResult struct {
	RunID   string          `json:"run_id,omitempty"`
	Label   string          `json:"label"`
	NPEs    int             `json:"npes"`
	Backend string          `json:"backend"`
	Summary harness.Summary `json:"summary"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cfg := config.Load()
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the conformance suite",
		Long: `Run the conformance suite against a library binding.

With the loopback backend every PE runs in this process. With the sqlite
backend this process is one PE of a job whose PEs share a SQLite store;
launch starts such jobs and sets --pe, --store and --run-id through the
environment.

Exit codes:
  0 - Every case passed or was skipped
  1 - One or more cases failed
  2 - Command error (bad flags, unreadable plan, etc.)

Examples:
  shmemvv run --npes 4
  shmemvv run --npes 2 --filter "shmem_*_reduce"
  shmemvv run --plan ./plan.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuite(opts, cmd)
		},
	}

	opts.register(cmd, cfg)
	cmd.Flags().StringVar(&opts.Backend, "backend", cfg.Backend, "library binding (loopback|sqlite)")
	cmd.Flags().IntVar(&opts.PE, "pe", cfg.PE, "rank of this process (sqlite backend)")
	cmd.Flags().StringVar(&opts.Store, "store", cfg.StorePath, "path to the shared SQLite store")
	cmd.Flags().StringVar(&opts.RunID, "run-id", cfg.RunID, "run identifier inside the store")

	return cmd
}

func runSuite(opts *RunOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.Verbose, cmd.ErrOrStderr())

	plan, cases, err := opts.load()
	if err != nil {
		return err
	}
	logger.Debug("cases selected", "count", len(cases), "filter", opts.Filter, "plan", opts.Plan)

	ctx, stop := signalContext(cmd)
	defer stop()

	console := cmd.OutOrStdout()
	if opts.Format == "json" {
		console = io.Discard
	}
	env := &peEnv{
		label:   opts.Label,
		logDir:  opts.LogDir,
		timeout: opts.PollTimeout,
		plan:    plan,
		cases:   cases,
		console: &lockedWriter{w: console},
		logger:  logger,
	}

	var (
		sums      []harness.Summary
		authority bool
	)
	switch opts.Backend {
	case config.BackendLoopback:
		sums, err = runLoopback(ctx, opts, env)
		authority = true
	case config.BackendSQLite:
		var sum harness.Summary
		sum, err = runSQLitePE(ctx, opts, env)
		sums = []harness.Summary{sum}
		authority = opts.PE == harness.AuthorityPE
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown backend %q: must be %s or %s",
			opts.Backend, config.BackendLoopback, config.BackendSQLite))
	}
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return err
		}
		if ctx.Err() != nil {
			return WrapExitError(ExitFailure, "run interrupted", err)
		}
		return WrapExitError(ExitCommandError, "run aborted", err)
	}

	if opts.Format == "json" && authority {
		formatter := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
		if err := formatter.Success(RunResult{
			RunID:   opts.RunID,
			Label:   opts.Label,
			NPEs:    opts.NPEs,
			Backend: opts.Backend,
			Summary: sums[0],
		}); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}

	failed := 0
	for _, sum := range sums {
		if !sum.OK() {
			failed++
		}
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("cases failed on %d of %d PE(s)", failed, len(sums)))
	}
	return nil
}

// runLoopback runs every PE on its own goroutine.
func runLoopback(ctx context.Context, opts *RunOptions, env *peEnv) ([]harness.Summary, error) {
	if opts.Store != "" {
		st, err := store.Open(opts.Store)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open store", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing store", "error", closeErr)
			}
		}()
		if opts.RunID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, WrapExitError(ExitCommandError, "failed to generate run id", err)
			}
			opts.RunID = id.String()
		}
		if err := registerRun(ctx, st, opts); err != nil {
			return nil, err
		}
		env.recorder = func(pe int) harness.Recorder {
			return newStoreRecorder(st, opts.RunID, pe)
		}
		env.logger.Info("recording outcomes", "store", opts.Store, "run_id", opts.RunID)
	}

	sums := make([]harness.Summary, opts.NPEs)
	err := loopback.Run(ctx, opts.NPEs, func(ctx context.Context, lib *shmem.Runtime) error {
		sum, err := env.run(ctx, lib)
		sums[lib.MyPE()] = sum
		return err
	})
	return sums, err
}

// runSQLitePE runs this process as one PE of a multi-process job.
func runSQLitePE(ctx context.Context, opts *RunOptions, env *peEnv) (harness.Summary, error) {
	if opts.PE < 0 || opts.Store == "" || opts.RunID == "" {
		return harness.Summary{}, NewExitError(ExitCommandError,
			"sqlite backend needs --pe, --store and --run-id; use launch to start a job")
	}

	tr, err := sqlshm.Open(opts.Store, opts.RunID, opts.PE, opts.NPEs)
	if err != nil {
		return harness.Summary{}, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if closeErr := tr.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	if err := registerRun(ctx, tr.Store(), opts); err != nil {
		return harness.Summary{}, err
	}
	env.recorder = func(pe int) harness.Recorder {
		return newStoreRecorder(tr.Store(), opts.RunID, pe)
	}
	return env.run(ctx, shmem.New(tr))
}

// registerRun records the run. Every PE may do it; the first insert wins.
func registerRun(ctx context.Context, st *store.Store, opts *RunOptions) error {
	err := st.CreateRun(ctx, store.Run{
		ID:        opts.RunID,
		Label:     opts.Label,
		NPEs:      opts.NPEs,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to register run", err)
	}
	return nil
}
