package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/michael-beebe/shmemvv/internal/config"
	"github.com/michael-beebe/shmemvv/internal/harness"
	"github.com/michael-beebe/shmemvv/internal/store"
)

// LaunchOptions holds flags for the launch command.
type LaunchOptions struct {
	*RootOptions
	SuiteFlags

	Store string
	RunID string

	// Executable is the binary started once per PE. If empty, defaults to
	// the running executable.
	Executable string
}

// NewLaunchCommand creates the launch command.
func NewLaunchCommand(rootOpts *RootOptions) *cobra.Command {
	cfg := config.Load()
	opts := &LaunchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Start one process per PE over a shared SQLite store",
		Long: `Start an SPMD job: one "shmemvv run --backend sqlite" process per PE.

The PEs share a SQLite store holding their symmetric heaps, barriers and
recorded outcomes. PE 0's console output is forwarded; every PE writes its
own diagnostic log. The job fails if any PE fails.

Examples:
  shmemvv launch --npes 4
  shmemvv launch --npes 2 --store ./run.db --filter "shmem_atomic_*"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLaunch(opts, cmd)
		},
	}

	opts.register(cmd, cfg)
	cmd.Flags().StringVar(&opts.Store, "store", cfg.StorePath, "path to the shared SQLite store (default: <log-dir>/<label>-<run-id>.db)")
	cmd.Flags().StringVar(&opts.RunID, "run-id", cfg.RunID, "run identifier (default: a new UUIDv7)")

	return cmd
}

func runLaunch(opts *LaunchOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.Verbose, cmd.ErrOrStderr())

	// Reject a bad plan or filter once, before any PE starts.
	if _, _, err := opts.load(); err != nil {
		return err
	}

	exe := opts.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to locate executable", err)
		}
		exe = self
	}

	runID := opts.RunID
	if runID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to generate run id", err)
		}
		runID = id.String()
	}
	storePath := opts.Store
	if storePath == "" {
		storePath = filepath.Join(opts.LogDir, fmt.Sprintf("%s-%s.db", opts.Label, runID))
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	if err := prepareStore(ctx, storePath, store.Run{
		ID:        runID,
		Label:     opts.Label,
		NPEs:      opts.NPEs,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	logger.Info("launching", "npes", opts.NPEs, "run_id", runID, "store", storePath)

	stdout := &lockedWriter{w: cmd.OutOrStdout()}
	stderr := &lockedWriter{w: cmd.ErrOrStderr()}
	codes := make([]int, opts.NPEs)

	// A PE that dies abnormally leaves the others blocked in collectives, so
	// the first one stops the rest of the job.
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		mu      sync.Mutex
		culprit = -1
	)

	var g errgroup.Group
	for rank := 0; rank < opts.NPEs; rank++ {
		env := config.Config{
			Backend:     config.BackendSQLite,
			NPEs:        opts.NPEs,
			PE:          rank,
			StorePath:   storePath,
			RunID:       runID,
			LogDir:      opts.LogDir,
			PollTimeout: opts.PollTimeout,
		}
		child := exec.CommandContext(jobCtx, exe, opts.childArgs()...)
		child.Env = append(os.Environ(), env.Environ()...)
		child.Stdout = io.Discard
		if rank == harness.AuthorityPE {
			child.Stdout = stdout
		}
		child.Stderr = stderr

		g.Go(func() error {
			code := exitCode(child.Run())
			codes[rank] = code
			logger.Debug("pe exited", "pe", rank, "code", code)
			if code == ExitSuccess || code == ExitFailure {
				return nil
			}
			mu.Lock()
			if culprit < 0 && jobCtx.Err() == nil {
				culprit = rank
				logger.Warn("pe exited abnormally, stopping the job", "pe", rank, "code", code)
				cancel()
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var failed, stopped []int
	for rank, code := range codes {
		switch {
		case code == ExitSuccess:
		case code == ExitFailure:
			failed = append(failed, rank)
		case rank != culprit:
			stopped = append(stopped, rank)
		}
	}
	switch {
	case culprit >= 0:
		msg := fmt.Sprintf("PE %d exited abnormally (code %d)", culprit, codes[culprit])
		if len(stopped) > 0 {
			msg += fmt.Sprintf("; stopped PE(s) %v", stopped)
		}
		return NewExitError(ExitCommandError, msg)
	case ctx.Err() != nil:
		return WrapExitError(ExitFailure, "launch interrupted", ctx.Err())
	case len(failed) > 0:
		return NewExitError(ExitFailure, fmt.Sprintf("cases failed on PE(s) %v", failed))
	}
	logger.Info("run complete", "run_id", runID, "store", storePath)
	return nil
}

// childArgs are the run flags forwarded to every PE. Rank, size, store and
// run id travel in the environment.
func (opts *LaunchOptions) childArgs() []string {
	args := []string{"run", "--backend", config.BackendSQLite, "--label", opts.Label, "--format", opts.Format}
	if opts.Plan != "" {
		args = append(args, "--plan", opts.Plan)
	}
	if opts.Filter != "" {
		args = append(args, "--filter", opts.Filter)
	}
	if opts.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

// prepareStore creates the store and registers the run before any PE opens it.
func prepareStore(ctx context.Context, path string, run store.Run) error {
	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()
	if err := st.CreateRun(ctx, run); err != nil {
		return WrapExitError(ExitCommandError, "failed to register run", err)
	}
	return nil
}

// exitCode maps the result of a child process onto a CLI exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return ExitCommandError
}
