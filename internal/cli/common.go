package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michael-beebe/shmemvv/internal/config"
	"github.com/michael-beebe/shmemvv/internal/diaglog"
	"github.com/michael-beebe/shmemvv/internal/harness"
	"github.com/michael-beebe/shmemvv/internal/poll"
	"github.com/michael-beebe/shmemvv/internal/quorum"
	"github.com/michael-beebe/shmemvv/internal/shmem"
	"github.com/michael-beebe/shmemvv/internal/suites"
)

// DefaultLabel prefixes console lines and names diagnostic logs.
const DefaultLabel = "shmemvv"

// SuiteFlags are the flags shared by run and launch.
type SuiteFlags struct {
	NPEs        int
	Label       string
	Plan        string
	Filter      string
	LogDir      string
	PollTimeout time.Duration
}

// register binds the flags, defaulting to the environment configuration.
func (f *SuiteFlags) register(cmd *cobra.Command, cfg config.Config) {
	cmd.Flags().IntVarP(&f.NPEs, "npes", "n", cfg.NPEs, "number of PEs")
	cmd.Flags().StringVar(&f.Label, "label", DefaultLabel, "label for console lines and log file names")
	cmd.Flags().StringVar(&f.Plan, "plan", "", "plan file (.yaml or .cue)")
	cmd.Flags().StringVar(&f.Filter, "filter", "", "run only cases matching a glob pattern")
	cmd.Flags().StringVar(&f.LogDir, "log-dir", cfg.LogDir, "directory for per-PE diagnostic logs")
	cmd.Flags().DurationVar(&f.PollTimeout, "poll-timeout", cfg.PollTimeout, "bound on completion polls in test bodies")
}

// load reads the plan and selects the cases to run.
func (f *SuiteFlags) load() (*config.Plan, []harness.Case, error) {
	if f.NPEs <= 0 {
		return nil, nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid --npes %d: must be positive", f.NPEs))
	}

	var plan *config.Plan
	if f.Plan != "" {
		p, err := config.LoadPlan(f.Plan)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to load plan", err)
		}
		plan = p
	}

	cases, err := suites.Select(suites.All(), f.Filter, plan)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to select cases", err)
	}
	return plan, cases, nil
}

// newLogger configures operational logging based on the verbose flag.
func newLogger(verbose bool, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// signalContext is cancelled on SIGINT or SIGTERM. It uses the command's
// context when one is set (for testing).
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// peEnv is everything one PE needs to run the selected cases.
type peEnv struct {
	label   string
	logDir  string
	timeout time.Duration
	plan    *config.Plan
	cases   []harness.Case
	console io.Writer
	logger  *slog.Logger

	// recorder, when set, returns the outcome recorder for a PE.
	recorder func(pe int) harness.Recorder
}

// frame builds the execution frame every case body runs in.
func (e *peEnv) frame(lib shmem.Library, log *diaglog.Log) *harness.Frame {
	return &harness.Frame{
		Lib:         lib,
		Log:         log,
		Timeout:     e.plan.Timeout(e.timeout),
		Backoff:     poll.DefaultBackoff,
		Workarounds: e.plan,
	}
}

// run initializes lib, drives every case and finalizes.
func (e *peEnv) run(ctx context.Context, lib shmem.Library) (harness.Summary, error) {
	if err := lib.Init(ctx); err != nil {
		return harness.Summary{}, fmt.Errorf("init: %w", err)
	}
	me := lib.MyPE()

	log := diaglog.New(diaglog.WithDir(e.logDir))
	if err := log.Init(e.label, me); err != nil {
		e.logger.Warn("diagnostic log unavailable, writing to stderr", "pe", me, "error", err)
	}
	e.logger.Debug("pe started", "pe", me, "npes", lib.NPEs(), "log", log.Path(), "cases", len(e.cases))

	d := &harness.Driver{
		Lib: lib,
		Log: log,
		Frame:      e.frame(lib, log),
		Aggregator: &harness.Aggregator{Lib: lib, Out: e.console, Label: e.label},
		Caps:       []quorum.Capabilities{lib, e.plan},
		Logger:     e.logger.With("pe", me),
	}
	if e.recorder != nil {
		d.Recorder = e.recorder(me)
	}

	sum, err := d.Run(ctx, e.cases)
	if err != nil {
		return sum, err
	}
	if err := lib.Finalize(ctx); err != nil {
		return sum, fmt.Errorf("finalize: %w", err)
	}
	e.logger.Debug("pe finished", "pe", me, "passed", sum.Passed, "failed", sum.Failed, "skipped", sum.Skipped)
	return sum, nil
}
