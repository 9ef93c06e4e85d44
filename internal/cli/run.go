package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/credence/internal/engine"
	"github.com/roach88/credence/internal/ir"
	"github.com/roach88/credence/internal/solver"
	"github.com/roach88/credence/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Observations  string
	Database      string
	Claim         string
	MaxIterations int
	Tolerance     float64
	Deadline      time.Duration
	Seed          uint64
	Parallel      bool
	Trace         bool
	Strict        bool

	// RunIDs allows overriding the run id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs engine.RunIDGenerator
}

// RunOutput is the JSON payload of the run command.
type RunOutput struct {
	Run    *ir.PipelineRun  `json:"run"`
	Banded engine.BandedRun `json:"banded"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <graph-dir>",
		Short: "Solve a stage graph for one entity",
		Long: `Compile the CUE stage graph in <graph-dir>, ingest the observations
file, solve the graph and print the claim confidence with its interval.

With --db, observations are journaled to SQLite, earlier observations of
the database are replayed first, and the finished run is archived.

Exit codes:
  0 - Run finished (flagged runs too, unless --strict)
  1 - Run failed, or was flagged and --strict is set
  2 - Command error (invalid graph, malformed observations, etc.)

Examples:
  credence run ./graph --observations obs.yaml
  credence run ./graph --observations obs.yaml --db runs.db --max-iterations 50
  credence run ./graph --observations obs.yaml --deadline 2s --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Observations, "observations", "", "path to observations YAML (required)")
	_ = cmd.MarkFlagRequired("observations")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database for the journal and run archive")
	cmd.Flags().StringVar(&opts.Claim, "claim", "", "claim stage (overrides the graph's claim)")
	cmd.Flags().IntVar(&opts.MaxIterations, "max-iterations", solver.DefaultMaxIterations, "maximum solver sweeps")
	cmd.Flags().Float64Var(&opts.Tolerance, "tolerance", solver.DefaultTolerance, "convergence tolerance")
	cmd.Flags().DurationVar(&opts.Deadline, "deadline", 0, "solver deadline (0 means none)")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "Monte Carlo seed")
	cmd.Flags().BoolVar(&opts.Parallel, "parallel", false, "recompute independent stages concurrently")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print the iteration trace")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "exit 1 when the run is flagged")

	return cmd
}

func runGraph(opts *RunOptions, graphDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := opts.logger()

	spec, err := LoadGraph(graphDir)
	if err != nil {
		return outputLoadError(formatter, "failed to load graph", err)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", spec.FileCount, graphDir)

	obsFile, err := LoadObservations(opts.Observations)
	if err != nil {
		return outputLoadError(formatter, "failed to load observations", err)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	storeOpts := []store.ConfidenceOption{store.WithLogger(logger)}
	engineOpts := []engine.EngineOption{engine.WithLogger(logger)}
	if opts.RunIDs != nil {
		engineOpts = append(engineOpts, engine.WithRunIDs(opts.RunIDs))
	}

	var st *store.Store
	if opts.Database != "" {
		st, err = store.Open(opts.Database, store.WithStoreLogger(logger))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
		storeOpts = append(storeOpts, store.WithJournal(st))
		engineOpts = append(engineOpts, engine.WithArchive(st))
	}

	cs := store.NewConfidenceStore(storeOpts...)
	if st != nil {
		stats, err := st.Replay(ctx, cs)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to replay journal", err)
		}
		logger.Debug("journal replayed", "read", stats.Read, "restored", stats.Restored)
	}

	eng, err := engine.New(cs, engineOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	for _, obs := range obsFile.Observations {
		if _, err := eng.Ingest(ctx, obs); err != nil {
			if ir.IsInputError(err) {
				return formatter.InputError("invalid observation", err)
			}
			return WrapExitError(ExitCommandError, "failed to ingest observation", err)
		}
	}

	claim := spec.Claim
	if opts.Claim != "" {
		claim = opts.Claim
	}
	cfg := solver.DefaultConfig()
	cfg.MaxIterations = opts.MaxIterations
	cfg.Tolerance = opts.Tolerance
	cfg.Seed = opts.Seed
	cfg.Parallel = opts.Parallel

	run, err := eng.Run(ctx, engine.RunRequest{
		Entity:   obsFile.Entity,
		Graph:    spec.Graph,
		Claim:    claim,
		Solver:   &cfg,
		Deadline: opts.Deadline,
	})
	if err != nil {
		return formatter.InputError("run rejected", err)
	}

	if err := formatter.Success(RunOutput{Run: run, Banded: engine.Banded(run)}, func(w io.Writer) error {
		if err := writeRun(w, run); err != nil {
			return err
		}
		if opts.Trace {
			writeTrace(w, run.IterationTrace)
		}
		return nil
	}); err != nil {
		return err
	}

	switch {
	case run.ConvergenceStatus == ir.RunFailed:
		return NewExitError(ExitFailure, fmt.Sprintf("run %s failed: %s", run.RunID, run.Result.Reason))
	case opts.Strict && run.ConvergenceStatus.Flagged():
		return NewExitError(ExitFailure, fmt.Sprintf("run %s is %s", run.RunID, run.ConvergenceStatus))
	}
	return nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. An
// interrupted solve finishes as a timeout with its partial estimates.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	// Use command's context if available (for testing), otherwise create one
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// outputLoadError reports a LoadError with its code and returns the
// ExitCommandError.
func outputLoadError(formatter *OutputFormatter, message string, err error) error {
	code := ErrCodeGeneric
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		code = loadErr.Code
	}
	if outErr := formatter.Error(code, err.Error(), nil); outErr != nil {
		return outErr
	}
	return WrapExitError(ExitCommandError, message, err)
}
