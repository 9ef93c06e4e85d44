package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/credence/internal/ir"
	"github.com/roach88/credence/internal/store"
)

// RunsOptions holds flags shared by the runs subcommands.
type RunsOptions struct {
	*RootOptions
	Database string
	Limit    int
	Status   string
	Keep     int
	Trace    bool
}

// PruneResult is the JSON payload of runs prune.
type PruneResult struct {
	Deleted int64 `json:"deleted"`
	Kept    int   `json:"kept"`
}

// NewRunsCommand creates the runs command and its list, show and prune
// subcommands.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run archive",
		Long: `Inspect finalized runs archived by 'credence run --db'.

Examples:
  credence runs list --db runs.db --status non_converged
  credence runs show --db runs.db <run-id> --trace
  credence runs prune --db runs.db --keep 100`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkPersistentFlagRequired("db")

	list := &cobra.Command{
		Use:           "list",
		Short:         "List archived runs, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsList(opts, cmd)
		},
	}
	list.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to list (0 means all)")
	list.Flags().StringVar(&opts.Status, "status", "", "only runs with this convergence status")

	show := &cobra.Command{
		Use:           "show <run-id>",
		Short:         "Show one archived run",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsShow(opts, args[0], cmd)
		},
	}
	show.Flags().BoolVar(&opts.Trace, "trace", false, "print the iteration trace")

	prune := &cobra.Command{
		Use:           "prune",
		Short:         "Delete all but the newest archived runs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsPrune(opts, cmd)
		},
	}
	prune.Flags().IntVar(&opts.Keep, "keep", 0, "number of newest runs to keep (required)")
	_ = prune.MarkFlagRequired("keep")

	cmd.AddCommand(list, show, prune)
	return cmd
}

// openExisting opens a database that must already exist. store.Open
// would otherwise create an empty one.
func openExisting(path string, logger *slog.Logger) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(path, store.WithStoreLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func runRunsList(opts *RunsOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	status := ir.RunStatus(opts.Status)
	if status != "" && !validRunStatus(status) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", opts.Status))
	}

	st, err := openExisting(opts.Database, opts.logger())
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(cmd.Context(), opts.Limit, status)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	return formatter.Success(runs, func(w io.Writer) error {
		if len(runs) == 0 {
			_, err := fmt.Fprintln(w, "No runs found in database.")
			return err
		}
		t := newTable("RUN", "STATUS", "ITERATIONS", "CLAIM", "BAND", "FINISHED")
		for _, r := range runs {
			t.add(
				r.RunID,
				string(r.Status),
				fmt.Sprintf("%d", r.IterationCount),
				fmt.Sprintf("%.4f", r.PointEstimate),
				ir.BandFor(r.PointEstimate).Label,
				time.Unix(0, r.FinishedAt).UTC().Format(time.RFC3339),
			)
		}
		return t.write(w)
	})
}

func runRunsShow(opts *RunsOptions, runID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	st, err := openExisting(opts.Database, opts.logger())
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.ReadRun(cmd.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("run %s not found", runID), nil)
		return WrapExitError(ExitCommandError, "run not found", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	return formatter.Success(run, func(w io.Writer) error {
		if err := writeRun(w, run); err != nil {
			return err
		}
		if opts.Trace {
			writeTrace(w, run.IterationTrace)
		}
		return nil
	})
}

func runRunsPrune(opts *RunsOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if opts.Keep < 0 {
		return NewExitError(ExitCommandError, "--keep must be non-negative")
	}

	st, err := openExisting(opts.Database, opts.logger())
	if err != nil {
		return err
	}
	defer st.Close()

	deleted, err := st.PruneRuns(cmd.Context(), opts.Keep)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to prune runs", err)
	}
	opts.logger().Info("runs pruned", "deleted", deleted, "keep", opts.Keep)

	return formatter.Success(PruneResult{Deleted: deleted, Kept: opts.Keep}, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Pruned %d run(s), keeping the newest %d.\n", deleted, opts.Keep)
		return err
	})
}

func validRunStatus(s ir.RunStatus) bool {
	switch s {
	case ir.RunConverged, ir.RunNonConverged, ir.RunDegraded, ir.RunTimeout, ir.RunFailed:
		return true
	}
	return false
}
