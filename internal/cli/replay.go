package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/roach88/credence/internal/ir"
	"github.com/roach88/credence/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database  string
	Namespace string // optional - run id, or empty for observations
	AllKeys   bool   // include every namespace
}

// ReplayResult holds the replay result.
type ReplayResult struct {
	Read          int           `json:"read"`
	Restored      int           `json:"restored"`
	LastSeq       int64         `json:"last_seq"`
	Keys          int           `json:"keys"`
	ArchivedRuns  int64         `json:"archived_runs"`
	Deterministic bool          `json:"deterministic"`
	Diff          string        `json:"diff,omitempty"`
	Latest        []ir.Estimate `json:"latest"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the confidence store from the journal",
		Long: `Rebuild the confidence store from the SQLite journal and print the
latest estimate of every key.

The journal is replayed twice into independent stores to verify that the
rebuild is deterministic.

Exit codes:
  0 - Replay is deterministic
  1 - Determinism verification failed (differences detected)
  2 - Command error (database not found, etc.)

Examples:
  credence replay --db runs.db
  credence replay --db runs.db --namespace <run-id>
  credence replay --db runs.db --all --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Namespace, "namespace", "", "namespace to print (a run id; empty for observations)")
	cmd.Flags().BoolVar(&opts.AllKeys, "all", false, "print every namespace")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := opts.logger()

	st, err := openExisting(opts.Database, opts.logger())
	if err != nil {
		return err
	}
	defer st.Close()

	first, stats, err := replayOnce(cmd.Context(), st, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "first replay failed", err)
	}
	second, _, err := replayOnce(cmd.Context(), st, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "second replay failed", err)
	}
	dbStats, err := st.Stats(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read database stats", err)
	}

	result := ReplayResult{
		Read:         stats.Read,
		Restored:     stats.Restored,
		LastSeq:      stats.LastSeq,
		Keys:         len(first.Keys()),
		ArchivedRuns: dbStats.Runs,
		Latest:       latest(first, opts),
	}
	result.Diff = cmp.Diff(snapshot(first), snapshot(second))
	result.Deterministic = result.Diff == ""
	logger.Debug("journal replayed",
		"read", stats.Read,
		"restored", stats.Restored,
		"keys", result.Keys,
		"schema_version", dbStats.SchemaVersion,
	)

	if err := formatter.Success(result, func(w io.Writer) error {
		fmt.Fprintf(w, "Replay Summary: %d entries, %d keys, last seq %d, %d archived run(s)\n",
			result.Read, result.Keys, result.LastSeq, result.ArchivedRuns)
		fmt.Fprintln(w)
		if len(result.Latest) > 0 {
			t := newTable("KEY", "VERSION", "VALUE", "BAND", "STATUS")
			for _, est := range result.Latest {
				t.add(
					est.Key().String(),
					fmt.Sprintf("%d", est.Version),
					fmt.Sprintf("%.4f [%.4f, %.4f]", est.Value, est.LowerBound, est.UpperBound),
					ir.BandFor(est.Value).Label,
					string(est.Status),
				)
			}
			if err := t.write(w); err != nil {
				return err
			}
			fmt.Fprintln(w)
		}
		if result.Deterministic {
			fmt.Fprintln(w, "✓ Replay verified deterministic")
			return nil
		}
		fmt.Fprintln(w, "✗ Determinism verification failed")
		if opts.Verbose {
			fmt.Fprintln(w, result.Diff)
		}
		return nil
	}); err != nil {
		return err
	}

	if !result.Deterministic {
		// Determinism failure = exit code 1
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	return nil
}

// replayOnce rebuilds a fresh confidence store from the journal.
func replayOnce(ctx context.Context, st *store.Store, opts *ReplayOptions) (*store.ConfidenceStore, store.ReplayStats, error) {
	cs := store.NewConfidenceStore(store.WithLogger(opts.logger()))
	stats, err := st.Replay(ctx, cs)
	return cs, stats, err
}

// latest returns the newest estimate of every key selected by opts.
func latest(cs *store.ConfidenceStore, opts *ReplayOptions) []ir.Estimate {
	out := []ir.Estimate{}
	if !opts.AllKeys {
		return append(out, cs.Latest(opts.Namespace)...)
	}
	for _, k := range cs.Keys() {
		out = append(out, cs.GetLatest(k))
	}
	return out
}

// snapshot is the full version history of every key, for comparison.
func snapshot(cs *store.ConfidenceStore) map[string][]ir.Estimate {
	out := make(map[string][]ir.Estimate)
	for _, k := range cs.Keys() {
		out[k.String()] = cs.GetHistory(k)
	}
	return out
}
