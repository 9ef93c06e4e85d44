package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/credence/internal/ir"
)

// BandOptions holds flags for the band command.
type BandOptions struct {
	*RootOptions
	Table bool
}

// NewBandCommand creates the band command.
func NewBandCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BandOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "band <value>...",
		Short: "Map confidences to qualitative bands",
		Long: `Map each confidence in [0,1] to its qualitative probability band.
With --table, print the whole vocabulary instead.

Examples:
  credence band 0.72 0.96
  credence band --table`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBand(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Table, "table", false, "print the band vocabulary")

	return cmd
}

func runBand(opts *BandOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if opts.Table {
		return formatter.Success(ir.Bands, func(w io.Writer) error {
			t := newTable("BAND", "RANGE")
			for _, b := range ir.Bands {
				t.add(b.Label, fmt.Sprintf("%.2f-%.2f", b.Low, b.High))
			}
			return t.write(w)
		})
	}

	if len(args) == 0 {
		return NewExitError(ExitCommandError, "at least one value is required (or --table)")
	}

	banded := make([]ir.Banded, len(args))
	for i, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil || !ir.InUnitRange(v) {
			msg := fmt.Sprintf("confidence %q is not a number in [0,1]", arg)
			_ = formatter.Error(string(ir.CodeInputError), msg, nil)
			return NewExitError(ExitCommandError, msg)
		}
		banded[i] = ir.NewBanded(v)
	}

	return formatter.Success(banded, func(w io.Writer) error {
		for _, b := range banded {
			fmt.Fprintf(w, "%.4f  %s (%.2f-%.2f)\n", b.Value, b.Band, b.Low, b.High)
		}
		return nil
	})
}
