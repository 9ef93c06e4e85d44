package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/credence/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Stages   int                        `json:"stages"`
	Claim    string                     `json:"claim,omitempty"`
	Order    [][]string                 `json:"order,omitempty"` // strongly connected components in traversal order
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Warnings []compiler.CycleWarning    `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <graph-dir>",
		Short: "Validate a stage graph without solving it",
		Long: `Compile and validate the CUE stage graph in <graph-dir>.

Checks ids, upstream references, rules, weights, priors and custom
expressions, and reports every feedback loop as a warning. Cycles are
legal: the solver iterates them to a fixed point.

Exit codes:
  0 - Graph is valid (warnings allowed)
  1 - Validation errors
  2 - Command error (directory not found, CUE syntax errors, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, graphDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	spec, err := LoadGraph(graphDir)
	if err != nil {
		return outputLoadError(formatter, "failed to load graph", err)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", spec.FileCount, graphDir)

	result := ValidateGraphSpec(spec)
	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}
	return formatter.Success(result, func(w io.Writer) error {
		writeWarnings(w, result.Warnings)
		fmt.Fprintf(w, "✓ Graph valid: %d stage(s)", result.Stages)
		if result.Claim != "" {
			fmt.Fprintf(w, ", claim %s", result.Claim)
		}
		fmt.Fprintln(w)
		return nil
	})
}

// ValidateGraphSpec runs every static check on a loaded graph.
func ValidateGraphSpec(spec *GraphSpec) ValidationResult {
	errs := append(compiler.ValidateGraph(spec.Graph), compiler.ValidateClaim(spec.Graph, spec.Claim)...)
	result := ValidationResult{
		Valid:  len(errs) == 0,
		Stages: len(spec.Graph.Stages),
		Claim:  spec.Claim,
		Errors: errs,
	}
	if result.Valid {
		result.Order = compiler.Condense(spec.Graph)
		result.Warnings = compiler.AnalyzeCycles(spec.Graph)
	}
	return result
}

func writeWarnings(w io.Writer, warnings []compiler.CycleWarning) {
	for _, cw := range warnings {
		fmt.Fprintf(w, "%s: %s (%s)\n", cw.Level, cw.Message, strings.Join(cw.Path, " -> "))
	}
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	errs := result.Errors
	if formatter.Format == "json" {
		if err := formatter.writeJSON(CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "  %s %s: %s\n", err.Code, err.Field, err.Message)
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
