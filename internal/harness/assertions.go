package harness

import (
	"fmt"
	"math"
	"strings"

	"github.com/roach88/credence/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string                // Assertion type for categorization
	Expected string                // Human-readable expected outcome
	Actual   string                // Human-readable actual outcome
	Trace    []ir.IterationRecord // Iteration trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nIteration trace:\n")
		for _, rec := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] max_delta=%.6g\n", rec.Iteration, rec.MaxDelta)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages. A rejected run fails every assertion except input_error.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, err.Error()))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	if a.Type == AssertInputError {
		return assertInputError(result, a)
	}
	if result.Run == nil {
		return &AssertionError{
			Type:     a.Type,
			Expected: "a finished run",
			Actual:   "run rejected: " + result.InputError,
		}
	}

	run := result.Run
	switch a.Type {
	case AssertStatus:
		return assertStatus(run, a)
	case AssertIterations:
		return assertIterations(run, a)
	case AssertClaim:
		return assertClaim(run, a)
	case AssertClaimBounds:
		return assertClaimBounds(run, a)
	case AssertStage:
		return assertStage(run, a)
	case AssertBand:
		return assertBand(run, a)
	case AssertCorrelationUsed:
		return assertCorrelationUsed(run, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func tolerance(a Assertion) float64 {
	if a.Tolerance > 0 {
		return a.Tolerance
	}
	return DefaultTolerance
}

func near(got, want, tol float64) bool {
	return math.Abs(got-want) <= tol
}

func assertInputError(result *Result, a Assertion) error {
	if result.InputError == "" {
		actual := "run accepted"
		if result.Run != nil {
			actual = fmt.Sprintf("run accepted with status %s", result.Run.ConvergenceStatus)
		}
		return &AssertionError{
			Type:     AssertInputError,
			Expected: "INPUT_ERROR",
			Actual:   actual,
		}
	}
	if !strings.Contains(result.InputError, a.Contains) {
		return &AssertionError{
			Type:     AssertInputError,
			Expected: fmt.Sprintf("INPUT_ERROR containing %q", a.Contains),
			Actual:   result.InputError,
		}
	}
	return nil
}

func assertStatus(run *ir.PipelineRun, a Assertion) error {
	if string(run.ConvergenceStatus) != a.Status {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: a.Status,
			Actual:   fmt.Sprintf("%s (%s)", run.ConvergenceStatus, run.Result.Reason),
			Trace:    run.IterationTrace,
		}
	}
	return nil
}

func assertIterations(run *ir.PipelineRun, a Assertion) error {
	if a.Count != nil && run.IterationCount != *a.Count {
		return &AssertionError{
			Type:     AssertIterations,
			Expected: fmt.Sprintf("exactly %d iterations", *a.Count),
			Actual:   fmt.Sprintf("%d iterations", run.IterationCount),
			Trace:    run.IterationTrace,
		}
	}
	if a.Max != nil && run.IterationCount > *a.Max {
		return &AssertionError{
			Type:     AssertIterations,
			Expected: fmt.Sprintf("at most %d iterations", *a.Max),
			Actual:   fmt.Sprintf("%d iterations", run.IterationCount),
			Trace:    run.IterationTrace,
		}
	}
	return nil
}

func assertClaim(run *ir.PipelineRun, a Assertion) error {
	tol := tolerance(a)
	if !near(run.Result.PointEstimate, *a.Value, tol) {
		return &AssertionError{
			Type:     AssertClaim,
			Expected: fmt.Sprintf("%.6f ± %g", *a.Value, tol),
			Actual:   fmt.Sprintf("%.6f", run.Result.PointEstimate),
			Trace:    run.IterationTrace,
		}
	}
	return nil
}

func assertClaimBounds(run *ir.PipelineRun, a Assertion) error {
	tol := tolerance(a)
	r := run.Result
	if !near(r.LowerBound, *a.Lower, tol) || !near(r.UpperBound, *a.Upper, tol) {
		return &AssertionError{
			Type:     AssertClaimBounds,
			Expected: fmt.Sprintf("[%.6f, %.6f] ± %g", *a.Lower, *a.Upper, tol),
			Actual:   fmt.Sprintf("[%.6f, %.6f]", r.LowerBound, r.UpperBound),
		}
	}
	return nil
}

func assertStage(run *ir.PipelineRun, a Assertion) error {
	id := ir.NormalizeID(a.Stage)
	res, ok := run.FinalEstimates[id]
	if !ok {
		return &AssertionError{
			Type:     AssertStage,
			Expected: fmt.Sprintf("stage %s in final estimates", id),
			Actual:   fmt.Sprintf("stages %v", run.StageIDs()),
		}
	}
	if a.Value != nil {
		tol := tolerance(a)
		if !near(res.Value, *a.Value, tol) {
			return &AssertionError{
				Type:     AssertStage,
				Expected: fmt.Sprintf("%s = %.6f ± %g", id, *a.Value, tol),
				Actual:   fmt.Sprintf("%s = %.6f", id, res.Value),
				Trace:    run.IterationTrace,
			}
		}
	}
	if a.Status != "" && string(res.Status) != a.Status {
		return &AssertionError{
			Type:     AssertStage,
			Expected: fmt.Sprintf("%s status %s", id, a.Status),
			Actual:   fmt.Sprintf("%s status %s (%s)", id, res.Status, res.Reason),
		}
	}
	return nil
}

func assertBand(run *ir.PipelineRun, a Assertion) error {
	v := run.Result.PointEstimate
	subject := "claim"
	if a.Stage != "" {
		id := ir.NormalizeID(a.Stage)
		res, ok := run.FinalEstimates[id]
		if !ok {
			return &AssertionError{
				Type:     AssertBand,
				Expected: fmt.Sprintf("stage %s in final estimates", id),
				Actual:   fmt.Sprintf("stages %v", run.StageIDs()),
			}
		}
		v, subject = res.Value, id
	}
	if band := ir.BandFor(v); band.Label != a.Band {
		return &AssertionError{
			Type:     AssertBand,
			Expected: fmt.Sprintf("%s in band %q", subject, a.Band),
			Actual:   fmt.Sprintf("%s = %.6f in band %q", subject, v, band.Label),
		}
	}
	return nil
}

func assertCorrelationUsed(run *ir.PipelineRun, a Assertion) error {
	x, y := ir.OrderedPair(ir.NormalizeID(a.A), ir.NormalizeID(a.B))
	for _, c := range run.CorrelationsUsed {
		if c.SourceA == x && c.SourceB == y {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertCorrelationUsed,
		Expected: fmt.Sprintf("correlation %s~%s", x, y),
		Actual:   fmt.Sprintf("%d correlations used", len(run.CorrelationsUsed)),
	}
}
