package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/credence/internal/ir"
)

// RenderReport renders a scenario result as a stable text report.
//
// Values are printed with four decimals and stages are sorted, so a report
// depends only on the scenario. Graph hashes and timestamps are left out.
func RenderReport(scenarioName string, result *Result) []byte {
	var buf strings.Builder

	fmt.Fprintf(&buf, "scenario: %s\n", scenarioName)
	if result.Run == nil {
		fmt.Fprintf(&buf, "input_error: %s\n", result.InputError)
		writeVerdict(&buf, result)
		return []byte(buf.String())
	}

	run := result.Run
	fmt.Fprintf(&buf, "run: %s\n", run.RunID)
	fmt.Fprintf(&buf, "status: %s\n", run.ConvergenceStatus)
	fmt.Fprintf(&buf, "iterations: %d\n", run.IterationCount)

	claim := run.ClaimStage
	if claim == "" {
		claim = "(sinks)"
	}
	r := run.Result
	fmt.Fprintf(&buf, "claim %s: %s\n", claim, interval(r.PointEstimate, r.LowerBound, r.UpperBound))
	if r.Reason != "" {
		fmt.Fprintf(&buf, "reason: %s\n", r.Reason)
	}

	for _, id := range run.StageIDs() {
		s := run.FinalEstimates[id]
		fmt.Fprintf(&buf, "stage %s: %s %s\n", id, interval(s.Value, s.LowerBound, s.UpperBound), s.Status)
	}
	for _, c := range run.CorrelationsUsed {
		fmt.Fprintf(&buf, "correlation %s~%s: %.4f\n", c.SourceA, c.SourceB, c.Coefficient)
	}

	writeVerdict(&buf, result)
	return []byte(buf.String())
}

func interval(v, lo, hi float64) string {
	return fmt.Sprintf("%.4f [%.4f, %.4f] %s", v, lo, hi, ir.BandFor(v).Label)
}

func writeVerdict(buf *strings.Builder, result *Result) {
	if result.Pass {
		buf.WriteString("assertions: pass\n")
		return
	}
	fmt.Fprintf(buf, "assertions: %d failed\n", len(result.Errors))
}

// RunWithGolden executes a scenario and compares its report against a
// golden file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the report doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	AssertGolden(t, scenario.Name, result)
	return nil
}

// AssertGolden compares the report of an existing result against a golden
// file without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, RenderReport(scenarioName, result))
}
