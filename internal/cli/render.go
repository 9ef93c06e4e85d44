package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/roach88/credence/internal/engine"
	"github.com/roach88/credence/internal/ir"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	flaggedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
)

// table renders static rows with columns padded to their widest cell.
type table struct {
	headers []string
	rows    [][]string
}

func newTable(headers ...string) *table {
	return &table{headers: headers}
}

func (t *table) add(row ...string) {
	t.rows = append(t.rows, row)
}

func (t *table) write(w io.Writer) error {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			pad := ""
			if i < len(widths) && i < len(cells)-1 {
				pad = strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			}
			if style != nil {
				cell = style.Render(cell)
			}
			parts[i] = cell + pad
		}
		return "  " + strings.Join(parts, "  ")
	}

	if _, err := fmt.Fprintln(w, line(t.headers, &headerStyle)); err != nil {
		return err
	}
	for _, row := range t.rows {
		if _, err := fmt.Fprintln(w, line(row, nil)); err != nil {
			return err
		}
	}
	return nil
}

// interval formats a banded value with its interval.
func interval(v, lo, hi ir.Banded) string {
	return fmt.Sprintf("%.4f [%.4f, %.4f]", v.Value, lo.Value, hi.Value)
}

// writeRun renders a run for humans: status, claim, then one row per stage.
func writeRun(w io.Writer, run *ir.PipelineRun) error {
	b := engine.Banded(run)

	status := string(b.Status)
	if b.Status.Flagged() {
		status = flaggedStyle.Render(status)
	}
	fmt.Fprintf(w, "Run %s: %s (%d iterations)\n", b.RunID, status, run.IterationCount)

	claim := run.ClaimStage
	if claim == "" {
		claim = "(sinks)"
	}
	fmt.Fprintf(w, "Claim %s: %s %s\n", claim, interval(b.Claim, b.Lower, b.Upper), b.Claim.Band)
	if b.Reason != "" {
		fmt.Fprintf(w, "Reason: %s\n", b.Reason)
	}

	if len(b.Stages) > 0 {
		fmt.Fprintln(w, "Stages:")
		t := newTable("STAGE", "VALUE", "BAND", "STATUS", "REASON")
		for _, s := range b.Stages {
			t.add(s.Stage, interval(s.Value, s.Lower, s.Upper), s.Value.Band, string(s.Status), s.Reason)
		}
		if err := t.write(w); err != nil {
			return err
		}
	}

	if len(run.CorrelationsUsed) > 0 {
		fmt.Fprintln(w, "Correlations:")
		for _, c := range run.CorrelationsUsed {
			fmt.Fprintf(w, "  %s~%s %.4f %s\n", c.SourceA, c.SourceB, c.Coefficient, c.Basis)
		}
	}
	return nil
}

// writeTrace renders the iteration trace, one line per sweep.
func writeTrace(w io.Writer, trace []ir.IterationRecord) {
	fmt.Fprintln(w, "Trace:")
	for _, rec := range trace {
		fmt.Fprintf(w, "  [%d] max_delta=%.6g\n", rec.Iteration, rec.MaxDelta)
	}
}
