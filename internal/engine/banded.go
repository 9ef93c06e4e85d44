package engine

import (
	"github.com/roach88/credence/internal/ir"
)

// BandedStage is the presentation view of one stage result.
type BandedStage struct {
	Stage  string    `json:"stage"`
	Value  ir.Banded `json:"value"`
	Lower  ir.Banded `json:"lower"`
	Upper  ir.Banded `json:"upper"`
	Status ir.Status `json:"status"`
	Reason string    `json:"reason,omitempty"`
}

// BandedRun is the human-facing view of a run. Every band carries the
// number it was derived from, so no precision is lost.
type BandedRun struct {
	RunID  string        `json:"run_id"`
	Status ir.RunStatus  `json:"status"`
	Reason string        `json:"reason,omitempty"`
	Claim  ir.Banded     `json:"claim"`
	Lower  ir.Banded     `json:"claim_lower"`
	Upper  ir.Banded     `json:"claim_upper"`
	Stages []BandedStage `json:"stages"`
}

// Banded maps every numeric value of run to its band. Stages are sorted by
// id. Banded is pure: run is not modified.
func Banded(run *ir.PipelineRun) BandedRun {
	out := BandedRun{
		RunID:  run.RunID,
		Status: run.ConvergenceStatus,
		Reason: run.Result.Reason,
		Claim:  ir.NewBanded(run.Result.PointEstimate),
		Lower:  ir.NewBanded(run.Result.LowerBound),
		Upper:  ir.NewBanded(run.Result.UpperBound),
		Stages: make([]BandedStage, 0, len(run.FinalEstimates)),
	}
	for _, id := range run.StageIDs() {
		r := run.FinalEstimates[id]
		out.Stages = append(out.Stages, BandedStage{
			Stage:  id,
			Value:  ir.NewBanded(r.Value),
			Lower:  ir.NewBanded(r.LowerBound),
			Upper:  ir.NewBanded(r.UpperBound),
			Status: r.Status,
			Reason: r.Reason,
		})
	}
	return out
}
