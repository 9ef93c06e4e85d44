package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/credence/internal/ir"
)

// createTestStore creates a new SQLite store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// baseTime is the fixed wall-clock origin for deterministic timestamps.
var baseTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// fixedNow returns a clock function pinned to baseTime.
func fixedNow() time.Time {
	return baseTime
}

// createTestRun creates a finalized run with minimal required fields.
func createTestRun(id string, finished time.Time, status ir.RunStatus) *ir.PipelineRun {
	return &ir.PipelineRun{
		RunID:             id,
		GraphHash:         "test-hash",
		ClaimStage:        "claim",
		ConvergenceStatus: status,
		IterationCount:    3,
		IterationTrace: []ir.IterationRecord{
			{Iteration: 1, MaxDelta: 0.2, Deltas: map[string]float64{"claim": 0.2}, Values: map[string]float64{"claim": 0.7}},
		},
		FinalEstimates: map[string]ir.StageResult{
			"claim": {StageID: "claim", Value: 0.7, LowerBound: 0.6, UpperBound: 0.8, Status: ir.StatusSuccess, Method: "independent"},
		},
		Result: ir.Result{
			PointEstimate: 0.7,
			LowerBound:    0.6,
			UpperBound:    0.8,
			Status:        status,
		},
		CorrelationsUsed: []ir.CorrelationEntry{},
		StartedAt:        finished.Add(-time.Second),
		FinishedAt:       finished,
		EngineVersion:    ir.EngineVersion,
		SchemaVersion:    ir.SchemaVersion,
	}
}
