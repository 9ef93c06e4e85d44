package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/credence/internal/compiler"
	"github.com/roach88/credence/internal/engine"
	"github.com/roach88/credence/internal/ir"
	"github.com/roach88/credence/internal/store"
	"github.com/roach88/credence/internal/testutil"
)

// DefaultEntity owns scenario observations that name no entity.
const DefaultEntity = "scenario"

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory confidence store with a
// deterministic clock and a fixed run id, so identical scenarios produce
// identical runs.
//
// Execution flow:
// 1. Build the stage graph (inline YAML or CUE)
// 2. Ingest observations and record correlations
// 3. Run the engine
// 4. Evaluate assertions against the run
//
// An error is returned only when the scenario itself cannot be set up
// (bad CUE, observations the engine rejects). Engine rejections of the run
// are captured in Result.InputError for input_error assertions.
func Run(scenario *Scenario) (*Result, error) {
	g, claim, err := scenarioGraph(scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to build graph: %w", err)
	}

	clock := testutil.NewDeterministicClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs

	cs := store.NewConfidenceStore(store.WithNow(clock.Now), store.WithLogger(logger))
	eng, err := engine.New(cs,
		engine.WithRunIDs(testutil.NewFixedRunID(scenario.RunID)),
		engine.WithNow(clock.Now),
		engine.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	ctx := context.Background()
	entity := scenario.Entity
	if entity == "" {
		entity = DefaultEntity
	}

	for i, obs := range scenario.Observations {
		if obs.Entity == "" {
			obs.Entity = entity
		}
		if _, err := eng.Ingest(ctx, obs); err != nil {
			return nil, fmt.Errorf("observation %d: %w", i, err)
		}
	}
	for i, c := range scenario.Correlations {
		if err := eng.Tracker().Record(c.A, c.B, c.Coefficient, c.Basis); err != nil {
			return nil, fmt.Errorf("correlation %d: %w", i, err)
		}
	}

	cfg := scenario.Solver.Config()
	req := engine.RunRequest{
		Entity: entity,
		Graph:  g,
		Claim:  claim,
		Solver: &cfg,
	}
	if scenario.Deadline != "" {
		req.Deadline, _ = time.ParseDuration(scenario.Deadline) // validated on load
	}

	result := NewResult()
	run, err := eng.Run(ctx, req)
	switch {
	case ir.IsInputError(err):
		result.InputError = err.Error()
	case err != nil:
		return nil, fmt.Errorf("run: %w", err)
	default:
		result.Run = run
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// scenarioGraph builds the stage graph and claim of a scenario.
func scenarioGraph(s *Scenario) (*ir.StageGraph, string, error) {
	if s.CUE == "" {
		return s.StageGraph(), ir.NormalizeID(s.Claim), nil
	}

	v := cuecontext.New().CompileString(s.CUE, cue.Filename(s.Name+".cue"))
	g, claim, err := compiler.CompileGraph(v)
	if err != nil {
		return nil, "", err
	}
	if s.Claim != "" {
		claim = ir.NormalizeID(s.Claim)
	}
	return g, claim, nil
}
