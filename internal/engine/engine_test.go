package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/credence/internal/correlation"
	"github.com/roach88/credence/internal/ir"
	"github.com/roach88/credence/internal/solver"
	"github.com/roach88/credence/internal/store"
	tu "github.com/roach88/credence/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	clock := tu.NewDeterministicClock()
	base := []EngineOption{
		WithRunIDs(NewSequenceGenerator("run")),
		WithNow(clock.Now),
		WithLogger(quietLogger()),
	}
	e, err := New(store.NewConfidenceStore(store.WithNow(clock.Now)), append(base, opts...)...)
	require.NoError(t, err)
	return e
}

func ingest(t *testing.T, e *Engine, entity string, values map[string]float64) {
	t.Helper()
	for stage, v := range values {
		_, err := e.Ingest(context.Background(), Observation{Entity: entity, Stage: stage, Value: v})
		require.NoError(t, err)
	}
}

func mergeGraph(rule ir.CombinationRule) *ir.StageGraph {
	return tu.Graph(
		tu.Stage("ocr", ir.RuleIndependent),
		tu.Stage("layout", ir.RuleIndependent),
		tu.Stage("merge", rule, "ocr", "layout"),
	)
}

func cycleGraph() *ir.StageGraph {
	return tu.Graph(
		tu.Stage("x", ir.RuleWeighted, "y"),
		tu.Stage("y", ir.RuleWeighted, "x"),
	)
}

func TestNew(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	cfg := solver.DefaultConfig()
	cfg.MaxIterations = 0
	_, err = New(store.NewConfidenceStore(), WithSolverConfig(cfg))
	assert.True(t, ir.IsInputError(err))

	_, err = New(store.NewConfidenceStore(), WithTrackerOptions(correlation.WithCapacity(0)))
	require.Error(t, err)

	e, err := New(store.NewConfidenceStore())
	require.NoError(t, err)
	assert.NotNil(t, e.Store())
	assert.NotNil(t, e.Tracker())
	assert.NotNil(t, e.Metrics())
}

func TestIngest(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v, err := e.Ingest(ctx, Observation{Entity: "doc-1", Stage: "ocr", Value: 0.9})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	est := e.Store().GetLatest(ir.Key{Entity: "doc-1", Stage: "ocr"})
	assert.Equal(t, 0.9, est.Value)
	assert.Equal(t, ir.StatusSuccess, est.Status)
	assert.Nil(t, est.Beta)
}

func TestIngest_CountsBecomeBeta(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Ingest(context.Background(), Observation{
		Entity: "doc-1", Stage: "ocr", Value: 0.9, Successes: 9, Failures: 1,
	})
	require.NoError(t, err)

	est := e.Store().GetLatest(ir.Key{Entity: "doc-1", Stage: "ocr"})
	require.NotNil(t, est.Beta)
	assert.Equal(t, ir.BetaParams{Alpha: 10, Beta: 2}, *est.Beta)
}

func TestIngest_CorrelationHints(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Ingest(context.Background(), Observation{
		Entity: "doc-1", Stage: "ocr", Value: 0.9,
		Correlations: []CorrelationHint{
			{With: "layout", Coefficient: 0.5, Basis: "same scanner"},
			{With: "lang", Coefficient: 0.05},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 0.5, e.Tracker().Query("layout", "ocr"))
	assert.Equal(t, 0.0, e.Tracker().Query("ocr", "lang"), "below threshold")
}

func TestIngest_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		obs   Observation
		field string
	}{
		{"value above one", Observation{Entity: "d", Stage: "s", Value: 1.5}, "Observation.Value"},
		{"negative value", Observation{Entity: "d", Stage: "s", Value: -0.1}, "Observation.Value"},
		{"missing entity", Observation{Stage: "s", Value: 0.5}, "Observation.Entity"},
		{"missing stage", Observation{Entity: "d", Value: 0.5}, "Observation.Stage"},
		{"negative counts", Observation{Entity: "d", Stage: "s", Value: 0.5, Failures: -1}, "Observation.Failures"},
		{"coefficient out of range", Observation{
			Entity: "d", Stage: "s", Value: 0.5,
			Correlations: []CorrelationHint{{With: "t", Coefficient: 2}},
		}, "Observation.Correlations[0].Coefficient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			_, err := e.Ingest(context.Background(), tt.obs)
			require.Error(t, err)
			assert.True(t, ir.IsInputError(err))

			var ie *ir.Error
			require.ErrorAs(t, err, &ie)
			assert.Contains(t, ie.Details, tt.field)

			assert.Empty(t, e.Store().Keys(), "nothing stored")
		})
	}
}

func TestRun_Converged(t *testing.T) {
	e := newTestEngine(t)
	ingest(t, e, "doc-1", map[string]float64{"ocr": 0.9, "layout": 0.8})

	run, err := e.Run(context.Background(), RunRequest{Entity: "doc-1", Graph: mergeGraph(ir.RuleIndependent), Claim: "merge"})
	require.NoError(t, err)

	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, ir.RunConverged, run.ConvergenceStatus)
	assert.Equal(t, 1, run.IterationCount)
	assert.Len(t, run.IterationTrace, 1)
	assert.Equal(t, "merge", run.ClaimStage)
	assert.NotEmpty(t, run.GraphHash)
	assert.Equal(t, ir.EngineVersion, run.EngineVersion)
	assert.False(t, run.FinishedAt.Before(run.StartedAt))

	assert.InDelta(t, 0.7764, run.Result.PointEstimate, 1e-4)
	assert.Equal(t, ir.RunConverged, run.Result.Status)
	assert.LessOrEqual(t, run.Result.LowerBound, run.Result.PointEstimate)
	assert.GreaterOrEqual(t, run.Result.UpperBound, run.Result.PointEstimate)
	assert.Len(t, run.FinalEstimates, 3)
}

func TestRun_WritesBackUnderRunNamespace(t *testing.T) {
	e := newTestEngine(t)
	ingest(t, e, "doc-1", map[string]float64{"ocr": 0.9, "layout": 0.8})

	run, err := e.Run(context.Background(), RunRequest{Entity: "doc-1", Graph: mergeGraph(ir.RuleIndependent), Claim: "merge"})
	require.NoError(t, err)

	solved := e.Store().GetLatest(ir.Key{Namespace: run.RunID, Entity: "doc-1", Stage: "merge"})
	assert.InDelta(t, 0.7764, solved.Value, 1e-4)
	assert.Equal(t, run.FinishedAt, solved.Timestamp)

	// Observations are untouched
	assert.Equal(t, 0.9, e.Store().GetLatest(ir.Key{Entity: "doc-1", Stage: "ocr"}).Value)
	assert.Len(t, e.Store().Latest(run.RunID), 3)
}

func TestRun_DefaultClaimCombinesSinks(t *testing.T) {
	e := newTestEngine(t)
	ingest(t, e, "doc-1", map[string]float64{"ocr": 0.9, "layout": 0.8})

	g := tu.Graph(tu.Stage("ocr", ir.RuleIndependent), tu.Stage("layout", ir.RuleIndependent))
	run, err := e.Run(context.Background(), RunRequest{Entity: "doc-1", Graph: g})
	require.NoError(t, err)

	assert.Empty(t, run.ClaimStage)
	assert.InDelta(t, 0.7764, run.Result.PointEstimate, 1e-4)
}

func TestRun_DefaultClaimWithoutSinks(t *testing.T) {
	e := newTestEngine(t)
	ingest(t, e, "doc-1", map[string]float64{"x": 0.9, "y": 0.6})

	cfg := solver.DefaultConfig()
	cfg.MaxIterations = 100
	cfg.Tolerance = 1e-7
	run, err := e.Run(context.Background(), RunRequest{Entity: "doc-1", Graph: cycleGraph(), Solver: &cfg})
	require.NoError(t, err)

	require.Equal(t, ir.RunConverged, run.ConvergenceStatus)
	// x=0.8 and y=0.7 combined independently
	assert.InDelta(t, 1-math.Sqrt(0.2*0.2+0.3*0.3), run.Result.PointEstimate, 1e-5)
}

func TestRun_NonConverged(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newTestEngine(t, WithRegisterer(reg))
	ingest(t, e, "doc-1", map[string]float64{"x": 0.9, "y": 0.1})

	cfg := solver.DefaultConfig()
	cfg.MaxIterations = 1
	run, err := e.Run(context.Background(), RunRequest{Entity: "doc-1", Graph: cycleGraph(), Claim: "x", Solver: &cfg})
	require.NoError(t, err, "non-convergence is not an error")

	assert.Equal(t, ir.RunNonConverged, run.ConvergenceStatus)
	assert.Equal(t, 1, run.IterationCount)
	assert.Equal(t, ir.RunNonConverged, run.Result.Status)
	assert.Contains(t, run.Result.Reason, "non_convergence")
	assert.True(t, run.ConvergenceStatus.Flagged())

	r := run.Result
	assert.LessOrEqual(t, r.LowerBound, r.PointEstimate)
	assert.GreaterOrEqual(t, r.UpperBound, r.PointEstimate)
	assert.Equal(t, run.FinalEstimates["x"].Value, r.PointEstimate)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics().RunsTotal.WithLabelValues("non_converged")))
	assert.Equal(t, 1, testutil.CollectAndCount(e.Metrics().SolverIterations))
}

func TestRun_CancelledContextTimesOut(t *testing.T) {
	e := newTestEngine(t)
	ingest(t, e, "doc-1", map[string]float64{"x": 0.9, "y": 0.6})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := e.Run(ctx, RunRequest{Entity: "doc-1", Graph: cycleGraph(), Claim: "x"})
	require.NoError(t, err)

	assert.Equal(t, ir.RunTimeout, run.ConvergenceStatus)
	assert.Equal(t, ir.RunTimeout, run.Result.Status)
	assert.Equal(t, 0, run.IterationCount)
	assert.Equal(t, 0.5, run.Result.PointEstimate, "bootstrap is the last known value")
	assert.Contains(t, run.Result.Reason, "deadline_exceeded")
}

func TestRun_DeadlineOption(t *testing.T) {
	e := newTestEngine(t)
	ingest(t, e, "doc-1", map[string]float64{"ocr": 0.9, "layout": 0.8})

	run, err := e.Run(context.Background(), RunRequest{
		Entity: "doc-1", Graph: mergeGraph(ir.RuleIndependent), Claim: "merge", Deadline: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, ir.RunConverged, run.ConvergenceStatus)
}

func TestRun_MissingObservationDegrades(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newTestEngine(t, WithRegisterer(reg))
	ingest(t, e, "doc-1", map[string]float64{"ocr": 0.9})

	run, err := e.Run(context.Background(), RunRequest{Entity: "doc-1", Graph: mergeGraph(ir.RuleIndependent), Claim: "merge"})
	require.NoError(t, err)

	assert.Equal(t, ir.RunDegraded, run.ConvergenceStatus)
	assert.Equal(t, ir.RunDegraded, run.Result.Status)
	assert.Contains(t, run.Result.Reason, "layout")
	assert.Equal(t, ir.StatusDegraded, run.FinalEstimates["layout"].Status)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics().StageDegradedTotal.WithLabelValues("missing_input")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics().RunsTotal.WithLabelValues("degraded")))

	// Degraded values are written back with their status
	layout := e.Store().GetLatest(ir.Key{Namespace: run.RunID, Entity: "doc-1", Stage: "layout"})
	assert.Equal(t, ir.StatusDegraded, layout.Status)
}

func TestRun_FailedObservationIgnored(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	ingest(t, e, "doc-1", map[string]float64{"ocr": 0.9, "layout": 0.8})
	_, err := e.Store().Put(ctx, ir.Key{Entity: "doc-1", Stage: "layout"}, 0.1, ir.StatusFailed)
	require.NoError(t, err)

	run, err := e.Run(ctx, RunRequest{Entity: "doc-1", Graph: mergeGraph(ir.RuleIndependent), Claim: "merge"})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusDegraded, run.FinalEstimates["layout"].Status)
}

func TestRun_CorrelationsUsed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	ingest(t, e, "doc-1", map[string]float64{"layout": 0.8})
	_, err := e.Ingest(ctx, Observation{
		Entity: "doc-1", Stage: "ocr", Value: 0.9,
		Correlations: []CorrelationHint{
			{With: "layout", Coefficient: 0.5},
			{With: "elsewhere", Coefficient: 0.9},
		},
	})
	require.NoError(t, err)

	run, err := e.Run(ctx, RunRequest{Entity: "doc-1", Graph: mergeGraph(ir.RuleCorrelated), Claim: "merge"})
	require.NoError(t, err)

	assert.InDelta(t, 0.735425, run.Result.PointEstimate, 1e-6)
	assert.Equal(t, []ir.CorrelationEntry{
		{SourceA: "layout", SourceB: "ocr", Coefficient: 0.5},
	}, run.CorrelationsUsed)
}

func TestRun_CorrelationEvictionsCounted(t *testing.T) {
	e := newTestEngine(t, WithTrackerOptions(correlation.WithCapacity(1)))

	_, err := e.Ingest(context.Background(), Observation{
		Entity: "doc-1", Stage: "a", Value: 0.5,
		Correlations: []CorrelationHint{
			{With: "b", Coefficient: 0.5},
			{With: "c", Coefficient: 0.5},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, e.Tracker().Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics().CorrelationEvictionsTotal))
}

func TestRun_InputErrors(t *testing.T) {
	badCfg := solver.DefaultConfig()
	badCfg.Tolerance = 0

	tests := []struct {
		name string
		req  RunRequest
	}{
		{"missing graph", RunRequest{Entity: "doc-1"}},
		{"missing entity", RunRequest{Graph: mergeGraph(ir.RuleIndependent)}},
		{"negative deadline", RunRequest{Entity: "doc-1", Graph: mergeGraph(ir.RuleIndependent), Deadline: -time.Second}},
		{"unknown claim", RunRequest{Entity: "doc-1", Graph: mergeGraph(ir.RuleIndependent), Claim: "ghost"}},
		{"unknown upstream", RunRequest{Entity: "doc-1", Graph: tu.Graph(tu.Stage("a", ir.RuleIndependent, "ghost"))}},
		{"unknown rule", RunRequest{Entity: "doc-1", Graph: tu.Graph(tu.Stage("a", "median"))}},
		{"bad expression", RunRequest{Entity: "doc-1", Graph: tu.Graph(ir.StageNode{ID: "a", Rule: ir.RuleCustom, Expr: "1 +"})}},
		{"prior out of range", RunRequest{Entity: "doc-1", Graph: tu.Graph(ir.StageNode{ID: "a", Rule: ir.RuleIndependent, Prior: tu.Prior(1.5)})}},
		{"bad solver config", RunRequest{Entity: "doc-1", Graph: mergeGraph(ir.RuleIndependent), Solver: &badCfg}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			run, err := e.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, run)
			assert.True(t, ir.IsInputError(err), "got %v", err)
			assert.Equal(t, 0, testutil.CollectAndCount(e.Metrics().RunsTotal))
		})
	}
}

func TestRun_DoesNotModifyRequestGraph(t *testing.T) {
	e := newTestEngine(t)
	ingest(t, e, "doc-1", map[string]float64{"ocr": 0.9, "layout": 0.8})

	g := &ir.StageGraph{Stages: []ir.StageNode{
		{ID: " ocr ", Rule: ir.RuleIndependent},
		{ID: "layout", Rule: ir.RuleIndependent},
		{ID: "merge", Rule: ir.RuleIndependent, Upstream: []string{" ocr ", "layout"}},
	}}
	run, err := e.Run(context.Background(), RunRequest{Entity: "doc-1", Graph: g, Claim: "merge"})
	require.NoError(t, err)

	assert.Equal(t, " ocr ", g.Stages[0].ID)
	assert.Nil(t, g.Stages[0].Downstream)
	assert.Equal(t, "ocr", run.StageGraph.Stages[0].ID)
	assert.InDelta(t, 0.7764, run.Result.PointEstimate, 1e-4)
}

func TestRun_Archived(t *testing.T) {
	db, err := store.Open(t.TempDir() + "/runs.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := newTestEngine(t, WithArchive(db))
	ingest(t, e, "doc-1", map[string]float64{"ocr": 0.9, "layout": 0.8})

	run, err := e.Run(context.Background(), RunRequest{Entity: "doc-1", Graph: mergeGraph(ir.RuleIndependent), Claim: "merge"})
	require.NoError(t, err)

	archived, err := db.ReadRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.ConvergenceStatus, archived.ConvergenceStatus)
	assert.Equal(t, run.GraphHash, archived.GraphHash)
	assert.InDelta(t, run.Result.PointEstimate, archived.Result.PointEstimate, 1e-12)
}

type failingArchive struct{}

func (failingArchive) WriteRun(context.Context, *ir.PipelineRun) error {
	return fmt.Errorf("disk full")
}

func TestRun_ArchiveFailureIsNotFatal(t *testing.T) {
	e := newTestEngine(t, WithArchive(failingArchive{}))
	ingest(t, e, "doc-1", map[string]float64{"ocr": 0.9, "layout": 0.8})

	run, err := e.Run(context.Background(), RunRequest{Entity: "doc-1", Graph: mergeGraph(ir.RuleIndependent), Claim: "merge"})
	require.NoError(t, err)
	assert.Equal(t, ir.RunConverged, run.ConvergenceStatus)
}

func TestFail_FallsBackToLastKnownGood(t *testing.T) {
	e := newTestEngine(t)
	ingest(t, e, "doc-1", map[string]float64{"ocr": 0.9, "layout": 0.8})
	g := mergeGraph(ir.RuleIndependent)

	prior, err := e.Run(context.Background(), RunRequest{Entity: "doc-1", Graph: g, Claim: "merge"})
	require.NoError(t, err)
	require.Equal(t, ir.RunConverged, prior.ConvergenceStatus)
	want := prior.FinalEstimates["merge"].Value

	tests := []struct {
		name      string
		entity    string
		claim     string
		wantPoint float64
		wantLower float64
		wantUpper float64
	}{
		{"earlier run write-back", "doc-1", "merge", want, want, want},
		{"default claim from sinks", "doc-1", "", want, want, want},
		{"ingested observation", "doc-1", "ocr", 0.9, 0.9, 0.9},
		{"nothing known", "doc-2", "merge", 0.5, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := &ir.PipelineRun{RunID: "run-failed", ClaimStage: tt.claim}
			e.fail(run, g, tt.entity, fmt.Errorf("boom"))

			assert.Equal(t, ir.RunFailed, run.ConvergenceStatus)
			assert.Equal(t, ir.RunFailed, run.Result.Status)
			assert.InDelta(t, tt.wantPoint, run.Result.PointEstimate, 1e-12)
			assert.InDelta(t, tt.wantLower, run.Result.LowerBound, 1e-12)
			assert.InDelta(t, tt.wantUpper, run.Result.UpperBound, 1e-12)
			assert.Contains(t, run.Result.Reason, "boom")
		})
	}
}

func TestRun_ConcurrentRunsAreIsolated(t *testing.T) {
	e := newTestEngine(t)
	const runs = 20
	for i := 0; i < runs; i++ {
		ingest(t, e, fmt.Sprintf("doc-%d", i), map[string]float64{"ocr": 0.9, "layout": 0.8})
	}

	results := make([]*ir.PipelineRun, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := e.Run(context.Background(), RunRequest{
				Entity: fmt.Sprintf("doc-%d", i),
				Graph:  mergeGraph(ir.RuleIndependent),
				Claim:  "merge",
			})
			assert.NoError(t, err)
			results[i] = run
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, run := range results {
		require.NotNil(t, run)
		assert.False(t, seen[run.RunID], "duplicate run id %s", run.RunID)
		seen[run.RunID] = true
		assert.Equal(t, ir.RunConverged, run.ConvergenceStatus)
		assert.InDelta(t, 0.7764, run.Result.PointEstimate, 1e-4)
		assert.Len(t, e.Store().Latest(run.RunID), 3)
	}
}

func TestPanicError(t *testing.T) {
	err := fmt.Errorf("solve: %w", &PanicError{RunID: "run-1", Value: "boom"})
	assert.True(t, IsPanicError(err))
	assert.Contains(t, err.Error(), "run run-1 panicked: boom")
	assert.False(t, IsPanicError(fmt.Errorf("plain")))
}

func TestBanded(t *testing.T) {
	e := newTestEngine(t)
	ingest(t, e, "doc-1", map[string]float64{"ocr": 0.9, "layout": 0.8})

	run, err := e.Run(context.Background(), RunRequest{Entity: "doc-1", Graph: mergeGraph(ir.RuleIndependent), Claim: "merge"})
	require.NoError(t, err)

	view := Banded(run)
	assert.Equal(t, run.RunID, view.RunID)
	assert.Equal(t, "likely", view.Claim.Band)
	assert.Equal(t, run.Result.PointEstimate, view.Claim.Value, "number is kept")

	require.Len(t, view.Stages, 3)
	assert.Equal(t, []string{"layout", "merge", "ocr"}, []string{view.Stages[0].Stage, view.Stages[1].Stage, view.Stages[2].Stage})
	assert.Equal(t, "very likely", view.Stages[2].Value.Band)
}
