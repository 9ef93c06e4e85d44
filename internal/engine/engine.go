package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/credence/internal/compiler"
	"github.com/roach88/credence/internal/correlation"
	"github.com/roach88/credence/internal/degraded"
	"github.com/roach88/credence/internal/ir"
	"github.com/roach88/credence/internal/propagation"
	"github.com/roach88/credence/internal/solver"
	"github.com/roach88/credence/internal/store"
)

// RunIDGenerator generates unique run ids.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type RunIDGenerator interface {
	Generate() string
}

// Archive persists finalized runs. *store.Store implements it.
type Archive interface {
	WriteRun(ctx context.Context, run *ir.PipelineRun) error
}

// RunRequest asks for one solve of a stage graph for one entity.
type RunRequest struct {
	// Entity selects whose observations feed the graph.
	Entity string `validate:"required"`

	// Graph is the stage graph. It is copied, never modified.
	Graph *ir.StageGraph `validate:"required"`

	// Claim is the stage whose value is the run's Result. Empty means the
	// graph's sinks combined independently.
	Claim string

	// Solver overrides the engine's solver configuration for this run.
	Solver *solver.Config

	// Deadline bounds the solve. Zero means no deadline beyond ctx.
	Deadline time.Duration `validate:"gte=0"`
}

// requestValidate is the validator instance for run requests.
var requestValidate = validator.New()

// Engine runs stage graphs against a shared confidence store.
//
// Thread-safety model:
//   - Ingest(): safe from any goroutine
//   - Run(): safe from any goroutine; each run owns its solver state
//
// INVARIANTS:
//   - Run returns an error only for INPUT_ERRORs
//   - Every returned PipelineRun is finalized (FinishedAt set)
//   - Solved values are written under the run's own namespace only
type Engine struct {
	store       *store.ConfidenceStore
	tracker     *correlation.Tracker
	archive     Archive
	solverCfg   solver.Config
	policy      degraded.Policy
	ids         RunIDGenerator
	metrics     *Metrics
	registerer  prometheus.Registerer
	logger      *slog.Logger
	now         func() time.Time
	trackerOpts []correlation.Option
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithSolverConfig sets the default solver configuration.
func WithSolverConfig(cfg solver.Config) EngineOption {
	return func(e *Engine) {
		e.solverCfg = cfg
	}
}

// WithPolicy sets the degraded-result policy.
func WithPolicy(p degraded.Policy) EngineOption {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithArchive enables run archival.
func WithArchive(a Archive) EngineOption {
	return func(e *Engine) {
		e.archive = a
	}
}

// WithRunIDs sets the run id generator (default UUIDv7Generator).
func WithRunIDs(g RunIDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithRegisterer registers the engine metrics on reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) EngineOption {
	return func(e *Engine) {
		e.registerer = reg
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithNow overrides the wall clock used for run timestamps.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithTrackerOptions configures the correlation tracker. The engine installs
// its own eviction hook after these options.
func WithTrackerOptions(opts ...correlation.Option) EngineOption {
	return func(e *Engine) {
		e.trackerOpts = append(e.trackerOpts, opts...)
	}
}

// New creates an Engine over cs.
func New(cs *store.ConfidenceStore, opts ...EngineOption) (*Engine, error) {
	if cs == nil {
		return nil, fmt.Errorf("engine: confidence store is required")
	}
	e := &Engine{
		store:     cs,
		solverCfg: solver.DefaultConfig(),
		policy:    degraded.DefaultPolicy(),
		ids:       UUIDv7Generator{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.solverCfg.Validate(); err != nil {
		return nil, err
	}

	if e.registerer == nil {
		e.registerer = prometheus.NewRegistry()
	}
	e.metrics = NewMetrics(e.registerer)

	trackerOpts := append([]correlation.Option{correlation.WithLogger(e.logger)}, e.trackerOpts...)
	trackerOpts = append(trackerOpts, correlation.OnEvict(e.metrics.CorrelationEvicted))
	tracker, err := correlation.New(trackerOpts...)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.tracker = tracker
	return e, nil
}

// Store returns the engine's confidence store.
func (e *Engine) Store() *store.ConfidenceStore {
	return e.store
}

// Tracker returns the engine's correlation tracker.
func (e *Engine) Tracker() *correlation.Tracker {
	return e.tracker
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Ingest validates and stores one observation, returning its version.
// Correlation hints are recorded in the tracker. Malformed observations
// are INPUT_ERRORs and nothing is stored.
func (e *Engine) Ingest(ctx context.Context, obs Observation) (int64, error) {
	if err := observationValidate.Struct(obs); err != nil {
		return 0, validationError("observation", obs.Stage, err)
	}

	var opts []store.PutOption
	if !obs.Timestamp.IsZero() {
		opts = append(opts, store.At(obs.Timestamp))
	}
	if obs.HasCounts() {
		opts = append(opts, store.WithBeta(ir.BetaFromCounts(obs.Successes, obs.Failures)))
	}

	version, err := e.store.Put(ctx, ir.Key{Entity: obs.Entity, Stage: obs.Stage}, obs.Value, ir.StatusSuccess, opts...)
	if err != nil {
		return 0, err
	}

	for _, h := range obs.Correlations {
		if err := e.tracker.Record(obs.Stage, h.With, h.Coefficient, h.Basis); err != nil {
			return version, err
		}
	}

	e.logger.Debug("observation ingested",
		"entity", obs.Entity,
		"stage", obs.Stage,
		"value", obs.Value,
		"version", version,
	)
	return version, nil
}

// Run solves req.Graph for req.Entity and returns the finalized run.
//
// Only INPUT_ERRORs are returned: malformed request, graph, claim, solver
// configuration or rule declaration. Every other failure is reported
// through the run's status and Result.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*ir.PipelineRun, error) {
	if err := requestValidate.Struct(req); err != nil {
		return nil, validationError("run request", "", err)
	}

	g := cloneGraph(req.Graph)
	claim := ir.NormalizeID(req.Claim)
	errs := append(compiler.ValidateGraph(g), compiler.ValidateClaim(g, claim)...)
	if err := compiler.AsInputError(errs); err != nil {
		return nil, err
	}

	cfg := e.solverCfg
	if req.Solver != nil {
		cfg = *req.Solver
	}

	runID := e.ids.Generate()
	logger := e.logger.With("run_id", runID, "entity", req.Entity)

	s, err := solver.New(cfg,
		solver.WithLogger(logger),
		solver.WithPolicy(e.policy),
		solver.OnDegraded(e.metrics.stageDegraded),
	)
	if err != nil {
		return nil, err
	}

	hash, err := g.Hash()
	if err != nil {
		return nil, &ir.Error{Code: ir.CodeInputError, Message: "unhashable stage graph", Err: err}
	}

	run := &ir.PipelineRun{
		RunID:         runID,
		GraphHash:     hash,
		StageGraph:    *g,
		ClaimStage:    claim,
		StartedAt:     e.now(),
		EngineVersion: ir.EngineVersion,
		SchemaVersion: ir.SchemaVersion,
	}

	solveCtx := ctx
	if req.Deadline > 0 {
		var cancel context.CancelFunc
		solveCtx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}

	sol, err := e.solve(solveCtx, s, g, e.observations(req.Entity, g), runID)
	switch {
	case ir.IsInputError(err):
		return nil, err
	case err != nil:
		e.fail(run, g, req.Entity, err)
	default:
		e.complete(run, g, sol)
	}

	run.CorrelationsUsed = e.tracker.Among(g.IDs())
	run.FinishedAt = e.now()

	e.writeBack(ctx, run, req.Entity, logger)
	e.archiveRun(ctx, run, logger)
	e.metrics.observeRun(run)

	logger.Info("run finished",
		"status", run.ConvergenceStatus,
		"iterations", run.IterationCount,
		"claim", run.Result.PointEstimate,
	)
	return run, nil
}

// solve runs the solver, converting a panic into a *PanicError.
func (e *Engine) solve(ctx context.Context, s *solver.Solver, g *ir.StageGraph, obs map[string]propagation.Input, runID string) (sol *solver.Solution, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{RunID: runID, Value: r}
		}
	}()
	return s.Solve(ctx, g, obs, e.tracker)
}

// observations snapshots the entity's latest healthy observation per stage.
func (e *Engine) observations(entity string, g *ir.StageGraph) map[string]propagation.Input {
	out := make(map[string]propagation.Input, len(g.Stages))
	for _, node := range g.Stages {
		est, ok := e.store.Lookup(ir.Key{Entity: entity, Stage: node.ID})
		if !ok || est.Status == ir.StatusFailed {
			continue
		}
		out[node.ID] = propagation.Input{Source: node.ObservationSource(), Value: est.Value, Beta: est.Beta}
	}
	return out
}

// complete fills run from a finished solve.
func (e *Engine) complete(run *ir.PipelineRun, g *ir.StageGraph, sol *solver.Solution) {
	run.ConvergenceStatus = sol.Status
	run.IterationCount = sol.Iterations
	run.IterationTrace = sol.Trace
	run.FinalEstimates = sol.Stages
	run.Result = e.claimResult(run.ClaimStage, g, sol)
}

// fail fills run after the solve itself broke down. The claim falls back to
// the newest healthy value the store holds for it, if any.
func (e *Engine) fail(run *ir.PipelineRun, g *ir.StageGraph, entity string, err error) {
	run.ConvergenceStatus = ir.RunFailed
	run.IterationTrace = []ir.IterationRecord{}
	run.FinalEstimates = map[string]ir.StageResult{}

	f := degraded.Failure{Kind: degraded.KindInternal, Reason: err.Error()}
	if vals, ok := e.knownGood(entity, claimStages(run.ClaimStage, g)); ok {
		last := claimValue(run.ClaimStage, g)(vals)
		f.LastGood = &last
		for _, v := range vals {
			f.Evidence = append(f.Evidence, v)
		}
	}
	res := e.policy.Degrade(f)
	res.Status = ir.RunFailed
	run.Result = res

	e.logger.Error("run failed",
		"run_id", run.RunID,
		"stages", len(g.Stages),
		"error", err,
	)
}

// claimResult folds the claim into the run's Result.
//
// Converged and degraded runs report the claim's own interval. For
// non-converged and timed-out runs the interval is widened to every value
// the claim took across the trace.
func (e *Engine) claimResult(claim string, g *ir.StageGraph, sol *solver.Solution) ir.Result {
	value := claimValue(claim, g)
	final := func(pick func(ir.StageResult) float64) float64 {
		vals := make(map[string]float64, len(sol.Stages))
		for id, r := range sol.Stages {
			vals[id] = pick(r)
		}
		return value(vals)
	}
	outcome := propagation.Outcome{
		Value: final(func(r ir.StageResult) float64 { return r.Value }),
		Lower: final(func(r ir.StageResult) float64 { return r.LowerBound }),
		Upper: final(func(r ir.StageResult) float64 { return r.UpperBound }),
	}

	switch sol.Status {
	case ir.RunConverged:
		return e.policy.Success(outcome)

	case ir.RunDegraded:
		res := e.policy.Success(outcome)
		res.Status = ir.RunDegraded
		res.Reason = failureReason(sol.Failures)
		return res

	default:
		kind := degraded.KindNonConvergence
		if sol.Status == ir.RunTimeout {
			kind = degraded.KindDeadlineExceeded
		}
		evidence := []float64{outcome.Lower, outcome.Upper}
		for _, rec := range sol.Trace {
			evidence = append(evidence, value(rec.Values))
		}
		reason := string(sol.Status)
		if sol.Err != nil {
			reason = sol.Err.Error()
		}
		last := outcome.Value
		return e.policy.Degrade(degraded.Failure{
			Kind:     kind,
			Reason:   reason,
			LastGood: &last,
			Evidence: evidence,
		})
	}
}

// knownGood returns the newest successful estimate for each stage, looking
// at the entity's observations and every earlier run's write-back. It
// reports false unless every stage has one.
func (e *Engine) knownGood(entity string, stages []string) (map[string]float64, bool) {
	want := make(map[string]bool, len(stages))
	for _, id := range stages {
		want[id] = true
	}
	entity = ir.NormalizeID(entity)
	newest := make(map[string]ir.Estimate, len(stages))
	for _, key := range e.store.Keys() {
		if key.Entity != entity || !want[key.Stage] {
			continue
		}
		est, ok := e.store.Lookup(key)
		if !ok || est.Status != ir.StatusSuccess {
			continue
		}
		if cur, seen := newest[key.Stage]; !seen || est.Seq > cur.Seq {
			newest[key.Stage] = est
		}
	}
	if len(newest) != len(want) {
		return nil, false
	}
	vals := make(map[string]float64, len(newest))
	for id, est := range newest {
		vals[id] = est.Value
	}
	return vals, true
}

// claimStages returns the stages the claim is read from.
//
// An explicit claim reads its own stage. Otherwise the graph's sinks are
// used; a graph without sinks (every stage feeds another) uses the last
// strongly connected component in traversal order.
func claimStages(claim string, g *ir.StageGraph) []string {
	if claim != "" {
		return []string{claim}
	}
	sinks := g.Sinks()
	if len(sinks) == 0 {
		sccs := compiler.Condense(g)
		sinks = sccs[len(sccs)-1]
	}
	return sinks
}

// claimValue returns the function reading the claim from per-stage values.
// Several claim stages are combined independently.
func claimValue(claim string, g *ir.StageGraph) func(map[string]float64) float64 {
	sinks := claimStages(claim, g)
	if len(sinks) == 1 {
		only := sinks[0]
		return func(vals map[string]float64) float64 { return vals[only] }
	}
	return func(vals map[string]float64) float64 {
		xs := make([]float64, len(sinks))
		for i, id := range sinks {
			xs[i] = vals[id]
		}
		return propagation.IndependentCombine(xs...)
	}
}

func failureReason(failures []solver.StageFailure) string {
	if len(failures) == 0 {
		return ""
	}
	first := failures[0]
	if len(failures) == 1 {
		return fmt.Sprintf("stage %s %s", first.Stage, first.Reason)
	}
	return fmt.Sprintf("stage %s %s (and %d more degraded stages)", first.Stage, first.Reason, len(failures)-1)
}

// writeBack stores every solved stage under the run's namespace.
func (e *Engine) writeBack(ctx context.Context, run *ir.PipelineRun, entity string, logger *slog.Logger) {
	for _, id := range run.StageIDs() {
		res := run.FinalEstimates[id]
		opts := []store.PutOption{
			store.At(run.FinishedAt),
			store.WithBounds(res.LowerBound, res.UpperBound),
		}
		if res.Beta != nil {
			opts = append(opts, store.WithBeta(*res.Beta))
		}
		key := ir.Key{Namespace: run.RunID, Entity: entity, Stage: id}
		if _, err := e.store.Put(ctx, key, res.Value, res.Status, opts...); err != nil {
			logger.Warn("write-back failed",
				"stage", id,
				"error", err,
			)
		}
	}
}

func (e *Engine) archiveRun(ctx context.Context, run *ir.PipelineRun, logger *slog.Logger) {
	if e.archive == nil {
		return
	}
	if err := e.archive.WriteRun(ctx, run); err != nil {
		logger.Error("archive run failed", "error", err)
	}
}

// cloneGraph deep-copies g and normalizes ids and downstream sets.
func cloneGraph(g *ir.StageGraph) *ir.StageGraph {
	out := &ir.StageGraph{Stages: make([]ir.StageNode, len(g.Stages))}
	for i, s := range g.Stages {
		node := ir.StageNode{
			ID:   ir.NormalizeID(s.ID),
			Rule: s.Rule,
			Expr: s.Expr,
		}
		node.Upstream = make([]string, len(s.Upstream))
		for j, up := range s.Upstream {
			node.Upstream[j] = ir.NormalizeID(up)
		}
		if s.Weights != nil {
			node.Weights = make(map[string]float64, len(s.Weights))
			for k, w := range s.Weights {
				node.Weights[ir.NormalizeID(k)] = w
			}
		}
		if s.Prior != nil {
			p := *s.Prior
			node.Prior = &p
		}
		out.Stages[i] = node
	}
	out.Normalize()
	return out
}
