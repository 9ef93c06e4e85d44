// Package solver computes stage confidences over a possibly cyclic stage
// graph.
//
// Stages are visited in the topological order of the graph's strongly
// connected components, declaration order breaking ties. An acyclic graph
// is solved exactly by one sweep. A cyclic graph is swept Gauss-Seidel
// style (each recomputation reads the latest values) until no stage moves
// by tolerance or more, or until MaxIterations sweeps have run.
//
// A stage whose rule fails keeps its last known-good value and is flagged
// degraded; the solve continues. Only malformed input is returned as an
// error.
package solver

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/credence/internal/compiler"
	"github.com/roach88/credence/internal/degraded"
	"github.com/roach88/credence/internal/ir"
	"github.com/roach88/credence/internal/propagation"
)

// StageFailure records a stage that ended the solve degraded.
type StageFailure struct {
	Stage     string        `json:"stage"`
	Iteration int           `json:"iteration"`
	Kind      degraded.Kind `json:"kind"`
	Reason    string        `json:"reason"`
}

// Solution is the outcome of one solve.
type Solution struct {
	Status     ir.RunStatus
	Iterations int
	Trace      []ir.IterationRecord
	Stages     map[string]ir.StageResult
	Order      []string
	Cyclic     bool
	Failures   []StageFailure

	// Err explains a flagged status: *NonConvergenceError or the context
	// error on timeout. Nil for converged and degraded solutions.
	Err error
}

// Solver runs the fixed-point iteration. A Solver is safe for concurrent
// use; every Solve call owns its state.
type Solver struct {
	cfg        Config
	policy     degraded.Policy
	logger     *slog.Logger
	onDegraded func(stage string, kind degraded.Kind)
}

// Option configures a Solver.
type Option func(*Solver)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Solver) {
		s.logger = l
	}
}

// WithPolicy sets the degraded-result policy.
func WithPolicy(p degraded.Policy) Option {
	return func(s *Solver) {
		s.policy = p
	}
}

// OnDegraded registers a hook called for every failed stage recomputation.
func OnDegraded(fn func(stage string, kind degraded.Kind)) Option {
	return func(s *Solver) {
		s.onDegraded = fn
	}
}

// New creates a solver. An invalid configuration is an INPUT_ERROR.
func New(cfg Config, opts ...Option) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Solver{
		cfg:    cfg,
		policy: degraded.DefaultPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the solver configuration.
func (s *Solver) Config() Config {
	return s.cfg
}

// stageState is the mutable per-stage value during a solve.
type stageState struct {
	value   float64
	lower   float64
	upper   float64
	beta    *ir.BetaParams
	status  ir.Status
	method  string
	reason  string
	failure *StageFailure
}

// update is the result of recomputing one stage.
type update struct {
	outcome  propagation.Outcome
	err      error
	evidence []float64
}

// Solve computes every stage of g.
//
// observations maps a stage id to its own observed confidence, if any. corr
// supplies correlations for the correlated rule and may be nil.
func (s *Solver) Solve(ctx context.Context, g *ir.StageGraph, observations map[string]propagation.Input, corr propagation.Correlations) (*Solution, error) {
	if err := compiler.AsInputError(compiler.ValidateGraph(g)); err != nil {
		return nil, err
	}

	rules := make(map[string]propagation.Rule, len(g.Stages))
	for _, node := range g.Stages {
		r, err := propagation.NewRule(node)
		if err != nil {
			return nil, err
		}
		rules[node.ID] = r
	}

	order := compiler.TraversalOrder(g)
	cyclic := compiler.IsCyclic(g)
	batches := s.batches(g, order)

	states := make(map[string]*stageState, len(order))
	for _, node := range g.Stages {
		v := s.cfg.Bootstrap
		if node.Prior != nil {
			v = *node.Prior
		}
		states[node.ID] = &stageState{value: v, lower: v, upper: v, status: ir.StatusDegraded, reason: "not computed"}
	}

	sol := &Solution{
		Order:  order,
		Cyclic: cyclic,
		Trace:  []ir.IterationRecord{},
	}

	maxIter := s.cfg.MaxIterations
	if !cyclic {
		maxIter = 1
	}
	budget := newIterationBudget(maxIter)

	converged := false
	var lastDelta float64
	for budget.Next() {
		k := budget.Current()
		snapshot := make(map[string]float64, len(states))
		for id, st := range states {
			snapshot[id] = st.value
		}

		for _, batch := range batches {
			if err := ctx.Err(); err != nil {
				return s.timeout(sol, states, err), nil
			}
			updates := s.runBatch(ctx, g, rules, batch, states, observations, corr)
			for i, id := range batch {
				s.apply(id, k, states[id], updates[i])
			}
		}

		rec := ir.IterationRecord{
			Iteration: k,
			Deltas:    make(map[string]float64, len(states)),
			Values:    make(map[string]float64, len(states)),
		}
		for _, id := range order {
			d := math.Abs(states[id].value - snapshot[id])
			rec.Deltas[id] = d
			rec.Values[id] = states[id].value
			rec.MaxDelta = math.Max(rec.MaxDelta, d)
		}
		sol.Trace = append(sol.Trace, rec)
		lastDelta = rec.MaxDelta

		s.logger.Debug("solver sweep",
			"iteration", k,
			"max_delta", rec.MaxDelta,
			"cyclic", cyclic,
		)

		if !cyclic || rec.MaxDelta < s.cfg.Tolerance {
			converged = true
			break
		}
	}

	sol.Iterations = budget.Current()
	s.finish(sol, states)

	switch {
	case !converged:
		sol.Status = ir.RunNonConverged
		sol.Err = &NonConvergenceError{
			Iterations: sol.Iterations,
			MaxDelta:   lastDelta,
			Tolerance:  s.cfg.Tolerance,
		}
	case len(sol.Failures) > 0:
		sol.Status = ir.RunDegraded
	default:
		sol.Status = ir.RunConverged
	}
	return sol, nil
}

// runBatch recomputes the stages of one batch. Stages in a batch do not
// read each other, so concurrent and sequential execution agree.
func (s *Solver) runBatch(ctx context.Context, g *ir.StageGraph, rules map[string]propagation.Rule, batch []string, states map[string]*stageState, observations map[string]propagation.Input, corr propagation.Correlations) []update {
	updates := make([]update, len(batch))
	compute := func(i int) {
		node, _ := g.Stage(batch[i])
		updates[i] = s.compute(node, rules[node.ID], states, observations, corr)
	}

	if !s.cfg.Parallel || len(batch) == 1 {
		for i := range batch {
			compute(i)
		}
		return updates
	}

	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i := range batch {
		eg.Go(func() error {
			compute(i)
			return nil // Stage failures are carried in updates
		})
	}
	_ = eg.Wait()
	return updates
}

// compute recomputes one stage from the current values. A panicking rule is
// reported as an internal failure.
func (s *Solver) compute(node ir.StageNode, rule propagation.Rule, states map[string]*stageState, observations map[string]propagation.Input, corr propagation.Correlations) (u update) {
	in := propagation.Inputs{
		Stage:        node.ID,
		Correlations: corr,
		Seed:         s.seedFor(node.ID),
		Samples:      s.cfg.Samples,
	}
	if obs, ok := observations[node.ID]; ok {
		obs.Source = node.ObservationSource()
		in.Items = append(in.Items, obs)
	}
	for _, up := range node.Upstream {
		st := states[up]
		in.Items = append(in.Items, propagation.Input{Source: up, Value: st.value, Beta: st.beta})
	}
	u.evidence = in.Values()

	defer func() {
		if r := recover(); r != nil {
			u.err = fmt.Errorf("rule panicked: %v", r)
		}
	}()

	u.outcome, u.err = rule.Combine(in)
	return u
}

// apply folds an update into the stage state.
func (s *Solver) apply(id string, iteration int, st *stageState, u update) {
	if u.err == nil {
		st.value = u.outcome.Value
		st.lower = u.outcome.Lower
		st.upper = u.outcome.Upper
		st.beta = u.outcome.Beta
		st.status = ir.StatusSuccess
		st.method = u.outcome.Method
		st.reason = ""
		st.failure = nil
		return
	}

	kind := degraded.Classify(u.err)
	last := st.value
	res := s.policy.Degrade(degraded.Failure{
		Kind:     kind,
		Reason:   u.err.Error(),
		LastGood: &last,
		Evidence: u.evidence,
	})
	st.value = res.PointEstimate
	st.lower = res.LowerBound
	st.upper = res.UpperBound
	st.status = ir.StatusDegraded
	st.reason = res.Reason
	st.failure = &StageFailure{Stage: id, Iteration: iteration, Kind: kind, Reason: res.Reason}

	s.logger.Warn("stage degraded",
		"stage", id,
		"iteration", iteration,
		"kind", kind,
		"error", u.err,
	)
	if s.onDegraded != nil {
		s.onDegraded(id, kind)
	}
}

// finish copies the final stage states into the solution.
func (s *Solver) finish(sol *Solution, states map[string]*stageState) {
	sol.Stages = make(map[string]ir.StageResult, len(states))
	sol.Failures = []StageFailure{}
	for _, id := range sol.Order {
		st := states[id]
		sol.Stages[id] = ir.StageResult{
			StageID:    id,
			Value:      st.value,
			LowerBound: st.lower,
			UpperBound: st.upper,
			Status:     st.status,
			Method:     st.method,
			Reason:     st.reason,
			Beta:       st.beta,
		}
		if st.failure != nil {
			sol.Failures = append(sol.Failures, *st.failure)
		}
	}
}

// timeout finalizes a solve interrupted by its context.
func (s *Solver) timeout(sol *Solution, states map[string]*stageState, err error) *Solution {
	sol.Iterations = len(sol.Trace)
	s.finish(sol, states)
	sol.Status = ir.RunTimeout
	sol.Err = err
	s.logger.Warn("solver deadline exceeded",
		"completed_iterations", sol.Iterations,
		"error", err,
	)
	return sol
}

// batches groups consecutive stages of order that have no direct
// dependency on each other. Without Parallel every stage is its own batch.
func (s *Solver) batches(g *ir.StageGraph, order []string) [][]string {
	if !s.cfg.Parallel {
		out := make([][]string, len(order))
		for i, id := range order {
			out[i] = []string{id}
		}
		return out
	}

	reads := make(map[string]map[string]bool, len(g.Stages))
	for _, node := range g.Stages {
		reads[node.ID] = make(map[string]bool, len(node.Upstream))
		for _, up := range node.Upstream {
			reads[node.ID][up] = true
		}
	}
	linked := func(a, b string) bool {
		return reads[a][b] || reads[b][a]
	}

	var out [][]string
	var current []string
	for _, id := range order {
		independent := true
		for _, member := range current {
			if linked(id, member) {
				independent = false
				break
			}
		}
		if !independent {
			out = append(out, current)
			current = nil
		}
		current = append(current, id)
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

// seedFor derives the Monte Carlo seed of a stage from the run seed and the
// stage id, so it does not depend on execution order.
func (s *Solver) seedFor(stage string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(stage))
	return s.cfg.Seed ^ h.Sum64()
}
