package propagation

import (
	"fmt"
	"math"

	"github.com/roach88/credence/internal/ir"
)

// MaxAnalyticCorrelated is the largest number of mutually correlated inputs
// the correlated rule combines analytically. Beyond it the rule samples.
const MaxAnalyticCorrelated = 3

// Input is one confidence feeding a stage.
type Input struct {
	// Source is the upstream stage id, or the stage's own id for its
	// observation.
	Source string
	Value  float64
	Beta   *ir.BetaParams
}

// Inputs is everything a rule needs for one recomputation.
type Inputs struct {
	Stage        string
	Items        []Input
	Correlations Correlations // nil means independent
	Seed         uint64       // Monte Carlo seed
	Samples      int          // Monte Carlo samples, 0 means DefaultSamples
}

// Values returns the point values in input order.
func (in Inputs) Values() []float64 {
	out := make([]float64, len(in.Items))
	for i, item := range in.Items {
		out[i] = item.Value
	}
	return out
}

func (in Inputs) mcConfig() MCConfig {
	return MCConfig{Samples: in.Samples, Seed: in.Seed}
}

// Outcome is a rule's result for one stage.
type Outcome struct {
	Value  float64
	Lower  float64
	Upper  float64
	Beta   *ir.BetaParams
	Method string
}

// pointOutcome returns an outcome whose interval collapses to the value.
func pointOutcome(v float64, method string) Outcome {
	v = Clamp(v)
	return Outcome{Value: v, Lower: v, Upper: v, Method: method}
}

// betaOutcome reports the Beta mean-centred value with its credible
// interval. The interval always contains the value.
func betaOutcome(v float64, b ir.BetaParams, method string) Outcome {
	v = Clamp(v)
	lo, hi := CredibleInterval(b)
	return Outcome{
		Value:  v,
		Lower:  math.Min(lo, v),
		Upper:  math.Max(hi, v),
		Beta:   &b,
		Method: method,
	}
}

// summaryOutcome converts a Monte Carlo summary into an outcome.
func summaryOutcome(s Summary, method string) Outcome {
	b := FitBeta(s.Mean, s.Variance)
	v := Clamp(s.Mean)
	return Outcome{
		Value:  v,
		Lower:  math.Min(s.P05, v),
		Upper:  math.Max(s.P95, v),
		Beta:   &b,
		Method: method,
	}
}

// Rule combines a stage's inputs.
type Rule interface {
	Combine(in Inputs) (Outcome, error)
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(in Inputs) (Outcome, error)

// Combine calls f.
func (f RuleFunc) Combine(in Inputs) (Outcome, error) {
	return f(in)
}

// NewRule builds the rule declared by node. Unknown rules, weights on
// unknown inputs and malformed expressions are INPUT_ERRORs.
func NewRule(node ir.StageNode) (Rule, error) {
	var r Rule
	switch node.Rule {
	case ir.RuleIndependent, "":
		r = RuleFunc(combineIndependent)
	case ir.RuleCorrelated:
		r = RuleFunc(combineCorrelated)
	case ir.RuleBeta:
		r = RuleFunc(combineBeta)
	case ir.RuleMonteCarlo:
		r = RuleFunc(combineMonteCarlo)
	case ir.RuleWeighted:
		w, err := newWeighted(node)
		if err != nil {
			return nil, err
		}
		r = w
	case ir.RuleWeakestLink:
		r = RuleFunc(combineWeakestLink)
	case ir.RuleCustom:
		c, err := NewCustom(node.ID, node.Expr)
		if err != nil {
			return nil, err
		}
		r = c
	default:
		return nil, ir.NewInputError(node.ID, "unknown combination rule %q", node.Rule)
	}
	return guarded{rule: r}, nil
}

// guarded rejects empty input sets and non-finite results for every rule.
type guarded struct {
	rule Rule
}

func (g guarded) Combine(in Inputs) (Outcome, error) {
	if len(in.Items) == 0 {
		return Outcome{}, ErrNoInputs
	}
	out, err := g.rule.Combine(in)
	if err != nil {
		return Outcome{}, err
	}
	if math.IsNaN(out.Value) || math.IsInf(out.Value, 0) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNonFinite, out.Method)
	}
	return out, nil
}

func combineIndependent(in Inputs) (Outcome, error) {
	return pointOutcome(IndependentCombine(in.Values()...), string(ir.RuleIndependent)), nil
}

func combineBeta(in Inputs) (Outcome, error) {
	ms := make([]Moments, len(in.Items))
	for i, item := range in.Items {
		ms[i] = momentsOf(item)
	}
	mean, variance := combineMoments(ms)
	return betaOutcome(mean, FitBeta(mean, variance), string(ir.RuleBeta)), nil
}

func combineMonteCarlo(in Inputs) (Outcome, error) {
	s, err := MonteCarlo(in.Items, func(xs []float64) (float64, error) {
		return IndependentCombine(xs...), nil
	}, in.mcConfig())
	if err != nil {
		return Outcome{}, err
	}
	return summaryOutcome(s, string(ir.RuleMonteCarlo)), nil
}

func combineCorrelated(in Inputs) (Outcome, error) {
	rho := CorrelationMatrix(in.Items, in.Correlations)
	if _, err := checkPositiveDefinite(rho); err != nil {
		return Outcome{}, err
	}

	if correlatedCount(rho) <= MaxAnalyticCorrelated {
		v, err := correlatedValue(in.Values(), rho)
		if err != nil {
			return Outcome{}, err
		}
		return pointOutcome(v, string(ir.RuleCorrelated)), nil
	}

	cfg := in.mcConfig()
	cfg.Corr = rho
	s, err := MonteCarlo(in.Items, func(xs []float64) (float64, error) {
		return correlatedValue(xs, rho)
	}, cfg)
	if err != nil {
		return Outcome{}, err
	}
	return summaryOutcome(s, string(ir.RuleCorrelated)+"/"+string(ir.RuleMonteCarlo)), nil
}

func combineWeakestLink(in Inputs) (Outcome, error) {
	weakest := in.Items[0]
	for _, item := range in.Items[1:] {
		if item.Value < weakest.Value {
			weakest = item
		}
	}
	if weakest.Beta != nil && weakest.Beta.Valid() {
		return betaOutcome(weakest.Value, *weakest.Beta, string(ir.RuleWeakestLink)), nil
	}
	return pointOutcome(weakest.Value, string(ir.RuleWeakestLink)), nil
}

// weighted is the linear opinion pool Σwᵢcᵢ / Σwᵢ. Inputs without a declared
// weight count with weight 1.
type weighted struct {
	weights map[string]float64
}

func newWeighted(node ir.StageNode) (*weighted, error) {
	known := map[string]bool{node.ObservationSource(): true}
	for _, up := range node.Upstream {
		known[up] = true
	}
	for src, w := range node.Weights {
		if !known[src] {
			return nil, ir.NewInputError(node.ID, "weight for %q which is not an input", src)
		}
		if math.IsNaN(w) || w < 0 {
			return nil, ir.NewInputError(node.ID, "weight for %q must be >= 0, got %v", src, w)
		}
	}
	return &weighted{weights: node.Weights}, nil
}

func (w *weighted) weight(src string) float64 {
	if v, ok := w.weights[src]; ok {
		return v
	}
	return 1
}

func (w *weighted) Combine(in Inputs) (Outcome, error) {
	total := 0.0
	for _, item := range in.Items {
		total += w.weight(item.Source)
	}
	if total <= 0 {
		return Outcome{}, fmt.Errorf("%w: weights sum to zero", ErrNoInputs)
	}

	mean, variance := 0.0, 0.0
	withBeta := false
	for _, item := range in.Items {
		share := w.weight(item.Source) / total
		m := momentsOf(item)
		mean += share * Clamp(m.Mean)
		variance += share * share * m.Variance
		if item.Beta != nil {
			withBeta = true
		}
	}
	if withBeta {
		return betaOutcome(mean, FitBeta(mean, variance), string(ir.RuleWeighted)), nil
	}
	return pointOutcome(mean, string(ir.RuleWeighted)), nil
}
