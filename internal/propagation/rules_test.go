package propagation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/credence/internal/ir"
)

func mustRule(t *testing.T, node ir.StageNode) Rule {
	t.Helper()
	r, err := NewRule(node)
	require.NoError(t, err)
	return r
}

func TestNewRule_Unknown(t *testing.T) {
	_, err := NewRule(ir.StageNode{ID: "x", Rule: "bayesian"})
	require.Error(t, err)
	assert.True(t, ir.IsInputError(err))
}

func TestRule_EmptyInputs(t *testing.T) {
	for rule := range ir.ValidRules {
		node := ir.StageNode{ID: "x", Rule: rule}
		if rule == ir.RuleCustom {
			node.Expr = "0.5"
		}
		r := mustRule(t, node)
		_, err := r.Combine(Inputs{Stage: "x"})
		assert.ErrorIs(t, err, ErrNoInputs, "rule %s", rule)
	}
}

func TestRule_Independent(t *testing.T) {
	r := mustRule(t, ir.StageNode{ID: "x", Rule: ir.RuleIndependent})

	out, err := r.Combine(Inputs{Stage: "x", Items: items(0.9, 0.8)})
	require.NoError(t, err)
	assert.InDelta(t, 0.7764, out.Value, 1e-4)
	assert.Equal(t, out.Value, out.Lower)
	assert.Equal(t, out.Value, out.Upper)
	assert.Equal(t, "independent", out.Method)
	assert.Nil(t, out.Beta)
}

func TestRule_Beta(t *testing.T) {
	r := mustRule(t, ir.StageNode{ID: "x", Rule: ir.RuleBeta})
	in := Inputs{Stage: "x", Items: []Input{
		{Source: "a", Value: 0.9, Beta: &ir.BetaParams{Alpha: 9, Beta: 1}},
		{Source: "b", Value: 0.8},
	}}

	out, err := r.Combine(in)
	require.NoError(t, err)
	assert.InDelta(t, IndependentCombine(0.9, 0.8), out.Value, 1e-9)
	require.NotNil(t, out.Beta)
	assert.LessOrEqual(t, out.Lower, out.Value)
	assert.GreaterOrEqual(t, out.Upper, out.Value)
	assert.Less(t, out.Lower, out.Upper)
}

func TestRule_MonteCarlo(t *testing.T) {
	r := mustRule(t, ir.StageNode{ID: "x", Rule: ir.RuleMonteCarlo})
	in := Inputs{Stage: "x", Items: betaInputs(), Seed: 5, Samples: 2000}

	out, err := r.Combine(in)
	require.NoError(t, err)
	assert.InDelta(t, IndependentCombine(0.8, 0.8), out.Value, 0.01)
	assert.Equal(t, "monte_carlo", out.Method)

	again, err := r.Combine(in)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestRule_Correlated(t *testing.T) {
	r := mustRule(t, ir.StageNode{ID: "x", Rule: ir.RuleCorrelated})

	out, err := r.Combine(Inputs{Stage: "x", Items: items(0.9, 0.8), Correlations: pairs{"a|b": 0.5}})
	require.NoError(t, err)
	assert.InDelta(t, 0.735425, out.Value, 1e-6)
	assert.Equal(t, "correlated", out.Method)

	out, err = r.Combine(Inputs{Stage: "x", Items: items(0.9, 0.8)})
	require.NoError(t, err)
	assert.InDelta(t, IndependentCombine(0.9, 0.8), out.Value, 1e-12)

	_, err = r.Combine(Inputs{Stage: "x", Items: items(0.9, 0.8), Correlations: pairs{"a|b": 1}})
	assert.ErrorIs(t, err, ErrSingularCorrelation)
}

func TestRule_CorrelatedFallsBackToMonteCarlo(t *testing.T) {
	r := mustRule(t, ir.StageNode{ID: "x", Rule: ir.RuleCorrelated})
	corr := pairs{"a|b": 0.3, "a|c": 0.3, "a|d": 0.3, "b|c": 0.3, "b|d": 0.3, "c|d": 0.3}

	out, err := r.Combine(Inputs{Stage: "x", Items: items(0.9, 0.8, 0.7, 0.6), Correlations: corr, Seed: 9, Samples: 500})
	require.NoError(t, err)
	assert.Equal(t, "correlated/monte_carlo", out.Method)

	// Point inputs are constant under sampling, so the mean is the analytic value
	analytic, err := CorrelatedCombine(items(0.9, 0.8, 0.7, 0.6), corr)
	require.NoError(t, err)
	assert.InDelta(t, analytic, out.Value, 1e-9)
}

func TestRule_Weighted(t *testing.T) {
	node := ir.StageNode{
		ID:       "x",
		Rule:     ir.RuleWeighted,
		Upstream: []string{"a", "b"},
		Weights:  map[string]float64{"a": 3, "b": 1},
	}
	r := mustRule(t, node)

	out, err := r.Combine(Inputs{Stage: "x", Items: items(0.8, 0.4)})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, out.Value, 1e-12)
	assert.Equal(t, "weighted", out.Method)
}

func TestRule_WeightedValidation(t *testing.T) {
	_, err := NewRule(ir.StageNode{ID: "x", Rule: ir.RuleWeighted, Upstream: []string{"a"}, Weights: map[string]float64{"z": 1}})
	assert.True(t, ir.IsInputError(err))

	_, err = NewRule(ir.StageNode{ID: "x", Rule: ir.RuleWeighted, Upstream: []string{"a"}, Weights: map[string]float64{"a": -1}})
	assert.True(t, ir.IsInputError(err))

	r := mustRule(t, ir.StageNode{ID: "x", Rule: ir.RuleWeighted, Upstream: []string{"a"}, Weights: map[string]float64{"a": 0}})
	_, err = r.Combine(Inputs{Stage: "x", Items: items(0.5)})
	assert.ErrorIs(t, err, ErrNoInputs)
}

func TestRule_WeakestLink(t *testing.T) {
	r := mustRule(t, ir.StageNode{ID: "x", Rule: ir.RuleWeakestLink})

	out, err := r.Combine(Inputs{Stage: "x", Items: items(0.9, 0.3, 0.6)})
	require.NoError(t, err)
	assert.Equal(t, 0.3, out.Value)
}

func TestRule_Custom(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want float64
	}{
		{"linear", "0.5 * values.a + 0.4", 0.7},
		{"index", "inputs[1]", 0.8},
		{"independent helper", "independent(inputs)", IndependentCombine(0.6, 0.8)},
		{"clamped", "values.a * 10", 1 - ir.Epsilon},
		{"clamp helper", "clamp(-2)", ir.Epsilon},
		{"builtin", "min(values.a, values.b)", 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustRule(t, ir.StageNode{ID: "x", Rule: ir.RuleCustom, Expr: tt.expr})
			out, err := r.Combine(Inputs{Stage: "x", Items: items(0.6, 0.8)})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, out.Value, 1e-12)
			assert.Equal(t, "custom", out.Method)
		})
	}
}

func TestRule_CustomInvalid(t *testing.T) {
	for _, src := range []string{"", "values.a +", "unknown_var * 2"} {
		_, err := NewRule(ir.StageNode{ID: "x", Rule: ir.RuleCustom, Expr: src})
		require.Error(t, err, "expr %q", src)
		assert.True(t, ir.IsInputError(err), "expr %q", src)
	}
	assert.Error(t, CompileExpr("values.a +"))
	assert.NoError(t, CompileExpr("values.a"))
}

func TestRule_CustomNonFinite(t *testing.T) {
	r := mustRule(t, ir.StageNode{ID: "x", Rule: ir.RuleCustom, Expr: "values.a / (values.b - values.b)"})

	_, err := r.Combine(Inputs{Stage: "x", Items: items(0.6, 0.8)})
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestRule_CustomClampsInputs(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want float64
	}{
		{"odds of certain input", "values.a / (1 - values.a)", 1 - ir.Epsilon},
		{"certain input", "values.a", 1 - ir.Epsilon},
		{"impossible input", "inputs[1]", ir.Epsilon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustRule(t, ir.StageNode{ID: "x", Rule: ir.RuleCustom, Expr: tt.expr})
			out, err := r.Combine(Inputs{Stage: "x", Items: items(1.0, 0.0)})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, out.Value, 1e-12)
		})
	}
}

func TestRule_CustomSampledWithBeta(t *testing.T) {
	r := mustRule(t, ir.StageNode{ID: "x", Rule: ir.RuleCustom, Expr: "0.5 * values.a + 0.5 * values.b"})

	out, err := r.Combine(Inputs{Stage: "x", Items: betaInputs(), Seed: 2, Samples: 2000})
	require.NoError(t, err)
	assert.Equal(t, "custom/monte_carlo", out.Method)
	assert.InDelta(t, 0.8, out.Value, 0.01)
	assert.Less(t, out.Lower, out.Upper)
}
