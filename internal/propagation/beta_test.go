package propagation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/credence/internal/ir"
)

func TestFitBeta_MomentMatch(t *testing.T) {
	b := FitBeta(0.8, 0.01)

	assert.InDelta(t, 12.0, b.Alpha, 1e-9)
	assert.InDelta(t, 3.0, b.Beta, 1e-9)
	assert.InDelta(t, 0.8, b.Mean(), 1e-12)
	assert.InDelta(t, 0.01, b.Variance(), 1e-12)
}

func TestFitBeta_StaysValid(t *testing.T) {
	tests := []struct {
		name           string
		mean, variance float64
	}{
		{"variance too large", 0.5, 1},
		{"zero variance", 0.3, 0},
		{"negative variance", 0.3, -1},
		{"mean at one", 1, 0.01},
		{"mean at zero", 0, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := FitBeta(tt.mean, tt.variance)
			assert.True(t, b.Valid(), "%+v", b)
			assert.InDelta(t, Clamp(tt.mean), b.Mean(), 1e-9)
		})
	}
}

func TestBetaCombine_SingleInputIsIdentity(t *testing.T) {
	got := BetaCombine(ir.BetaFromCounts(7, 1))

	assert.InDelta(t, 8.0, got.Alpha, 1e-9)
	assert.InDelta(t, 2.0, got.Beta, 1e-9)
}

func TestBetaCombine_MeanFollowsIndependentRule(t *testing.T) {
	a := ir.BetaParams{Alpha: 90, Beta: 10}
	b := ir.BetaParams{Alpha: 80, Beta: 20}

	got := BetaCombine(a, b)
	assert.InDelta(t, IndependentCombine(0.9, 0.8), got.Mean(), 1e-9)

	// Var = (u₁/U)²·Var₁ + (u₂/U)²·Var₂ with u = (0.1, 0.2), U² = 0.05
	want := 0.01/0.05*a.Variance() + 0.04/0.05*b.Variance()
	assert.InDelta(t, want, got.Variance(), 1e-12)
}

func TestCredibleInterval_ContainsMean(t *testing.T) {
	b := ir.BetaFromCounts(30, 10)
	lo, hi := CredibleInterval(b)

	assert.Less(t, lo, b.Mean())
	assert.Greater(t, hi, b.Mean())
	assert.GreaterOrEqual(t, lo, 0.0)
	assert.LessOrEqual(t, hi, 1.0)
}
