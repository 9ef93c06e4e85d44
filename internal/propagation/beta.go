package propagation

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/roach88/credence/internal/ir"
)

const (
	// minVariance keeps a point mass representable as a Beta.
	minVariance = 1e-8

	// varianceCap keeps variance strictly below mean(1-mean) so that the
	// fitted α and β stay positive.
	varianceCap = 0.999

	// CredibleMass is the probability mass of reported intervals.
	CredibleMass = 0.90
)

// Moments is the mean and variance of a confidence distribution.
type Moments struct {
	Mean     float64
	Variance float64
}

// FitBeta moment-matches a Beta to mean and variance. The mean is clamped
// and the variance is bounded to (0, mean(1-mean)).
func FitBeta(mean, variance float64) ir.BetaParams {
	m := Clamp(mean)
	limit := m * (1 - m) * varianceCap
	v := variance
	if math.IsNaN(v) || v < minVariance {
		v = minVariance
	}
	if v > limit {
		v = limit
	}
	k := m*(1-m)/v - 1
	return ir.BetaParams{Alpha: m * k, Beta: (1 - m) * k}
}

// BetaCombine applies the independent rule to Beta-distributed inputs.
//
// The mean is IndependentCombine of the input means. The variance follows
// from first-order (delta method) propagation of U = sqrt(Σuᵢ²), uᵢ = 1-mᵢ:
// Var = Σ(uᵢ/U)²·Var(cᵢ). The linearization is biased for inputs backed by
// few observations.
func BetaCombine(params ...ir.BetaParams) ir.BetaParams {
	moments := make([]Moments, len(params))
	for i, p := range params {
		moments[i] = Moments{Mean: p.Mean(), Variance: p.Variance()}
	}
	return FitBeta(combineMoments(moments))
}

func combineMoments(ms []Moments) (float64, float64) {
	if len(ms) == 0 {
		return IndependentCombine(), 0
	}
	sum := 0.0
	for _, m := range ms {
		u := 1 - Clamp(m.Mean)
		sum += u * u
	}
	root := math.Sqrt(sum)
	variance := 0.0
	for _, m := range ms {
		w := (1 - Clamp(m.Mean)) / root
		variance += w * w * m.Variance
	}
	return Clamp(1 - root), variance
}

// momentsOf centres an input on its point value and takes the spread from
// its Beta parameters. Inputs without Beta parameters are point masses.
func momentsOf(in Input) Moments {
	if in.Beta != nil && in.Beta.Valid() {
		return Moments{Mean: in.Value, Variance: in.Beta.Variance()}
	}
	return Moments{Mean: in.Value}
}

// CredibleInterval returns the central CredibleMass interval of b.
func CredibleInterval(b ir.BetaParams) (float64, float64) {
	d := distuv.Beta{Alpha: b.Alpha, Beta: b.Beta}
	tail := (1 - CredibleMass) / 2
	return d.Quantile(tail), d.Quantile(1 - tail)
}
