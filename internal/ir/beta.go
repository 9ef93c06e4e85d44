package ir

// BetaParams describes a Beta(α, β) distribution over a confidence value.
type BetaParams struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

// BetaFromCounts builds a Laplace-smoothed Beta from observation counts:
// α = successes+1, β = failures+1. Negative counts are treated as zero.
func BetaFromCounts(successes, failures int64) BetaParams {
	if successes < 0 {
		successes = 0
	}
	if failures < 0 {
		failures = 0
	}
	return BetaParams{
		Alpha: float64(successes) + 1,
		Beta:  float64(failures) + 1,
	}
}

// Valid reports whether both shape parameters are strictly positive.
func (b BetaParams) Valid() bool {
	return b.Alpha > 0 && b.Beta > 0
}

// Mean returns α/(α+β).
func (b BetaParams) Mean() float64 {
	return b.Alpha / (b.Alpha + b.Beta)
}

// Variance returns αβ/((α+β)²(α+β+1)).
func (b BetaParams) Variance() float64 {
	s := b.Alpha + b.Beta
	return b.Alpha * b.Beta / (s * s * (s + 1))
}
