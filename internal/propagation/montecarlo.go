package propagation

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultSamples is the Monte Carlo sample count.
const DefaultSamples = 10000

// pcgStream is the fixed second PCG word. Seeds vary the first word only.
const pcgStream = 0x9e3779b97f4a7c15

// MCConfig configures a Monte Carlo run.
type MCConfig struct {
	// Samples is the number of draws (default DefaultSamples).
	Samples int

	// Seed makes the run reproducible.
	Seed uint64

	// Corr is the correlation matrix of the inputs. Nil draws every input
	// independently; otherwise draws are coupled through a Gaussian copula.
	Corr *mat.SymDense
}

// Summary is the empirical distribution of a Monte Carlo run.
type Summary struct {
	Mean     float64
	Variance float64
	P05      float64
	P50      float64
	P95      float64
	Samples  int
}

// MonteCarlo pushes samples of inputs through fn.
//
// Inputs with Beta parameters are sampled by inverse CDF; inputs without are
// held at their point value. fn receives one value per input, in input
// order, and must not retain the slice.
func MonteCarlo(inputs []Input, fn func([]float64) (float64, error), cfg MCConfig) (Summary, error) {
	if len(inputs) == 0 {
		return Summary{}, ErrNoInputs
	}
	n := cfg.Samples
	if n <= 0 {
		n = DefaultSamples
	}

	var lower *mat.TriDense
	if cfg.Corr != nil {
		chol, err := checkPositiveDefinite(cfg.Corr)
		if err != nil {
			return Summary{}, err
		}
		lower = mat.NewTriDense(len(inputs), mat.Lower, nil)
		chol.LTo(lower)
	}

	dists := make([]*distuv.Beta, len(inputs))
	for i, in := range inputs {
		if in.Beta != nil && in.Beta.Valid() {
			dists[i] = &distuv.Beta{Alpha: in.Beta.Alpha, Beta: in.Beta.Beta}
		}
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, pcgStream))
	z := make([]float64, len(inputs))
	u := make([]float64, len(inputs))
	draw := make([]float64, len(inputs))
	out := make([]float64, n)

	for s := 0; s < n; s++ {
		if lower != nil {
			for i := range z {
				z[i] = rng.NormFloat64()
			}
			for i := range u {
				corr := 0.0
				for j := 0; j <= i; j++ {
					corr += lower.At(i, j) * z[j]
				}
				u[i] = distuv.UnitNormal.CDF(corr)
			}
		} else {
			for i := range u {
				u[i] = rng.Float64()
			}
		}

		for i, in := range inputs {
			if dists[i] == nil {
				draw[i] = in.Value
				continue
			}
			draw[i] = dists[i].Quantile(u[i])
		}

		y, err := fn(draw)
		if err != nil {
			return Summary{}, fmt.Errorf("monte carlo sample %d: %w", s, err)
		}
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return Summary{}, fmt.Errorf("%w: sample %d", ErrMonteCarloUnstable, s)
		}
		out[s] = y
	}

	sort.Float64s(out)
	mean, variance := stat.MeanVariance(out, nil)
	if math.IsNaN(mean) || math.IsNaN(variance) {
		return Summary{}, ErrMonteCarloUnstable
	}
	return Summary{
		Mean:     mean,
		Variance: variance,
		P05:      stat.Quantile(0.05, stat.Empirical, out, nil),
		P50:      stat.Quantile(0.50, stat.Empirical, out, nil),
		P95:      stat.Quantile(0.95, stat.Empirical, out, nil),
		Samples:  n,
	}, nil
}
