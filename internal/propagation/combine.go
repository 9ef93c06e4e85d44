package propagation

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/roach88/credence/internal/ir"
)

var (
	// ErrSingularCorrelation is returned when the correlation matrix of a
	// stage's inputs is not positive definite.
	ErrSingularCorrelation = errors.New("correlation matrix is not positive definite")

	// ErrMonteCarloUnstable is returned when sampling produces non-finite
	// values.
	ErrMonteCarloUnstable = errors.New("monte carlo produced non-finite samples")

	// ErrNoInputs is returned by a rule called without inputs.
	ErrNoInputs = errors.New("no inputs")

	// ErrNonFinite is returned when a rule evaluates to NaN or ±Inf.
	ErrNonFinite = errors.New("non-finite confidence")
)

// Clamp bounds v to [ε, 1-ε].
func Clamp(v float64) float64 {
	return ir.Clamp(v)
}

// IndependentCombine combines confidences from independent sources by
// root-sum-square of their uncertainties. With no values it returns the
// identity (1-ε).
func IndependentCombine(values ...float64) float64 {
	sum := 0.0
	for _, v := range values {
		u := 1 - Clamp(v)
		sum += u * u
	}
	return Clamp(1 - math.Sqrt(sum))
}

// Correlations supplies pairwise correlation coefficients by source id.
// *correlation.Tracker satisfies it.
type Correlations interface {
	Query(a, b string) float64
}

// Independent is the Correlations that treats every distinct pair as
// uncorrelated.
type Independent struct{}

// Query returns 1 for a == b and 0 otherwise.
func (Independent) Query(a, b string) float64 {
	if a == b {
		return 1
	}
	return 0
}

// CorrelationMatrix builds the symmetric matrix ρ for inputs.
func CorrelationMatrix(inputs []Input, corr Correlations) *mat.SymDense {
	if corr == nil {
		corr = Independent{}
	}
	n := len(inputs)
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		m.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			m.SetSym(i, j, corr.Query(inputs[i].Source, inputs[j].Source))
		}
	}
	return m
}

// checkPositiveDefinite factorizes rho and returns its Cholesky form.
func checkPositiveDefinite(rho *mat.SymDense) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(rho); !ok {
		return nil, ErrSingularCorrelation
	}
	return &chol, nil
}

// CorrelatedCombine combines confidences whose uncertainties are correlated:
// U² = ΣᵢΣⱼ ρᵢⱼσᵢσⱼ, result 1-U. With no correlations it equals
// IndependentCombine.
func CorrelatedCombine(inputs []Input, corr Correlations) (float64, error) {
	if len(inputs) == 0 {
		return IndependentCombine(), nil
	}
	rho := CorrelationMatrix(inputs, corr)
	if _, err := checkPositiveDefinite(rho); err != nil {
		return 0, err
	}
	values := make([]float64, len(inputs))
	for i, in := range inputs {
		values[i] = in.Value
	}
	return correlatedValue(values, rho)
}

// correlatedValue evaluates 1 - sqrt(σᵀρσ) for raw values.
func correlatedValue(values []float64, rho mat.Symmetric) (float64, error) {
	sigma := mat.NewVecDense(len(values), nil)
	for i, v := range values {
		sigma.SetVec(i, 1-Clamp(v))
	}
	u2 := mat.Inner(sigma, rho, sigma)
	if u2 < 0 {
		// Only reachable for matrices that were not checked.
		return 0, fmt.Errorf("%w: negative variance %v", ErrSingularCorrelation, u2)
	}
	return Clamp(1 - math.Sqrt(u2)), nil
}

// correlatedCount returns how many inputs share a non-zero coefficient with
// at least one other input.
func correlatedCount(rho *mat.SymDense) int {
	n, _ := rho.Dims()
	count := 0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j && rho.At(i, j) != 0 {
				count++
				break
			}
		}
	}
	return count
}
