// Package propagation combines upstream confidences into a stage confidence.
//
// Every function here is pure: no I/O, no shared state, no wall clock.
// Monte Carlo draws come from a PCG source seeded by the caller, so a fixed
// seed reproduces a result bit for bit.
//
// Combination rules:
//   - independent:  1 - sqrt(Σ(1-cᵢ)²), commutative and associative
//   - correlated:   1 - sqrt(ΣᵢΣⱼ ρᵢⱼσᵢσⱼ) with σᵢ = 1-cᵢ; Monte Carlo
//     through a Gaussian copula once more than MaxAnalyticCorrelated inputs
//     are correlated
//   - beta:         independent rule on Beta means, variance by first-order
//     propagation, refit to a Beta
//   - monte_carlo:  sample-wise independent rule over Beta inputs
//   - weighted:     linear opinion pool
//   - weakest_link: minimum input
//   - custom:       an expr-lang expression over the input values
//
// Inputs and outputs are clamped to [ε, 1-ε] so that no value can lock the
// combination at 0 or 1.
package propagation
