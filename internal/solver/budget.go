package solver

import (
	"errors"
	"fmt"
)

// iterationBudget tracks sweeps over a cyclic graph and enforces
// MaxIterations.
//
// CRITICAL DISTINCTION from tolerance:
//   - Tolerance: the iteration reached a fixed point
//   - Budget: the iteration ran out of sweeps before reaching one
//
// Together they guarantee termination.
type iterationBudget struct {
	max     int
	current int
}

func newIterationBudget(max int) *iterationBudget {
	return &iterationBudget{max: max}
}

// Next reports whether another sweep is allowed and counts it.
func (b *iterationBudget) Next() bool {
	if b.current >= b.max {
		return false
	}
	b.current++
	return true
}

// Current returns the number of sweeps taken.
func (b *iterationBudget) Current() int {
	return b.current
}

// NonConvergenceError is reported when the budget runs out above tolerance.
//
// It is not returned by Solve: the solution carries it so the caller can
// flag the run.
type NonConvergenceError struct {
	Iterations int     // Sweeps performed
	MaxDelta   float64 // Largest change in the final sweep
	Tolerance  float64 // Required tolerance
}

// Error implements the error interface.
func (e *NonConvergenceError) Error() string {
	return fmt.Sprintf("no fixed point after %d iterations: max delta %.6g >= tolerance %.6g",
		e.Iterations, e.MaxDelta, e.Tolerance)
}

// IsNonConvergenceError returns true if the error is a NonConvergenceError.
// Uses errors.As to handle wrapped errors.
func IsNonConvergenceError(err error) bool {
	var ne *NonConvergenceError
	return errors.As(err, &ne)
}
