// Package degraded turns computational failures into flagged, bounded
// results instead of errors.
//
// A degraded result is always a usable confidence: the point lies in [0,1],
// the interval contains it, and the status tells the consumer how far to
// trust it.
package degraded

import (
	"errors"
	"fmt"
	"math"

	"github.com/roach88/credence/internal/ir"
	"github.com/roach88/credence/internal/propagation"
)

// Kind classifies a failure.
type Kind string

const (
	KindSingularCorrelation   Kind = "singular_correlation"
	KindMissingInput          Kind = "missing_input"
	KindNonConvergence        Kind = "non_convergence"
	KindDeadlineExceeded      Kind = "deadline_exceeded"
	KindMonteCarloInstability Kind = "monte_carlo_instability"
	KindInternal              Kind = "internal"
)

// Status is the run status a failure of this kind produces.
func (k Kind) Status() ir.RunStatus {
	switch k {
	case KindDeadlineExceeded:
		return ir.RunTimeout
	case KindNonConvergence:
		return ir.RunNonConverged
	default:
		return ir.RunDegraded
	}
}

// Classify maps a computational error to its failure kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, propagation.ErrSingularCorrelation):
		return KindSingularCorrelation
	case errors.Is(err, propagation.ErrMonteCarloUnstable):
		return KindMonteCarloInstability
	case errors.Is(err, propagation.ErrNoInputs):
		return KindMissingInput
	default:
		return KindInternal
	}
}

// Failure describes what went wrong and what evidence survived.
type Failure struct {
	Kind   Kind
	Reason string

	// LastGood is the most recent healthy value, if any.
	LastGood *float64

	// Evidence holds whatever input values were available. Non-finite
	// values and values outside [0,1] are ignored.
	Evidence []float64
}

// Policy builds results for failed and healthy computations.
type Policy struct {
	// DefaultPoint is used when no known-good value exists.
	DefaultPoint float64
}

// DefaultPolicy returns the policy with the maximally uncertain default 0.5.
func DefaultPolicy() Policy {
	return Policy{DefaultPoint: 0.5}
}

// Degrade builds the flagged result for f.
//
// The point is the last known-good value, else DefaultPoint. The interval is
// the envelope of the point and the surviving evidence, or [0,1] when there
// is no evidence. Degrade never fails.
func (p Policy) Degrade(f Failure) ir.Result {
	point := p.defaultPoint()
	if f.LastGood != nil && ir.InUnitRange(*f.LastGood) {
		point = *f.LastGood
	}

	lower, upper := 0.0, 1.0
	evidence := usable(f.Evidence)
	if len(evidence) > 0 {
		lower, upper = point, point
		for _, v := range evidence {
			lower = math.Min(lower, v)
			upper = math.Max(upper, v)
		}
	}

	kind := f.Kind
	if kind == "" {
		kind = KindInternal
	}
	reason := string(kind)
	if f.Reason != "" {
		reason = fmt.Sprintf("%s: %s", kind, f.Reason)
	}

	return ir.Result{
		PointEstimate: point,
		LowerBound:    lower,
		UpperBound:    upper,
		Status:        kind.Status(),
		Reason:        reason,
	}
}

// Success wraps a healthy outcome with status converged.
func (p Policy) Success(o propagation.Outcome) ir.Result {
	v := o.Value
	if !ir.InUnitRange(v) {
		return p.Degrade(Failure{Kind: KindInternal, Reason: fmt.Sprintf("value %v outside [0,1]", v)})
	}
	lower, upper := o.Lower, o.Upper
	if !ir.InUnitRange(lower) || lower > v {
		lower = v
	}
	if !ir.InUnitRange(upper) || upper < v {
		upper = v
	}
	return ir.Result{
		PointEstimate: v,
		LowerBound:    lower,
		UpperBound:    upper,
		Status:        ir.RunConverged,
	}
}

func (p Policy) defaultPoint() float64 {
	if ir.InUnitRange(p.DefaultPoint) {
		return p.DefaultPoint
	}
	return 0.5
}

func usable(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if ir.InUnitRange(v) {
			out = append(out, v)
		}
	}
	return out
}
