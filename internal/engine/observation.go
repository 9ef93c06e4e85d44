package engine

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// observationValidate is the validator instance for ingested observations.
var observationValidate = validator.New()

// Observation is one per-stage confidence reported by an upstream
// collaborator.
type Observation struct {
	Entity string  `json:"entity" yaml:"entity" validate:"required"`
	Stage  string  `json:"stage" yaml:"stage" validate:"required"`
	Value  float64 `json:"value" yaml:"value" validate:"gte=0,lte=1"`

	// Successes and Failures are optional observation counts. When either
	// is positive the estimate carries Beta(successes+1, failures+1).
	Successes int64 `json:"successes,omitempty" yaml:"successes,omitempty" validate:"gte=0"`
	Failures  int64 `json:"failures,omitempty" yaml:"failures,omitempty" validate:"gte=0"`

	// Timestamp defaults to the engine clock.
	Timestamp time.Time `json:"timestamp,omitzero" yaml:"timestamp,omitempty"`

	// Correlations are hints recorded in the correlation tracker.
	Correlations []CorrelationHint `json:"correlations,omitempty" yaml:"correlations,omitempty" validate:"dive"`
}

// CorrelationHint declares that the observed stage's errors correlate with
// another source.
type CorrelationHint struct {
	With        string  `json:"with" yaml:"with" validate:"required"`
	Coefficient float64 `json:"coefficient" yaml:"coefficient" validate:"gte=-1,lte=1"`
	Basis       string  `json:"basis,omitempty" yaml:"basis,omitempty"`
}

// HasCounts reports whether the observation carries observation counts.
func (o Observation) HasCounts() bool {
	return o.Successes > 0 || o.Failures > 0
}
