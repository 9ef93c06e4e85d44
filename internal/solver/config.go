package solver

import (
	"github.com/go-playground/validator/v10"

	"github.com/roach88/credence/internal/ir"
)

// Defaults for Config.
const (
	DefaultMaxIterations = 10
	DefaultTolerance     = 0.01
	DefaultBootstrap     = 0.5
)

// configValidate is the validator instance for solver configuration.
var configValidate = validator.New()

// Config controls the fixed-point iteration.
type Config struct {
	// MaxIterations bounds the sweeps over a cyclic graph.
	MaxIterations int `json:"max_iterations" validate:"gte=1"`

	// Tolerance is the max per-stage change below which a sweep converges.
	Tolerance float64 `json:"tolerance" validate:"gt=0,lt=1"`

	// Bootstrap seeds every stage without a prior before the first sweep.
	Bootstrap float64 `json:"bootstrap" validate:"gte=0,lte=1"`

	// Seed drives every Monte Carlo draw of the run.
	Seed uint64 `json:"seed"`

	// Parallel recomputes independent stages of a sweep concurrently.
	// Results are identical to sequential execution.
	Parallel bool `json:"parallel"`

	// Samples is the Monte Carlo sample count (0 means the default).
	Samples int `json:"samples" validate:"gte=0"`
}

// DefaultConfig returns the standard solver settings.
func DefaultConfig() Config {
	return Config{
		MaxIterations: DefaultMaxIterations,
		Tolerance:     DefaultTolerance,
		Bootstrap:     DefaultBootstrap,
	}
}

// Validate checks the configuration. Failures are INPUT_ERRORs.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return &ir.Error{
			Code:    ir.CodeInputError,
			Message: "invalid solver configuration",
			Err:     err,
		}
	}
	return nil
}
