package harness

import "github.com/roach88/credence/internal/ir"

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall scenario success.
	// True if all assertions match.
	Pass bool `json:"pass"`

	// Run is the finished run. Nil when the engine rejected the request.
	Run *ir.PipelineRun `json:"run,omitempty"`

	// InputError is the engine's rejection, if any.
	InputError string `json:"input_error,omitempty"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for scenario execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
