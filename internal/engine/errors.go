package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/credence/internal/ir"
)

// PanicError is a panic recovered while solving a run.
//
// It never leaves Run as an error: the run is returned with status failed
// and the panic message as its reason.
type PanicError struct {
	// RunID identifies the affected run.
	RunID string

	// Value is the recovered panic value.
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("run %s panicked: %v", e.RunID, e.Value)
}

// IsPanicError returns true if the error is a recovered panic.
// Uses errors.As to handle wrapped errors.
func IsPanicError(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// validationError converts a validator failure into one INPUT_ERROR whose
// Details map each failing field to the violated constraint.
func validationError(what, stage string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ir.Error{
			Code:    ir.CodeInputError,
			Message: "invalid " + what,
			Stage:   stage,
			Err:     err,
		}
	}

	details := make(map[string]string, len(verrs))
	fields := make([]string, len(verrs))
	for i, fe := range verrs {
		constraint := fe.Tag()
		if fe.Param() != "" {
			constraint += "=" + fe.Param()
		}
		details[fe.Namespace()] = constraint
		fields[i] = fmt.Sprintf("%s (%s)", fe.Field(), constraint)
	}
	return &ir.Error{
		Code:    ir.CodeInputError,
		Message: fmt.Sprintf("invalid %s: %s", what, strings.Join(fields, ", ")),
		Stage:   stage,
		Details: details,
	}
}
