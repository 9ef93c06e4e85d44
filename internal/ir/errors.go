package ir

import (
	"errors"
	"fmt"
)

// Error is the coded error shared by every credence component.
//
// Only CodeInputError crosses the engine boundary as a Go error. The other
// codes classify operational failures that the engine converts into flagged
// results; they surface as error values inside components so the caller can
// route them into degraded handling.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Stage identifies the affected stage, when there is one.
	Stage string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause (optional).
	Err error
}

// ErrorCode categorizes errors.
type ErrorCode string

const (
	// CodeInputError marks malformed or out-of-range input. Fails fast.
	CodeInputError ErrorCode = "INPUT_ERROR"

	// CodeComputationDegraded marks a recoverable computational failure:
	// singular correlation structure, Monte Carlo instability, non-convergence.
	CodeComputationDegraded ErrorCode = "COMPUTATION_DEGRADED"

	// CodeResourceExhausted marks a store over its memory budget.
	CodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// CodeTimeout marks an exceeded solver deadline.
	CodeTimeout ErrorCode = "TIMEOUT"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Stage != "" {
		msg = fmt.Sprintf("%s (stage=%s)", msg, e.Stage)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewInputError creates an input validation error.
func NewInputError(stage, format string, args ...any) *Error {
	return &Error{
		Code:    CodeInputError,
		Message: fmt.Sprintf(format, args...),
		Stage:   stage,
	}
}

// NewComputationError wraps a computational failure of one stage.
func NewComputationError(stage string, err error) *Error {
	return &Error{
		Code:    CodeComputationDegraded,
		Message: "computation degraded",
		Stage:   stage,
		Err:     err,
	}
}

// HasCode reports whether err is an *Error with the given code.
// Uses errors.As to handle wrapped errors.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsInputError returns true if the error is an input validation error.
func IsInputError(err error) bool {
	return HasCode(err, CodeInputError)
}

// IsComputationDegraded returns true if the error is a recoverable
// computational failure.
func IsComputationDegraded(err error) bool {
	return HasCode(err, CodeComputationDegraded)
}
