// Package errors provides the structured error type and circuit breaker
// for the embedding pipeline.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies a failure class in the pipeline taxonomy.
type Code string

const (
	// CodeProvider marks a failed embedding provider call. Transient:
	// affected rows are retried by re-entering the backfill cycle.
	CodeProvider Code = "ERR_PROVIDER"

	// CodeCache marks a storage I/O failure in the embedding cache.
	// Surfaced to the caller, not retried at this layer.
	CodeCache Code = "ERR_CACHE"

	// CodeValidation marks a freshly built index failing its sanity
	// checks. The build is aborted; the active pointer is untouched.
	CodeValidation Code = "ERR_VALIDATION"

	// CodeConflict marks a lost optimistic claim. Soft: the row is
	// retried next cycle and the conflict is never surfaced as a failure.
	CodeConflict Code = "ERR_CONFLICT"
)

// Retryable reports whether operations failing with this code should be
// re-attempted by the pipeline.
func (c Code) Retryable() bool {
	return c == CodeProvider || c == CodeConflict
}

// PipelineError is the structured error carried across pipeline layers.
type PipelineError struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is matches PipelineErrors by code, enabling errors.Is.
func (e *PipelineError) Is(target error) bool {
	if t, ok := target.(*PipelineError); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a PipelineError with the given code and message.
func New(code Code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// Wrap creates a PipelineError from an existing error. Returns nil for a
// nil cause.
func Wrap(code Code, err error) *PipelineError {
	if err == nil {
		return nil
	}
	return &PipelineError{Code: code, Message: err.Error(), Cause: err}
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	var pe *PipelineError
	for errors.As(err, &pe) {
		if pe.Code == code {
			return true
		}
		err = pe.Cause
		if err == nil {
			return false
		}
	}
	return false
}
