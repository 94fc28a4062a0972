package semantica

import (
	"errors"
	"fmt"
)

// Error kinds are matched at the service boundary and translated into the
// wire error codes (4000 validation, 4001 not found, 4002 conflict, 4003
// throttled, 5001 storage, 5002 system).

// ValidationError indicates the caller's input violates a declared contract.
// Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError returns a ValidationError for the named field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError indicates an identifier references a nonexistent record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) IsNotFound() bool { return true }

// ConflictError indicates a state transition that is not legal from the
// current state.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ThrottledError is a non-fatal backpressure signal: storage contention or an
// exhausted rate-limit bucket. Callers may retry with backoff.
type ThrottledError struct {
	Message string
}

func (e *ThrottledError) Error() string { return e.Message }

// Retryable marks ThrottledError for the generic retry check below.
func (e *ThrottledError) Retryable() bool { return true }

// ExecErrorKind classifies executor-reported failures.
type ExecErrorKind int

const (
	// ExecTransient failures trigger the retry policy.
	ExecTransient ExecErrorKind = iota
	// ExecPermanent failures fail the job immediately.
	ExecPermanent
	// ExecInfra failures are environment problems (spawn failed, log write
	// failed); they surface as system errors and trigger the retry policy.
	ExecInfra
)

func (k ExecErrorKind) String() string {
	switch k {
	case ExecTransient:
		return "transient"
	case ExecPermanent:
		return "permanent"
	case ExecInfra:
		return "infra"
	}
	return "unknown"
}

// ExecError wraps a failure reported by an executor with its classification.
type ExecError struct {
	Kind ExecErrorKind
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s execution error: %v", e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// NewTransientExecError tags err as retryable by the retry policy.
func NewTransientExecError(err error) *ExecError {
	return &ExecError{Kind: ExecTransient, Err: err}
}

// NewPermanentExecError tags err as non-retryable.
func NewPermanentExecError(err error) *ExecError {
	return &ExecError{Kind: ExecPermanent, Err: err}
}

// NewInfraExecError tags err as an environment failure.
func NewInfraExecError(err error) *ExecError {
	return &ExecError{Kind: ExecInfra, Err: err}
}

// IsTransientExec reports whether err (or anything it wraps) is an executor
// failure that the retry policy should consider.
func IsTransientExec(err error) bool {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind == ExecTransient || ee.Kind == ExecInfra
	}
	return false
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

// IsThrottled reports whether err is a ThrottledError.
func IsThrottled(err error) bool {
	var te *ThrottledError
	return errors.As(err, &te)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
