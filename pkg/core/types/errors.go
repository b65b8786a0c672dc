package types

import (
	"errors"
	"fmt"
)

// Sentinel causes carried by ValidationError. Match them with errors.Is.
var (
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrInvalidFilter     = errors.New("invalid filter")
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrInvalidMetadata   = errors.New("invalid metadata")
)

// ValidationError rejects an operation before any state is mutated.
type ValidationError struct {
	Op     string
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Err, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError with a formatted detail message.
func NewValidationError(op string, cause error, format string, args ...any) *ValidationError {
	return &ValidationError{Op: op, Err: cause, Detail: fmt.Sprintf(format, args...)}
}

// DimensionError reports a vector whose length differs from the index dimension.
func DimensionError(op string, expected, actual int) *ValidationError {
	return NewValidationError(op, ErrDimensionMismatch, "expected %d, got %d", expected, actual)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConsistencyError signals a broken internal invariant, e.g. a non-empty graph
// without an entry point. It always indicates a defect and must not be ignored.
type ConsistencyError struct {
	Invariant string
}

func (e *ConsistencyError) Error() string {
	return "consistency violation: " + e.Invariant
}

// Inconsistent builds a ConsistencyError.
func Inconsistent(format string, args ...any) *ConsistencyError {
	return &ConsistencyError{Invariant: fmt.Sprintf(format, args...)}
}
