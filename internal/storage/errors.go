package storage

import (
	"errors"
	"fmt"
)

// ErrorType distinguishes between retryable and non-retryable errors.
type ErrorType int

const (
	// ErrorTypeTransient indicates pool exhaustion, queue saturation or a
	// timeout (503 - retryable).
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePersistent indicates connection, schema or SQL failures
	// (500 - surfaced and logged, never fatal).
	ErrorTypePersistent
	// ErrorTypeInvalidData indicates bad input data (handled via partial success).
	ErrorTypeInvalidData
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypePersistent:
		return "persistent"
	case ErrorTypeInvalidData:
		return "invalid_data"
	default:
		return "unknown"
	}
}

// ErrClosed is the cause reported for operations on a closed store.
var ErrClosed = errors.New("storage: closed")

// StorageError wraps storage layer errors with type information.
type StorageError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewTransientError creates a retryable error.
func NewTransientError(message string, cause error) *StorageError {
	return &StorageError{Type: ErrorTypeTransient, Message: message, Cause: cause}
}

// NewPersistentError creates a non-retryable infrastructure error.
func NewPersistentError(message string, cause error) *StorageError {
	return &StorageError{Type: ErrorTypePersistent, Message: message, Cause: cause}
}

// IsTransient reports whether err carries a transient StorageError.
func IsTransient(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Type == ErrorTypeTransient
}

// IsPersistent reports whether err carries a persistent StorageError.
func IsPersistent(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Type == ErrorTypePersistent
}

// StoreResult contains the outcome of an ingestion call.
// Used for partial success responses.
type StoreResult struct {
	Accepted int      // Number of items accepted into the pipeline
	Rejected int      // Number of items that failed validation
	Errors   []string // Human-readable error messages for rejected items
}

// AddError records a rejected item with its error message.
func (r *StoreResult) AddError(msg string) {
	r.Rejected++
	r.Errors = append(r.Errors, msg)
}

// HasRejections returns true if any items were rejected.
func (r *StoreResult) HasRejections() bool {
	return r.Rejected > 0
}

// ErrorMessage returns a combined error message for partial success response.
func (r *StoreResult) ErrorMessage() string {
	if len(r.Errors) == 0 {
		return ""
	}
	if len(r.Errors) == 1 {
		return r.Errors[0]
	}
	return fmt.Sprintf("%d errors: %s", len(r.Errors), r.Errors[0])
}
