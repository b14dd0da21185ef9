// Package errors holds the error vocabulary shared by the daemon, the
// control protocol and the CLI.
//
// It provides:
//   - control protocol error codes
//   - sentinel errors for every failure the daemon reports
//   - category checks and ErrorToCode / CodeToError mapping
//   - wrapping helpers and a ValidationErrors collector for config checks
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// Control protocol error codes
// ============================================================================

const (
	CodeUnknown        int32 = 1
	CodeInvalidRequest int32 = 2
	CodeNotFound       int32 = 3
	CodeAlreadyExists  int32 = 4
	CodeInternal       int32 = 5
	CodeBusy           int32 = 6
	CodeTimeout        int32 = 7
	CodeUnavailable    int32 = 8
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeNotFound:
		return "NotFound"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeInternal:
		return "Internal"
	case CodeBusy:
		return "Busy"
	case CodeTimeout:
		return "Timeout"
	case CodeUnavailable:
		return "Unavailable"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Not found
	ErrNotFound        = errors.New("not found")
	ErrTargetNotFound  = errors.New("target not found")
	ErrSessionNotFound = errors.New("session not found")

	// Already exists
	ErrAlreadyExists       = errors.New("already exists")
	ErrTargetAlreadyExists = errors.New("target already exists")

	// Validation
	ErrInvalidAddress  = errors.New("invalid address")
	ErrInvalidQuery    = errors.New("invalid query")
	ErrInvalidSample   = errors.New("invalid sample")
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingField    = errors.New("missing required field")
	ErrUnknownCommand  = errors.New("unknown command")

	// State
	ErrPassInProgress = errors.New("digest pass already in progress")
	ErrSessionClosed  = errors.New("session is closed")
	ErrStoreClosed    = errors.New("store is closed")
	ErrNotRunning     = errors.New("not running")

	// Probe
	ErrProbeFailed   = errors.New("probe failed")
	ErrSNMPError     = errors.New("SNMP error")
	ErrTimeout       = errors.New("timeout")
	ErrResolveFailed = errors.New("address resolution failed")

	// Internal
	ErrInternal = errors.New("internal error")
	ErrDatabase = errors.New("database error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTargetNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}

// IsAlreadyExists returns true if err is an already-exists error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrTargetAlreadyExists)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAddress) ||
		errors.Is(err, ErrInvalidQuery) ||
		errors.Is(err, ErrInvalidSample) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrUnknownCommand) ||
		errors.Is(err, ErrResolveFailed)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrPassInProgress)
}

// ============================================================================
// Error to wire code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its control protocol code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case IsNotFound(err):
		return CodeNotFound
	case IsAlreadyExists(err):
		return CodeAlreadyExists
	case IsValidation(err):
		return CodeInvalidRequest
	case Is(err, ErrPassInProgress):
		return CodeBusy
	case Is(err, ErrTimeout):
		return CodeTimeout
	case Is(err, ErrStoreClosed), Is(err, ErrNotRunning), Is(err, ErrSessionClosed):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// CodeToError maps a control protocol code to a sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeInvalidRequest:
		return ErrInvalidQuery
	case CodeNotFound:
		return ErrNotFound
	case CodeAlreadyExists:
		return ErrAlreadyExists
	case CodeBusy:
		return ErrPassInProgress
	case CodeTimeout:
		return ErrTimeout
	case CodeUnavailable:
		return ErrNotRunning
	default:
		return ErrInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidQuery creates a query validation error.
func NewInvalidQuery(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrInvalidQuery)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	switch len(v.Errors) {
	case 0:
		return ""
	case 1:
		return v.Errors[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap exposes every collected error to errors.Is/As.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
