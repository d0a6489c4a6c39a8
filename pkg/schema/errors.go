package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeUnavailable       = "UNAVAILABLE"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeUnitFailed        = "UNIT_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeStore             = "STORE_ERROR"
)

// retryableCodes is the set of codes that mark an error as transient.
// Rate limits, 5xx-style unavailability, timeouts and store hiccups are
// worth retrying; everything else is a programming or input error.
var retryableCodes = map[string]bool{
	ErrCodeTimeout:     true,
	ErrCodeRateLimited: true,
	ErrCodeUnavailable: true,
	ErrCodeStore:       true,
}

// ConductorError is the structured error type for all conductor operations.
type ConductorError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	UnitID  string         `json:"unit_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ConductorError) Error() string {
	if e.UnitID != "" {
		return fmt.Sprintf("[%s] unit %s: %s", e.Code, e.UnitID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConductorError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error's code marks a transient failure.
func (e *ConductorError) IsRetryable() bool {
	return retryableCodes[e.Code]
}

// NewError creates a new ConductorError.
func NewError(code, message string) *ConductorError {
	return &ConductorError{Code: code, Message: message}
}

// NewErrorf creates a new ConductorError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConductorError {
	return &ConductorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithUnit attaches a unit ID to the error.
func (e *ConductorError) WithUnit(unitID string) *ConductorError {
	e.UnitID = unitID
	return e
}

// WithCause attaches an underlying cause.
func (e *ConductorError) WithCause(err error) *ConductorError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConductorError) WithDetails(details map[string]any) *ConductorError {
	e.Details = details
	return e
}
