package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeSyntax            = "SYNTAX_ERROR"
	ErrCodeSecurity          = "SECURITY_ERROR"
	ErrCodeEvaluation        = "EVALUATION_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeTimeout           = "WORKFLOW_TIMEOUT"
	ErrCodeLoopLimit         = "LOOP_LIMIT"
	ErrCodeNodeFailed        = "NODE_EXECUTION_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeScheduleNotFound  = "SCHEDULE_NOT_FOUND"
	ErrCodeInvalidSchedule   = "INVALID_SCHEDULE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeStore             = "STORE_ERROR"
)

// Error is the structured error type for all engine operations.
// No raw internal state crosses the engine boundary: callers get a code,
// a message, and optional structured details.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsCode reports whether err is, or wraps, a *Error carrying the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// AsError unwraps err into a *Error, if one is present in its chain.
func AsError(err error, target **Error) bool {
	return errors.As(err, target)
}
