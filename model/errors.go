package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrWorkflowNotFound     = "WORKFLOW_NOT_FOUND"
	ErrDefinitionIntegrity  = "DEFINITION_INTEGRITY"
	ErrDispatchLoop         = "DISPATCH_LOOP"
	ErrRegistrySealed       = "REGISTRY_SEALED"
	ErrUnexpectedWorkType   = "UNEXPECTED_WORK_TYPE"
	ErrServiceAlreadyExists = "SERVICE_ALREADY_IMPLEMENTED"
)

// ErrorEnvelope is the standard error value returned by the engine and the
// HTTP API. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode returns the envelope code carried by err, or "" when err does not
// wrap an *ErrorEnvelope.
func ErrorCode(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error for a
// transition that is not declared for the current state.
func NewInvalidTransitionError(transition string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTransition,
		Message: "Not a valid transition for this state: " + transition,
	}
}

// NewWorkflowNotFoundError returns a WORKFLOW_NOT_FOUND error.
func NewWorkflowNotFoundError(workType string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowNotFound,
		Message: fmt.Sprintf("workflow %q is not implemented", workType),
	}
}

// NewDefinitionIntegrityError returns a DEFINITION_INTEGRITY error. These
// indicate a programming error in a workflow definition or its handlers and
// are not recoverable by the caller.
func NewDefinitionIntegrityError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDefinitionIntegrity, Message: msg}
}

// NewDispatchLoopError returns a DISPATCH_LOOP error.
func NewDispatchLoopError(limit int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDispatchLoop,
		Message: fmt.Sprintf("went through more than %d dispatch states when attempting transition (possible loop)", limit),
	}
}

// NewRegistrySealedError returns a REGISTRY_SEALED error.
func NewRegistrySealedError(what string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRegistrySealed,
		Message: fmt.Sprintf("cannot register %s after the workflow registry is sealed", what),
	}
}

// NewUnexpectedWorkTypeError returns an UNEXPECTED_WORK_TYPE error.
func NewUnexpectedWorkTypeError(got, want string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnexpectedWorkType,
		Message: fmt.Sprintf("unexpected work unit type, got %q expected %q", got, want),
	}
}

// NewServiceAlreadyImplementedError returns a SERVICE_ALREADY_IMPLEMENTED error.
func NewServiceAlreadyImplementedError(name string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrServiceAlreadyExists,
		Message: fmt.Sprintf("service %q already has a subscriber", name),
	}
}
