package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the planning, tracking, and intake layers.
// Wrap them with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	ErrMissingParameter      = errors.New("missing required parameter")
	ErrMissingPredictionFile = errors.New("a prediction file must be provided when starting with step 2")
	ErrInvalidManifest       = errors.New("invalid manifest")
	ErrWorkflowNotFound      = errors.New("workflow not found")
	ErrWorkflowExists        = errors.New("workflow already exists")
	ErrJobNotFound           = errors.New("job not found")
	ErrAlreadyPlanned        = errors.New("workflow jobs already planned")
	ErrTerminalStatus        = errors.New("workflow is in a terminal status")
)

// MissingParameterError reports an absent required input.
func MissingParameterError(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingParameter, name)
}

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrConflict   ErrorCode = "CONFLICT"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the GoWAS API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}
