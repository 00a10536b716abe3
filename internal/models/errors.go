package models

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks across package boundaries.
var (
	ErrValidation      = errors.New("validation failed")
	ErrConflict        = errors.New("conflict")
	ErrForbidden       = errors.New("forbidden")
	ErrPolicyViolation = errors.New("content policy violation")
	ErrProvider        = errors.New("provider failure")
	ErrConfiguration   = errors.New("configuration error")
)

// ValidationError is a malformed request. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError marks a duplicate that callers treat as an idempotent no-op.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Resource, e.Key)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ForbiddenError is raised before any state mutation.
type ForbiddenError struct {
	Reason string
}

func NewForbiddenError(reason string) *ForbiddenError {
	return &ForbiddenError{Reason: reason}
}

func (e *ForbiddenError) Error() string { return "forbidden: " + e.Reason }

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// PolicyViolationError is the designed outcome of an anti-circumvention block.
type PolicyViolationError struct {
	MessageEventID string
	Types          []ViolationType
	Warning        string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("message %s blocked: %v", e.MessageEventID, e.Types)
}

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// ProviderError is a transport failure. Callers may retry with backoff.
type ProviderError struct {
	Op        string
	Code      string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider %s failed (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() []error { return []error{ErrProvider, e.Err} }

// ConfigurationError blocks an org's messaging until an operator intervenes.
type ConfigurationError struct {
	OrgID  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("org %s misconfigured: %s", e.OrgID, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }
