// Package services provides standardized error types for service layer operations.
package services

import (
	"errors"
	"fmt"

	"github.com/consilium-ai/consilium/pkg/lifecycle"
	"github.com/consilium-ai/consilium/pkg/persistence"
	"github.com/consilium-ai/consilium/pkg/quota"
	"github.com/consilium-ai/consilium/pkg/workflows"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownKind    = workflows.ErrUnknownKind
	ErrValidation     = lifecycle.ErrValidation

	// Authentication / quota errors (401 / 429).
	ErrUnauthenticated = quota.ErrUnauthenticated
	ErrQuotaExceeded   = quota.ErrExhausted

	// Not found (404).
	ErrRunNotFound    = persistence.ErrRunNotFound
	ErrReportNotFound = persistence.ErrReportNotFound

	// Business Logic Conflicts (409 Conflict).
	ErrNotCancellable = workflows.ErrNotCancellable
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnknownKind)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrReportNotFound)
}

// IsQuotaError checks if an error should return HTTP 429.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrNotCancellable)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
