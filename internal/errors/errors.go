// Package errors provides error handling functionality for the handoff gateway.
// It defines error categories, error types, and error message generation.
package errors

import (
	"fmt"

	"github.com/real-rm/handoff/internal/message"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryAuth represents authentication and authorization errors
	CategoryAuth ErrorCategory = "auth"
	// CategoryPrecondition represents expected state-machine precondition violations
	CategoryPrecondition ErrorCategory = "precondition"
	// CategoryValidation represents input validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryUnavailable represents expected peer-unavailability outcomes
	CategoryUnavailable ErrorCategory = "unavailable"
	// CategoryService represents service-level errors (database, notification)
	CategoryService ErrorCategory = "service"
	// CategoryRateLimit represents rate limiting errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// ErrorCode represents specific error codes
type ErrorCode string

const (
	// Authentication errors
	ErrCodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken      ErrorCode = "EXPIRED_TOKEN"
	ErrCodeInsufficientPerms ErrorCode = "INSUFFICIENT_PERMISSIONS"

	// Precondition errors (expected, caller must change state before retrying)
	ErrCodeAlreadyActive        ErrorCode = "ALREADY_ACTIVE"
	ErrCodeSessionNotAcceptable ErrorCode = "SESSION_NOT_ACCEPTABLE"
	ErrCodeNoActiveSession      ErrorCode = "NO_ACTIVE_SESSION"
	ErrCodeOutsideWorkingHours  ErrorCode = "OUTSIDE_WORKING_HOURS"
	ErrCodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"

	// Peer-unavailability (expected transient condition, not a system error)
	ErrCodePeerUnavailable ErrorCode = "PEER_UNAVAILABLE"

	// Validation errors
	ErrCodeInvalidFormat ErrorCode = "INVALID_FORMAT"
	ErrCodeMissingField  ErrorCode = "MISSING_FIELD"

	// Service errors
	ErrCodeDatabaseError ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceError  ErrorCode = "SERVICE_ERROR"

	// Rate limiting errors
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"
	ErrCodeConnectionLimit ErrorCode = "CONNECTION_LIMIT_EXCEEDED"
)

// HandoffError represents an application error with category and recoverability information
type HandoffError struct {
	Category    ErrorCategory
	Code        ErrorCode
	Message     string
	Recoverable bool
	RetryAfter  int // milliseconds, only for rate limit errors
	Cause       error
}

// Error implements the error interface
func (e *HandoffError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *HandoffError) Unwrap() error {
	return e.Cause
}

// IsFatal returns true if the error is fatal and requires connection closure
func (e *HandoffError) IsFatal() bool {
	return !e.Recoverable
}

// IsPrecondition returns true for expected state-machine violations.
// These are surfaced to callers as 4xx results and never logged as system errors.
func (e *HandoffError) IsPrecondition() bool {
	return e.Category == CategoryPrecondition
}

// ToErrorInfo converts a HandoffError to a message.ErrorInfo for wire protocol
func (e *HandoffError) ToErrorInfo() *message.ErrorInfo {
	return &message.ErrorInfo{
		Code:        string(e.Code),
		Message:     e.Message,
		Recoverable: e.Recoverable,
		RetryAfter:  e.RetryAfter,
	}
}

// NewAuthError creates a new authentication error (fatal)
func NewAuthError(code ErrorCode, message string, cause error) *HandoffError {
	return &HandoffError{
		Category:    CategoryAuth,
		Code:        code,
		Message:     message,
		Recoverable: false, // Auth errors are fatal
		Cause:       cause,
	}
}

// NewPreconditionError creates a new precondition error (recoverable after a state change)
func NewPreconditionError(code ErrorCode, message string) *HandoffError {
	return &HandoffError{
		Category:    CategoryPrecondition,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewValidationError creates a new validation error (recoverable)
func NewValidationError(code ErrorCode, message string, cause error) *HandoffError {
	return &HandoffError{
		Category:    CategoryValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewServiceError creates a new service error (recoverable with retry)
func NewServiceError(code ErrorCode, message string, cause error) *HandoffError {
	return &HandoffError{
		Category:    CategoryService,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewRateLimitError creates a new rate limit error (recoverable with retry after)
func NewRateLimitError(code ErrorCode, message string, retryAfter int, cause error) *HandoffError {
	return &HandoffError{
		Category:    CategoryRateLimit,
		Code:        code,
		Message:     message,
		Recoverable: true,
		RetryAfter:  retryAfter,
		Cause:       cause,
	}
}

// Common error constructors for convenience

// ErrAlreadyActive indicates the identity already has a Waiting or Connected session
func ErrAlreadyActive() *HandoffError {
	return NewPreconditionError(ErrCodeAlreadyActive,
		"You already have an active support session. Please finish it before requesting a new one.")
}

// ErrSessionNotAcceptable indicates the session is no longer Waiting (another agent won the race)
func ErrSessionNotAcceptable() *HandoffError {
	return NewPreconditionError(ErrCodeSessionNotAcceptable,
		"This request was already taken by another agent.")
}

// ErrNoActiveSession indicates no Connected session exists for the conversation
func ErrNoActiveSession() *HandoffError {
	return NewPreconditionError(ErrCodeNoActiveSession,
		"No active handoff session found for this conversation.")
}

// ErrSessionNotFound indicates the session id does not exist
func ErrSessionNotFound() *HandoffError {
	return NewPreconditionError(ErrCodeSessionNotFound, "Handoff session not found.")
}

// ErrOutsideWorkingHours indicates handoff requests are gated by the working schedule
func ErrOutsideWorkingHours(detail string) *HandoffError {
	return NewPreconditionError(ErrCodeOutsideWorkingHours, detail)
}

// ErrPeerUnavailable indicates the peer has no live connection to deliver to
func ErrPeerUnavailable() *HandoffError {
	return &HandoffError{
		Category:    CategoryUnavailable,
		Code:        ErrCodePeerUnavailable,
		Message:     "Your message did not reach a live peer right now.",
		Recoverable: true,
	}
}

// ErrInvalidToken creates an invalid token error
func ErrInvalidToken(cause error) *HandoffError {
	return NewAuthError(ErrCodeInvalidToken, "Invalid authentication token", cause)
}

// ErrExpiredToken creates an expired token error
func ErrExpiredToken(cause error) *HandoffError {
	return NewAuthError(ErrCodeExpiredToken, "Authentication token has expired", cause)
}

// ErrInsufficientPermissions creates an insufficient permissions error
func ErrInsufficientPermissions(cause error) *HandoffError {
	return NewAuthError(ErrCodeInsufficientPerms, "Insufficient permissions for this operation", cause)
}

// ErrInvalidMessageFormat creates an invalid message format error
func ErrInvalidMessageFormat(details string, cause error) *HandoffError {
	return NewValidationError(ErrCodeInvalidFormat, fmt.Sprintf("Invalid message format: %s", details), cause)
}

// ErrMissingField creates a missing field error
func ErrMissingField(fieldName string) *HandoffError {
	return NewValidationError(ErrCodeMissingField, fmt.Sprintf("Required field missing: %s", fieldName), nil)
}

// ErrDatabaseError creates a database error
func ErrDatabaseError(cause error) *HandoffError {
	return NewServiceError(ErrCodeDatabaseError, "Database operation failed", cause)
}

// ErrTooManyRequests creates a too many requests error
func ErrTooManyRequests(retryAfter int) *HandoffError {
	return NewRateLimitError(ErrCodeTooManyRequests,
		"Too many requests, please slow down", retryAfter, nil)
}

// ErrConnectionLimitExceeded creates a connection limit exceeded error
func ErrConnectionLimitExceeded(retryAfter int) *HandoffError {
	return NewRateLimitError(ErrCodeConnectionLimit,
		"Connection limit exceeded, please try again later", retryAfter, nil)
}
