// Package httperrors provides generic error responses for HTTP endpoints.
// It ensures that internal implementation details are not leaked to clients.
package httperrors

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/real-rm/handoff/internal/constants"
	handofferrors "github.com/real-rm/handoff/internal/errors"
)

// ErrorResponse represents a generic error response for clients
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Details    string `json:"details,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"` // milliseconds
}

// Generic error messages that don't expose internal details
const (
	MsgUnauthorized       = "Authentication required"
	MsgInvalidToken       = "Invalid or expired authentication token"
	MsgInvalidAuthHeader  = "Invalid authorization header"
	MsgForbidden          = "Insufficient permissions"
	MsgInvalidRequest     = "Invalid request parameters"
	MsgInternalError      = "An internal error occurred"
	MsgServiceUnavailable = "Service temporarily unavailable"
	MsgResourceNotFound   = "Resource not found"
	MsgBadRequest         = "Bad request"
	MsgSessionNotFound    = "Session not found"
	MsgOperationFailed    = "Operation failed"
)

// Error codes for client-side handling
const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeForbidden          = "FORBIDDEN"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
)

// RespondUnauthorized sends a 401 response with a generic message
func RespondUnauthorized(c *gin.Context, message string) {
	if message == "" {
		message = MsgUnauthorized
	}
	c.JSON(401, ErrorResponse{
		Error: message,
		Code:  CodeUnauthorized,
	})
}

// RespondInvalidToken sends a 401 response for invalid tokens
func RespondInvalidToken(c *gin.Context) {
	c.JSON(401, ErrorResponse{
		Error: MsgInvalidToken,
		Code:  CodeInvalidToken,
	})
}

// RespondForbidden sends a 403 response with a generic message
func RespondForbidden(c *gin.Context) {
	c.JSON(403, ErrorResponse{
		Error: MsgForbidden,
		Code:  CodeForbidden,
	})
}

// RespondBadRequest sends a 400 response with a generic message
func RespondBadRequest(c *gin.Context, message string) {
	if message == "" {
		message = MsgBadRequest
	}
	c.JSON(400, ErrorResponse{
		Error: message,
		Code:  CodeBadRequest,
	})
}

// RespondInternalError sends a 500 response with a generic message
func RespondInternalError(c *gin.Context) {
	c.JSON(500, ErrorResponse{
		Error: MsgInternalError,
		Code:  CodeInternalError,
	})
}

// RespondServiceUnavailable sends a 503 response
func RespondServiceUnavailable(c *gin.Context) {
	c.JSON(503, ErrorResponse{
		Error: MsgServiceUnavailable,
		Code:  CodeServiceUnavailable,
	})
}

// RespondNotFound sends a 404 response
func RespondNotFound(c *gin.Context, message string) {
	if message == "" {
		message = MsgResourceNotFound
	}
	c.JSON(404, ErrorResponse{
		Error: message,
		Code:  CodeNotFound,
	})
}

// RespondHandoffError maps a domain error onto the appropriate HTTP status.
// Domain error messages are written for end users and safe to expose; any
// other error becomes a generic 500.
//
// Status mapping:
//   - not-found codes: 404
//   - other preconditions (already active, already taken, outside hours): 409
//   - unavailability: 502 (the message endpoints report peer unavailability
//     as a delivered:false outcome before it reaches this mapping)
//   - validation: 400
//   - auth: 401, or 403 for insufficient permissions
//   - rate limits: 429 with a Retry-After header
//   - service and anything unrecognized: 500
func RespondHandoffError(c *gin.Context, err error) {
	var handoffErr *handofferrors.HandoffError
	if !errors.As(err, &handoffErr) {
		RespondInternalError(c)
		return
	}

	resp := ErrorResponse{
		Error: handoffErr.Message,
		Code:  string(handoffErr.Code),
	}

	switch handoffErr.Category {
	case handofferrors.CategoryPrecondition:
		if handoffErr.Code == handofferrors.ErrCodeSessionNotFound ||
			handoffErr.Code == handofferrors.ErrCodeNoActiveSession {
			c.JSON(404, resp)
			return
		}
		c.JSON(409, resp)

	case handofferrors.CategoryUnavailable:
		c.JSON(502, resp)

	case handofferrors.CategoryValidation:
		c.JSON(400, resp)

	case handofferrors.CategoryAuth:
		if handoffErr.Code == handofferrors.ErrCodeInsufficientPerms {
			c.JSON(403, resp)
			return
		}
		c.JSON(401, resp)

	case handofferrors.CategoryRateLimit:
		resp.RetryAfter = handoffErr.RetryAfter
		seconds := handoffErr.RetryAfter / 1000
		if seconds < 1 {
			seconds = 1
		}
		c.Header(constants.HeaderRetryAfter, strconv.Itoa(seconds))
		c.JSON(429, resp)

	default:
		RespondInternalError(c)
	}
}
