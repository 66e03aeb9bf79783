package errors

import (
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Code is the machine-readable class of an APIError. Each code maps to one
// problem type.
type Code string

const (
	CodeInvalidRequest       Code = "INVALID_REQUEST"
	CodeValidationFailed     Code = "VALIDATION_FAILED"
	CodeNotFound             Code = "NOT_FOUND"
	CodePayloadTooLarge      Code = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedMediaType Code = "UNSUPPORTED_MEDIA_TYPE"
	CodeRateLimitExceeded    Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal             Code = "INTERNAL_SERVER_ERROR"
)

// ProblemType returns the RFC 7807 type URI for c.
func (c Code) ProblemType() string {
	switch c {
	case CodeInvalidRequest, CodeValidationFailed, CodePayloadTooLarge, CodeUnsupportedMediaType:
		return TypeValidation
	case CodeNotFound:
		return TypeNotFound
	case CodeRateLimitExceeded:
		return TypeRateLimit
	}
	return TypeInternal
}

// APIError is a transport-level failure raised by handlers and middleware
// before the estimator runs.
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  Code        `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Render implements render.Renderer.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// FieldError describes a single invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// New creates an APIError.
func New(statusCode int, code Code, message string) *APIError {
	return &APIError{StatusCode: statusCode, ErrorCode: code, Message: message}
}

// NewWithDetails creates an APIError carrying details for the client.
func NewWithDetails(statusCode int, code Code, message string, details interface{}) *APIError {
	e := New(statusCode, code, message)
	e.Details = details
	return e
}

// ErrRateLimitExceeded is served by the rate limiter.
var ErrRateLimitExceeded = New(http.StatusTooManyRequests, CodeRateLimitExceeded, "Rate limit exceeded")

// InvalidRequest is a 400 for a malformed request.
func InvalidRequest(message string) *APIError {
	return New(http.StatusBadRequest, CodeInvalidRequest, message)
}

// InvalidRequestWithError is a 400 whose details carry err's text.
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeInvalidRequest, "Invalid request format", err.Error())
}

// NewValidationErrors creates a 400 error listing the offending fields.
func NewValidationErrors(fields []FieldError) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeValidationFailed, "Request validation failed", fields)
}

// NotFoundError reports a missing resource such as an estimation run.
func NotFoundError(resource string) *APIError {
	return NewWithDetails(http.StatusNotFound, CodeNotFound, fmt.Sprintf("%s not found", resource), resource)
}

// PayloadTooLarge reports a request body over limit bytes.
func PayloadTooLarge(limit, size int64) *APIError {
	return NewWithDetails(http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
		"Request body exceeds maximum allowed size",
		map[string]interface{}{"max_size": limit, "size": size})
}

// UnsupportedMediaType reports a Content-Type outside allowed.
func UnsupportedMediaType(contentType string, allowed []string) *APIError {
	return NewWithDetails(http.StatusUnsupportedMediaType, CodeUnsupportedMediaType,
		"Unsupported content type",
		map[string]interface{}{"content_type": contentType, "allowed": allowed})
}
