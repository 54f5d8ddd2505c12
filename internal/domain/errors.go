// Package domain provides the dialect-neutral request model and canonical error types for the relay.
package domain

import (
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates a missing or unusable credential.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeNotFound indicates the route does not exist.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeUnsupportedContent indicates a content block that cannot be translated.
	ErrorTypeUnsupportedContent ErrorType = "unsupported_content_type"

	// ErrorTypeUnsupportedImageSource indicates an image reference that cannot be resolved.
	ErrorTypeUnsupportedImageSource ErrorType = "unsupported_image_source"

	// ErrorTypeImageFetchFailed indicates a remote image could not be retrieved.
	ErrorTypeImageFetchFailed ErrorType = "image_fetch_failed"

	// ErrorTypeImageFetchTimeout indicates a remote image fetch exceeded its deadline.
	ErrorTypeImageFetchTimeout ErrorType = "image_fetch_timeout"

	// ErrorTypeFileNotFound indicates a local image path does not exist.
	ErrorTypeFileNotFound ErrorType = "file_not_found"

	// ErrorTypeUpstreamConnection indicates the upstream could not be reached.
	ErrorTypeUpstreamConnection ErrorType = "upstream_connection"

	// ErrorTypeUpstreamTimeout indicates the upstream stopped sending data.
	ErrorTypeUpstreamTimeout ErrorType = "upstream_timeout"

	// ErrorTypeUpstreamStatus indicates the upstream answered with a non-2xx status.
	ErrorTypeUpstreamStatus ErrorType = "upstream_status"

	// ErrorTypeUpstreamProtocol indicates an unexpected event shape from the upstream.
	ErrorTypeUpstreamProtocol ErrorType = "upstream_protocol"

	// ErrorTypeOverloaded indicates the relay is at its concurrency limit.
	ErrorTypeOverloaded ErrorType = "overloaded"

	// ErrorTypeServer indicates an internal error.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeMissingAPIKey   ErrorCode = "missing_api_key"
	ErrorCodeInvalidJSON     ErrorCode = "invalid_json"
	ErrorCodeEmptyMessages   ErrorCode = "empty_messages"
	ErrorCodeImageTooLarge   ErrorCode = "image_too_large"
	ErrorCodeOutsideRoot     ErrorCode = "outside_root"
	ErrorCodeStreamTruncated ErrorCode = "stream_truncated"
)

// APIError represents a canonical error that frontdoors translate into
// the client dialect's error vocabulary.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the request field that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *APIError) Unwrap() error {
	return e.Cause
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest, ErrorTypeUnsupportedContent, ErrorTypeUnsupportedImageSource,
		ErrorTypeImageFetchFailed, ErrorTypeFileNotFound:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeImageFetchTimeout, ErrorTypeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeUpstreamConnection, ErrorTypeUpstreamStatus, ErrorTypeUpstreamProtocol:
		return http.StatusBadGateway
	case ErrorTypeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithCause records the underlying error.
func (e *APIError) WithCause(err error) *APIError {
	e.Cause = err
	return e
}

// Convenience constructors for common errors

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrInvalidJSON creates the error returned for an unparseable body.
func ErrInvalidJSON(err error) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, "Invalid JSON: "+err.Error()).
		WithCode(ErrorCodeInvalidJSON).
		WithCause(err)
}

// ErrEmptyMessages creates the error returned for a request with no messages.
func ErrEmptyMessages() *APIError {
	return ErrInvalidRequest("messages: at least one message is required").
		WithCode(ErrorCodeEmptyMessages).
		WithParam("messages")
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message)
}

// ErrMissingAPIKey creates the error returned when no credential was supplied.
func ErrMissingAPIKey() *APIError {
	return ErrAuthentication("Missing API key").WithCode(ErrorCodeMissingAPIKey)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrUnsupportedContent creates an error for an untranslatable content block.
func ErrUnsupportedContent(blockType string) *APIError {
	return NewAPIError(ErrorTypeUnsupportedContent, fmt.Sprintf("unsupported content block type %q", blockType))
}

// ErrUnsupportedImageSource creates an error for an unresolvable image reference.
func ErrUnsupportedImageSource(message string) *APIError {
	return NewAPIError(ErrorTypeUnsupportedImageSource, message)
}

// ErrImageFetchFailed creates an error for a failed remote image fetch.
func ErrImageFetchFailed(message string) *APIError {
	return NewAPIError(ErrorTypeImageFetchFailed, message)
}

// ErrImageFetchTimeout creates an error for a remote image fetch that timed out.
func ErrImageFetchTimeout(message string) *APIError {
	return NewAPIError(ErrorTypeImageFetchTimeout, message)
}

// ErrFileNotFound creates an error for a missing local image.
func ErrFileNotFound(path string) *APIError {
	return NewAPIError(ErrorTypeFileNotFound, fmt.Sprintf("image file not found: %s", path))
}

// ErrUpstreamConnection creates an error for an unreachable upstream.
func ErrUpstreamConnection(err error) *APIError {
	return NewAPIError(ErrorTypeUpstreamConnection, "upstream connection failed: "+err.Error()).WithCause(err)
}

// ErrUpstreamTimeout creates an error for an upstream that stalled.
func ErrUpstreamTimeout(message string) *APIError {
	return NewAPIError(ErrorTypeUpstreamTimeout, message)
}

// ErrUpstreamStatus creates an error carrying the upstream's own status code.
func ErrUpstreamStatus(status int, body string) *APIError {
	msg := fmt.Sprintf("upstream returned status %d", status)
	if body != "" {
		msg += ": " + body
	}
	return NewAPIError(ErrorTypeUpstreamStatus, msg).WithStatusCode(status)
}

// ErrUpstreamProtocol creates an error for an unexpected upstream event.
func ErrUpstreamProtocol(message string) *APIError {
	return NewAPIError(ErrorTypeUpstreamProtocol, message)
}

// ErrOverloaded creates an overloaded error.
func ErrOverloaded(message string) *APIError {
	return NewAPIError(ErrorTypeOverloaded, message)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}
