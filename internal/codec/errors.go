package codec

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/codex-relay/internal/domain"
)

// ErrorResponse represents a generic error response that can be serialized
// to different API formats.
type ErrorResponse struct {
	StatusCode int
	Body       []byte
}

// ErrorFormatter formats domain errors for a specific API type.
type ErrorFormatter interface {
	// FormatError converts a domain error to an API-specific error response.
	FormatError(err error) *ErrorResponse
}

// ToCanonicalError converts any error to a domain.APIError.
// If the error is already a domain.APIError, it returns it directly.
// Otherwise, it wraps the error in a generic server error.
func ToCanonicalError(err error) *domain.APIError {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return domain.ErrServer(err.Error()).WithCause(err)
}

// FormatterFor returns the error formatter of a client dialect.
func FormatterFor(apiType domain.APIType) ErrorFormatter {
	if apiType == domain.APITypeAnthropic {
		return &AnthropicErrorFormatter{}
	}
	return &OpenAIErrorFormatter{}
}

// OpenAIErrorFormatter formats errors for OpenAI API responses.
type OpenAIErrorFormatter struct{}

// FormatError formats a domain error as an OpenAI API error response.
func (f *OpenAIErrorFormatter) FormatError(err error) *ErrorResponse {
	apiErr := ToCanonicalError(err)

	errObj := map[string]interface{}{
		"message": apiErr.Message,
		"type":    OpenAIErrorType(apiErr.Type),
	}
	if apiErr.Code != "" {
		errObj["code"] = string(apiErr.Code)
	}
	if apiErr.Param != "" {
		errObj["param"] = apiErr.Param
	}

	body, _ := json.Marshal(map[string]interface{}{
		"error": errObj,
	})

	return &ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		Body:       body,
	}
}

// OpenAIErrorType maps a domain error type to the OpenAI error vocabulary.
func OpenAIErrorType(t domain.ErrorType) string {
	switch t {
	case domain.ErrorTypeInvalidRequest, domain.ErrorTypeUnsupportedContent, domain.ErrorTypeUnsupportedImageSource,
		domain.ErrorTypeImageFetchFailed, domain.ErrorTypeImageFetchTimeout, domain.ErrorTypeFileNotFound:
		return "invalid_request_error"
	case domain.ErrorTypeAuthentication:
		return "unauthorized"
	case domain.ErrorTypeNotFound:
		return "not_found"
	case domain.ErrorTypeOverloaded:
		return "service_unavailable"
	case domain.ErrorTypeUpstreamConnection, domain.ErrorTypeUpstreamTimeout,
		domain.ErrorTypeUpstreamStatus, domain.ErrorTypeUpstreamProtocol:
		return "upstream_error"
	default:
		return "server_error"
	}
}

// AnthropicErrorFormatter formats errors for Anthropic API responses.
type AnthropicErrorFormatter struct{}

// FormatError formats a domain error as an Anthropic API error response.
func (f *AnthropicErrorFormatter) FormatError(err error) *ErrorResponse {
	apiErr := ToCanonicalError(err)

	body, _ := json.Marshal(map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    AnthropicErrorType(apiErr.Type),
			"message": apiErr.Message,
		},
	})

	return &ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		Body:       body,
	}
}

// AnthropicErrorType maps a domain error type to the Anthropic error vocabulary.
func AnthropicErrorType(t domain.ErrorType) string {
	switch t {
	case domain.ErrorTypeInvalidRequest, domain.ErrorTypeUnsupportedContent, domain.ErrorTypeUnsupportedImageSource,
		domain.ErrorTypeImageFetchFailed, domain.ErrorTypeImageFetchTimeout, domain.ErrorTypeFileNotFound:
		return "invalid_request_error"
	case domain.ErrorTypeAuthentication:
		return "authentication_error"
	case domain.ErrorTypeNotFound:
		return "not_found_error"
	case domain.ErrorTypeOverloaded:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// WriteError writes an error response using the appropriate formatter for the API type.
func WriteError(w http.ResponseWriter, err error, apiType domain.APIType) {
	resp := FormatterFor(apiType).FormatError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
