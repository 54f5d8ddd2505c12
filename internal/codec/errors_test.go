package codec

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/codex-relay/internal/domain"
)

func TestOpenAIErrorFormatter(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantCode   string
	}{
		{"missing key", domain.ErrMissingAPIKey(), http.StatusUnauthorized, "unauthorized", "missing_api_key"},
		{"invalid json", domain.ErrInvalidJSON(errors.New("unexpected EOF")), http.StatusBadRequest, "invalid_request_error", "invalid_json"},
		{"not found", domain.ErrNotFound("Not found"), http.StatusNotFound, "not_found", ""},
		{"upstream status", domain.ErrUpstreamStatus(429, "slow down"), http.StatusTooManyRequests, "upstream_error", ""},
		{"upstream timeout", domain.ErrUpstreamTimeout("idle"), http.StatusGatewayTimeout, "upstream_error", ""},
		{"upstream connection", domain.ErrUpstreamConnection(errors.New("refused")), http.StatusBadGateway, "upstream_error", ""},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "server_error", ""},
	}

	f := &OpenAIErrorFormatter{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.FormatError(tt.err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			var body struct {
				Error struct {
					Message string `json:"message"`
					Type    string `json:"type"`
					Code    string `json:"code"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(resp.Body, &body))
			assert.Equal(t, tt.wantType, body.Error.Type)
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestAnthropicErrorFormatter(t *testing.T) {
	resp := (&AnthropicErrorFormatter{}).FormatError(domain.ErrMissingAPIKey())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"type":"error","error":{"type":"authentication_error","message":"Missing API key"}}`, string(resp.Body))

	resp = (&AnthropicErrorFormatter{}).FormatError(domain.ErrUnsupportedContent("document"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(resp.Body), `"invalid_request_error"`)
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, domain.ErrNotFound("Not found"), domain.APITypeOpenAI)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":{"type":"not_found","message":"Not found"}}`, rec.Body.String())
}

func TestToCanonicalError_Wrapped(t *testing.T) {
	inner := domain.ErrFileNotFound("/tmp/x.png")
	wrapped := errors.Join(errors.New("context"), inner)

	assert.Same(t, inner, ToCanonicalError(wrapped))
}
