// Package frontdoor holds what the dialect handlers share: reading the
// request body, decoding it and handing the result to a session.
//
// Each dialect lives in its own subpackage and exposes its routes as a
// []server.Route, which cmd/gateway mounts explicitly.
package frontdoor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/codex-relay/internal/api/anthropic"
	"github.com/tjfontaine/codex-relay/internal/codec"
	"github.com/tjfontaine/codex-relay/internal/domain"
	"github.com/tjfontaine/codex-relay/internal/server"
	"github.com/tjfontaine/codex-relay/internal/session"
	"github.com/tjfontaine/codex-relay/internal/tokens"
)

// MaxBodyBytes bounds a request body. Inline images make bodies large.
const MaxBodyBytes = 64 << 20

// Decoder parses a request body of one dialect.
type Decoder interface {
	Name() string
	DecodeRequest(data []byte) (*domain.Request, error)
}

// Sessions runs decoded requests.
type Sessions interface {
	Run(ctx context.Context, w http.ResponseWriter, req *domain.Request, creds session.Credentials) error
}

// ReadBody reads at most MaxBodyBytes of r's body.
func ReadBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)).
				WithStatusCode(http.StatusRequestEntityTooLarge)
		}
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("failed to read request body: %v", err)).WithCause(err)
	}
	return body, nil
}

// Decode reads and decodes the body of r, tagging the request with the
// caller's headers. Failures are written to w and returned.
func Decode(w http.ResponseWriter, r *http.Request, dec Decoder, apiType domain.APIType) (*domain.Request, bool) {
	body, err := ReadBody(w, r)
	if err == nil {
		var req *domain.Request
		if req, err = dec.DecodeRequest(body); err == nil {
			_, req.AnthropicVersion = server.Credential(r)
			req.UserAgent = r.UserAgent()
			return req, true
		}
	}
	server.AddError(r.Context(), err)
	codec.WriteError(w, err, apiType)
	return nil, false
}

// Serve is the body of a session route: decode, then run.
func Serve(w http.ResponseWriter, r *http.Request, dec Decoder, apiType domain.APIType, sessions Sessions, logger *slog.Logger) {
	req, ok := Decode(w, r, dec, apiType)
	if !ok {
		return
	}

	ctx := r.Context()
	server.AddLogField(ctx, "model", req.Model)
	if req.Stream {
		server.AddLogField(ctx, "stream", "true")
	}

	apiKey, version := server.Credential(r)
	err := sessions.Run(ctx, w, req, session.Credentials{APIKey: apiKey, AnthropicVersion: version})
	if err != nil {
		server.AddError(ctx, err)
		logger.Debug("session ended with error",
			slog.String("frontdoor", dec.Name()),
			slog.String("request_id", server.GetRequestID(ctx)),
			slog.String("error", err.Error()),
		)
	}
}

// CountTokens answers a token count estimate for the decoded request.
func CountTokens(w http.ResponseWriter, r *http.Request, dec Decoder, apiType domain.APIType, counter *tokens.Counter) {
	req, ok := Decode(w, r, dec, apiType)
	if !ok {
		return
	}
	res := counter.Count(req)
	if res.Estimated {
		server.AddLogField(r.Context(), "token_count", "estimated")
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(anthropic.CountTokensResponse{InputTokens: res.InputTokens})
}
