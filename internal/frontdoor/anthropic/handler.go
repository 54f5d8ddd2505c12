// Package anthropic serves the Anthropic Messages API.
package anthropic

import (
	"log/slog"
	"net/http"

	codec "github.com/tjfontaine/codex-relay/internal/codec/anthropic"
	"github.com/tjfontaine/codex-relay/internal/domain"
	"github.com/tjfontaine/codex-relay/internal/frontdoor"
	"github.com/tjfontaine/codex-relay/internal/server"
	"github.com/tjfontaine/codex-relay/internal/tokens"
)

// Handler serves the Anthropic Messages and count_tokens routes.
type Handler struct {
	codec    *codec.Codec
	sessions frontdoor.Sessions
	counter  *tokens.Counter
	logger   *slog.Logger
}

// NewHandler creates a Handler that runs requests on sessions and estimates
// token counts with counter.
func NewHandler(sessions frontdoor.Sessions, counter *tokens.Counter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if counter == nil {
		counter = tokens.NewCounter()
	}
	return &Handler{
		codec:    codec.New(),
		sessions: sessions,
		counter:  counter,
		logger:   logger,
	}
}

func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	frontdoor.Serve(w, r, h.codec, domain.APITypeAnthropic, h.sessions, h.logger)
}

func (h *Handler) HandleCountTokens(w http.ResponseWriter, r *http.Request) {
	frontdoor.CountTokens(w, r, h.codec, domain.APITypeAnthropic, h.counter)
}

// Routes lists the Messages API endpoints, with and without the /v1 prefix.
func (h *Handler) Routes() []server.Route {
	return []server.Route{
		{Method: http.MethodPost, Path: "/v1/messages", Handler: h.HandleMessages, Session: true},
		{Method: http.MethodPost, Path: "/messages", Handler: h.HandleMessages, Session: true},
		{Method: http.MethodPost, Path: "/v1/messages/count_tokens", Handler: h.HandleCountTokens},
		{Method: http.MethodPost, Path: "/messages/count_tokens", Handler: h.HandleCountTokens},
	}
}
