// Package openai serves the OpenAI Chat Completions API.
package openai

import (
	"log/slog"
	"net/http"

	codec "github.com/tjfontaine/codex-relay/internal/codec/openai"
	"github.com/tjfontaine/codex-relay/internal/domain"
	"github.com/tjfontaine/codex-relay/internal/frontdoor"
	"github.com/tjfontaine/codex-relay/internal/server"
)

// Handler serves the OpenAI Chat Completions routes.
type Handler struct {
	codec    *codec.Codec
	sessions frontdoor.Sessions
	logger   *slog.Logger
}

// NewHandler creates a Handler that runs requests on sessions.
func NewHandler(sessions frontdoor.Sessions, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{codec: codec.New(), sessions: sessions, logger: logger}
}

func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	frontdoor.Serve(w, r, h.codec, domain.APITypeOpenAI, h.sessions, h.logger)
}

// Routes lists the Chat Completions endpoints, with and without the /v1 prefix.
func (h *Handler) Routes() []server.Route {
	return []server.Route{
		{Method: http.MethodPost, Path: "/v1/chat/completions", Handler: h.HandleChatCompletion, Session: true},
		{Method: http.MethodPost, Path: "/chat/completions", Handler: h.HandleChatCompletion, Session: true},
	}
}
