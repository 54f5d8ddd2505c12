package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/codex-relay/internal/domain"
	"github.com/tjfontaine/codex-relay/internal/session"
)

type stubSessions struct {
	lastReq   *domain.Request
	lastCreds session.Credentials
}

func (s *stubSessions) Run(_ context.Context, w http.ResponseWriter, req *domain.Request, creds session.Credentials) error {
	s.lastReq = req
	s.lastCreds = creds
	w.WriteHeader(http.StatusOK)
	return nil
}

func TestHandleChatCompletion(t *testing.T) {
	sessions := &stubSessions{}
	handler := NewHandler(sessions, nil)

	body := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hi"}
		]
	}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-openai")
	rr := httptest.NewRecorder()

	handler.HandleChatCompletion(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	got := sessions.lastReq
	if got == nil {
		t.Fatalf("session was not run")
	}
	if got.Dialect != domain.APITypeOpenAI || got.Stream {
		t.Fatalf("unexpected request: dialect=%s stream=%v", got.Dialect, got.Stream)
	}
	if got.System != "be brief" {
		t.Fatalf("expected system prompt to be lifted, got %q", got.System)
	}
	if sessions.lastCreds.APIKey != "sk-openai" {
		t.Fatalf("expected credential sk-openai, got %q", sessions.lastCreds.APIKey)
	}
}

func TestHandleChatCompletionErrorsUseOpenAIShape(t *testing.T) {
	sessions := &stubSessions{}
	handler := NewHandler(sessions, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`not json`))
	rr := httptest.NewRecorder()

	handler.HandleChatCompletion(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"error":{`) {
		t.Fatalf("expected an OpenAI error envelope, got %s", rr.Body.String())
	}
	if sessions.lastReq != nil {
		t.Fatalf("session must not run for a malformed body")
	}
}

func TestRoutesMount(t *testing.T) {
	sessions := &stubSessions{}
	r := chi.NewRouter()
	for _, rt := range NewHandler(sessions, nil).Routes() {
		r.Method(rt.Method, rt.Path, rt.Handler)
	}

	for _, path := range []string{"/v1/chat/completions", "/chat/completions"} {
		sessions.lastReq = nil
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"x"}]}`))
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK || sessions.lastReq == nil {
			t.Fatalf("%s: status %d, session run=%v", path, rr.Code, sessions.lastReq != nil)
		}
	}
}
