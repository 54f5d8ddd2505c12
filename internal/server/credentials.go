package server

import (
	"net/http"
	"strings"

	"github.com/tjfontaine/codex-relay/internal/codec"
	"github.com/tjfontaine/codex-relay/internal/domain"
)

// Credential returns the client's API key and Anthropic version header.
// The key comes from "Authorization: Bearer" or x-api-key, in that order.
func Credential(r *http.Request) (apiKey, version string) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
			apiKey = strings.TrimSpace(auth[7:])
		}
	}
	if apiKey == "" {
		apiKey = strings.TrimSpace(r.Header.Get("x-api-key"))
	}

	version = r.Header.Get("x-anthropic-version")
	if version == "" {
		version = r.Header.Get("anthropic-version")
	}
	return apiKey, version
}

// RequireCredential answers 401 in the route's dialect when no credential
// is present. Credentials are not validated; the upstream decides.
func RequireCredential(apiType domain.APIType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key, _ := Credential(r); key == "" {
				err := domain.ErrMissingAPIKey()
				AddError(r.Context(), err)
				codec.WriteError(w, err, apiType)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
