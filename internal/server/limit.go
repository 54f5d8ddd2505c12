package server

import (
	"net/http"

	"golang.org/x/sync/semaphore"

	"github.com/tjfontaine/codex-relay/internal/codec"
	"github.com/tjfontaine/codex-relay/internal/domain"
)

// Limiter caps concurrent sessions. Waiters are admitted in arrival order
// and give up when their request context ends. A nil Limiter admits
// everything.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter returns a limiter for n sessions, or nil when n <= 0.
func NewLimiter(n int64) *Limiter {
	if n <= 0 {
		return nil
	}
	return &Limiter{sem: semaphore.NewWeighted(n)}
}

// Middleware holds a permit for the duration of the wrapped handler.
func (l *Limiter) Middleware(apiType domain.APIType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := l.sem.Acquire(r.Context(), 1); err != nil {
				apiErr := domain.ErrOverloaded("relay is at its concurrency limit").WithCause(err)
				AddError(r.Context(), apiErr)
				codec.WriteError(w, apiErr, apiType)
				return
			}
			defer l.sem.Release(1)
			next.ServeHTTP(w, r)
		})
	}
}
