package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/codex-relay/internal/codec"
	"github.com/tjfontaine/codex-relay/internal/domain"
	"github.com/tjfontaine/codex-relay/internal/metrics"
)

// Options configures the HTTP server.
type Options struct {
	Port   int
	Logger *slog.Logger
	// Metrics, when set, is served on /metrics.
	Metrics *metrics.Metrics
	// CORSOrigins lists allowed origins; "*" allows any.
	CORSOrigins []string
	// MaxConcurrency caps in-flight sessions; 0 disables the cap.
	MaxConcurrency    int
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
	// UtilityTimeout bounds routes that never reach the upstream.
	UtilityTimeout time.Duration
}

// Route is one handler a frontdoor exposes.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
	// Session marks routes that open an upstream stream; they count
	// against the concurrency limit and have no wall-clock timeout.
	Session bool
}

type Server struct {
	Router  *chi.Mux
	Port    int
	logger  *slog.Logger
	limiter *Limiter
	opts    Options
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}
	if opts.UtilityTimeout <= 0 {
		opts.UtilityTimeout = 30 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(opts.CORSOrigins)...)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "codex-relay")
	})

	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	return &Server{
		Router:  r,
		Port:    opts.Port,
		logger:  opts.Logger,
		limiter: NewLimiter(int64(opts.MaxConcurrency)),
		opts:    opts,
	}
}

// Mount registers a frontdoor's routes behind the credential check of its
// dialect.
func (s *Server) Mount(apiType domain.APIType, routes []Route) {
	for _, rt := range routes {
		chain := []func(http.Handler) http.Handler{RequireCredential(apiType)}
		if rt.Session {
			chain = append(chain, s.limiter.Middleware(apiType))
		} else {
			chain = append(chain, TimeoutMiddleware(s.opts.UtilityTimeout))
		}
		s.Router.With(chain...).Method(rt.Method, rt.Path, rt.Handler)
	}
}

// Start serves until ctx is cancelled, then drains in-flight requests for
// up to the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.Int("port", s.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server", slog.Duration("timeout", s.opts.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func notFound(w http.ResponseWriter, r *http.Request) {
	codec.WriteError(w, domain.ErrNotFound("Not found"), domain.APITypeOpenAI)
}

func corsMiddleware(origins []string) []func(http.Handler) http.Handler {
	handlers := []func(http.Handler) http.Handler{
		cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}),
	}
	for _, o := range origins {
		if o == "*" {
			// Non-browser callers send no Origin; the header is still expected.
			handlers = append(handlers, func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					if w.Header().Get("Access-Control-Allow-Origin") == "" {
						w.Header().Set("Access-Control-Allow-Origin", "*")
					}
					next.ServeHTTP(w, r)
				})
			})
			break
		}
	}
	return handlers
}
