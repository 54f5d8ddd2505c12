// Package responses is the upstream client for the Codex Responses endpoint.
package responses

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	api "github.com/tjfontaine/codex-relay/internal/api/responses"
	"github.com/tjfontaine/codex-relay/internal/domain"
)

const (
	DefaultURL              = "https://chatgpt.com/backend-api/codex/responses"
	DefaultUserAgent        = "Anthropic-Node/0.3.4"
	DefaultAnthropicVersion = "2023-06-01"
	DefaultReadTimeout      = 300 * time.Second

	maxErrorBody = 64 * 1024
	maxLineSize  = 4 * 1024 * 1024
)

var errIdleTimeout = errors.New("upstream idle read timeout")

// ClientOption configures the client.
type ClientOption func(*Client)

// WithURL sets the full URL of the responses endpoint.
func WithURL(url string) ClientOption {
	return func(c *Client) {
		if url != "" {
			c.url = url
		}
	}
}

// WithAPIKey sets a fixed upstream credential. Without one the client's
// own credential is forwarded.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithUserAgent sets the User-Agent sent upstream.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithReadTimeout sets how long a stream may go without data.
func WithReadTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.readTimeout = d
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client sends translated requests upstream. One Client, and its connection
// pool, is shared by all sessions.
type Client struct {
	url         string
	apiKey      string
	userAgent   string
	readTimeout time.Duration
	httpClient  *http.Client
}

// NewTransport returns the pooled transport used for upstream calls.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewClient creates an upstream client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		url:         DefaultURL,
		userAgent:   DefaultUserAgent,
		readTimeout: DefaultReadTimeout,
		httpClient:  &http.Client{Transport: otelhttp.NewTransport(NewTransport())},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestOptions carries per-session header values.
type RequestOptions struct {
	// APIKey is the client's credential, used when no fixed key is configured.
	APIKey           string
	SessionID        string
	AnthropicVersion string
}

// Stream opens a streaming request. The returned Stream must be closed.
// Failures before the first byte map to upstream_connection,
// upstream_timeout or upstream_status errors.
func (c *Client) Stream(ctx context.Context, req *api.Request, opts RequestOptions) (*Stream, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, opts)

	s := &Stream{ctx: ctx, cancel: cancel, timeout: c.readTimeout}
	s.timer = time.AfterFunc(c.readTimeout, s.expire)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		s.stop()
		return nil, s.mapError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer s.stop()
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, domain.ErrUpstreamStatus(resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	s.body = resp.Body
	s.scanner = bufio.NewScanner(resp.Body)
	s.scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	s.touch()
	return s, nil
}

func (c *Client) setHeaders(req *http.Request, opts RequestOptions) {
	key := c.apiKey
	if key == "" {
		key = opts.APIKey
	}
	version := opts.AnthropicVersion
	if version == "" {
		version = DefaultAnthropicVersion
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("x-api-key", key)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("x-anthropic-version", version)
	req.Header.Set("originator", "codex_cli_rs")
	req.Header.Set("Accept", "text/event-stream")
	if opts.SessionID != "" {
		req.Header.Set("conversation_id", opts.SessionID)
		req.Header.Set("session_id", opts.SessionID)
	}
}

// Stream reads upstream SSE records one at a time.
type Stream struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	body    io.ReadCloser
	scanner *bufio.Scanner
	timeout time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// Next returns the next event. It returns io.EOF when the body ends, and a
// *domain.APIError for read failures and idle timeouts.
func (s *Stream) Next() (api.StreamEvent, error) {
	var event string
	var data strings.Builder

	for s.scanner.Scan() {
		s.touch()
		line := s.scanner.Text()

		if line == "" {
			if data.Len() == 0 {
				event = ""
				continue
			}
			payload := data.String()
			if payload == "[DONE]" {
				event = ""
				data.Reset()
				continue
			}
			return api.StreamEvent{Type: event, Data: json.RawMessage(payload)}, nil
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := s.scanner.Err(); err != nil {
		return api.StreamEvent{}, s.mapError(err)
	}
	if data.Len() > 0 && data.String() != "[DONE]" {
		return api.StreamEvent{Type: event, Data: json.RawMessage(data.String())}, nil
	}
	return api.StreamEvent{}, io.EOF
}

// Close releases the connection back to the pool.
func (s *Stream) Close() error {
	s.stop()
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}

func (s *Stream) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Reset(s.timeout)
	}
}

func (s *Stream) stop() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.cancel(nil)
}

func (s *Stream) expire() {
	s.cancel(errIdleTimeout)
}

// mapError classifies a transport error. Client cancellation is returned
// unchanged so callers can tell it apart from upstream failures.
func (s *Stream) mapError(err error) error {
	cause := context.Cause(s.ctx)
	switch {
	case errors.Is(cause, errIdleTimeout):
		return domain.ErrUpstreamTimeout(fmt.Sprintf("no data from upstream for %s", s.timeout)).WithCause(err)
	case errors.Is(cause, context.Canceled):
		return cause
	case errors.Is(cause, context.DeadlineExceeded):
		return domain.ErrUpstreamTimeout("upstream request deadline exceeded").WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrUpstreamTimeout("upstream timed out").WithCause(err)
	}
	return domain.ErrUpstreamConnection(err)
}
