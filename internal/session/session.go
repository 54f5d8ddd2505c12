// Package session runs one client request end to end: normalize images,
// translate, open the upstream stream, and drive the re-framer until the
// client has a complete response.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/codex-relay/internal/api/responses"
	backend "github.com/tjfontaine/codex-relay/internal/backend/responses"
	"github.com/tjfontaine/codex-relay/internal/codec"
	"github.com/tjfontaine/codex-relay/internal/domain"
	"github.com/tjfontaine/codex-relay/internal/metrics"
	"github.com/tjfontaine/codex-relay/internal/reframe"
	"github.com/tjfontaine/codex-relay/internal/requestlog"
	"github.com/tjfontaine/codex-relay/internal/server"
	"github.com/tjfontaine/codex-relay/internal/translate"
)

// StatusClientClosed is recorded when the client goes away mid-session.
const StatusClientClosed = 499

// Credentials are the client's credential headers.
type Credentials struct {
	APIKey           string
	AnthropicVersion string
}

// Normalizer rewrites every image of a request to a canonical data URL.
type Normalizer interface {
	NormalizeRequest(ctx context.Context, req *domain.Request) error
}

// Options wires an Orchestrator. Translator and Upstream are required.
type Options struct {
	Normalizer   Normalizer
	Translator   *translate.Translator
	Upstream     *backend.Client
	Metrics      *metrics.Metrics
	RequestLog   requestlog.Sink
	Logger       *slog.Logger
	IgnoreProbes bool
}

// Orchestrator is shared by all requests; each Run owns its own session
// state.
type Orchestrator struct {
	normalizer   Normalizer
	translator   *translate.Translator
	upstream     *backend.Client
	metrics      *metrics.Metrics
	sink         requestlog.Sink
	logger       *slog.Logger
	ignoreProbes bool
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		normalizer:   opts.Normalizer,
		translator:   opts.Translator,
		upstream:     opts.Upstream,
		metrics:      opts.Metrics,
		sink:         opts.RequestLog,
		logger:       logger,
		ignoreProbes: opts.IgnoreProbes,
	}
}

// Run serves req on w. Every outcome, including errors, has been written to
// w when Run returns; the returned error is for logging only.
func (o *Orchestrator) Run(ctx context.Context, w http.ResponseWriter, req *domain.Request, creds Credentials) error {
	start := time.Now()
	rec := &requestlog.Entry{
		RequestID: server.GetRequestID(ctx),
		SessionID: uuid.NewString(),
		Dialect:   string(req.Dialect),
		Model:     req.Model,
		Stream:    req.Stream,
		Images:    req.ImageCount(),
	}
	server.AddLogField(ctx, "session_id", rec.SessionID)

	err := o.run(ctx, w, req, creds, rec)

	elapsed := time.Since(start)
	rec.DurationMs = elapsed.Milliseconds()
	o.metrics.ObserveRequest(rec.Dialect, rec.Status, rec.Stream, elapsed)
	requestlog.Record(context.WithoutCancel(ctx), o.sink, o.logger, rec)

	if rec.StopReason != "" {
		server.AddLogField(ctx, "stop_reason", rec.StopReason)
	}
	return err
}

func (o *Orchestrator) run(ctx context.Context, w http.ResponseWriter, req *domain.Request, creds Credentials, rec *requestlog.Entry) error {
	if creds.APIKey == "" {
		return o.reject(w, req, rec, domain.ErrMissingAPIKey())
	}
	if len(req.Messages) == 0 {
		return o.reject(w, req, rec, domain.ErrEmptyMessages())
	}

	if o.ignoreProbes && IsProbe(req) {
		server.AddLogField(ctx, "probe", "true")
		return o.replay(w, req, rec, probeEvents())
	}

	if rec.Images > 0 && o.normalizer != nil {
		if err := o.normalizer.NormalizeRequest(ctx, req); err != nil {
			o.metrics.AddImages("failed", rec.Images)
			if ctx.Err() != nil {
				return o.abandoned(rec, err)
			}
			return o.reject(w, req, rec, err)
		}
		o.metrics.AddImages("ok", rec.Images)
	}

	upReq, err := o.translator.Translate(req, rec.SessionID)
	if err != nil {
		return o.reject(w, req, rec, err)
	}
	rec.UpstreamModel = upReq.Model
	rec.Effort = upReq.Reasoning.Effort
	if body, err := json.Marshal(upReq); err == nil {
		rec.Upstream = body
	}
	server.AddLogField(ctx, "upstream_model", upReq.Model)
	server.AddLogField(ctx, "effort", upReq.Reasoning.Effort)

	stream, err := o.upstream.Stream(ctx, upReq, backend.RequestOptions{
		APIKey:           creds.APIKey,
		SessionID:        rec.SessionID,
		AnthropicVersion: creds.AnthropicVersion,
	})
	if err != nil {
		if ctx.Err() != nil {
			return o.abandoned(rec, err)
		}
		return o.reject(w, req, rec, err)
	}
	defer stream.Close()
	defer o.metrics.SessionStarted()()

	emitter, agg := o.emitterFor(w, req)
	m := reframe.NewMachine(emitter, req.Model)
	err = pump(ctx, m, stream)
	o.summarize(rec, m.Summary())

	var apiErr *domain.APIError
	switch {
	case ctx.Err() != nil:
		return o.abandoned(rec, ctx.Err())
	case errors.As(err, &apiErr) && m.State() == reframe.StateIdle:
		// Nothing reached the client yet; answer with a status code.
		return o.reject(w, req, rec, apiErr)
	case err != nil:
		rec.Status = http.StatusOK
		return err
	}

	if agg != nil {
		if aggErr := agg.Err(); aggErr != nil {
			return o.reject(w, req, rec, aggErr)
		}
		rec.Status = http.StatusOK
		return writeAggregate(w, req.Dialect, agg)
	}

	rec.Status = http.StatusOK
	if s := m.Summary(); s.Err != nil {
		return s.Err
	}
	return nil
}

// pump forwards each upstream event before reading the next. A read
// failure before any client event returns the canonical error unrendered.
func pump(ctx context.Context, m *reframe.Machine, stream *backend.Stream) error {
	for !m.Closed() {
		ev, err := stream.Next()
		switch {
		case errors.Is(err, io.EOF):
			if m.State() == reframe.StateIdle {
				return domain.ErrUpstreamProtocol("upstream closed the stream without sending any event").
					WithCode(domain.ErrorCodeStreamTruncated)
			}
			return m.EndOfStream()
		case err != nil:
			if ctx.Err() != nil {
				return err
			}
			apiErr := codec.ToCanonicalError(err)
			if m.State() == reframe.StateIdle {
				return apiErr
			}
			return m.Fail(apiErr)
		}
		if err := m.Handle(ev); err != nil {
			return err
		}
	}
	return nil
}

// replay renders a fixed upstream event sequence as if it came from the
// upstream.
func (o *Orchestrator) replay(w http.ResponseWriter, req *domain.Request, rec *requestlog.Entry, events []responses.StreamEvent) error {
	emitter, agg := o.emitterFor(w, req)
	m := reframe.NewMachine(emitter, req.Model)
	for _, ev := range events {
		if err := m.Handle(ev); err != nil {
			return err
		}
	}
	o.summarize(rec, m.Summary())
	rec.Status = http.StatusOK
	if agg != nil {
		return writeAggregate(w, req.Dialect, agg)
	}
	return nil
}

func (o *Orchestrator) emitterFor(w http.ResponseWriter, req *domain.Request) (reframe.Emitter, *reframe.Aggregator) {
	if !req.Stream {
		agg := reframe.NewAggregator()
		return agg, agg
	}
	if req.Dialect == domain.APITypeOpenAI {
		return reframe.NewOpenAIEmitter(w), nil
	}
	return reframe.NewAnthropicEmitter(w), nil
}

func (o *Orchestrator) summarize(rec *requestlog.Entry, s reframe.Summary) {
	rec.StopReason = string(s.StopReason)
	rec.InputTokens = s.Usage.InputTokens
	rec.OutputTokens = s.Usage.OutputTokens
	rec.ToolCalls = s.ToolCalls
	if s.Err != nil {
		rec.ErrorType = string(s.Err.Type)
		rec.ErrorMessage = s.Err.Message
	}
	o.metrics.AddUpstreamEvents(rec.Dialect, s.Events)
	for _, name := range s.ToolCalls {
		o.metrics.IncToolCall(string(domain.Tool{Name: name}.Family()))
	}
}

// reject writes err as a status-coded error body in the client's dialect.
func (o *Orchestrator) reject(w http.ResponseWriter, req *domain.Request, rec *requestlog.Entry, err error) error {
	apiErr := codec.ToCanonicalError(err)
	rec.Status = apiErr.HTTPStatusCode()
	rec.ErrorType = string(apiErr.Type)
	rec.ErrorMessage = apiErr.Message
	codec.WriteError(w, apiErr, req.Dialect)
	return apiErr
}

func (o *Orchestrator) abandoned(rec *requestlog.Entry, err error) error {
	rec.Status = StatusClientClosed
	rec.ErrorType = "client_closed"
	rec.ErrorMessage = err.Error()
	o.logger.Debug("client went away", slog.String("session_id", rec.SessionID))
	return err
}

func writeAggregate(w http.ResponseWriter, dialect domain.APIType, agg *reframe.Aggregator) error {
	var body any = agg.AnthropicResponse()
	if dialect == domain.APITypeOpenAI {
		body = agg.OpenAIResponse()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(body)
}

// IsProbe reports whether req is a client start-up probe: one user message
// whose whole text is "foo" or "count".
func IsProbe(req *domain.Request) bool {
	if len(req.Messages) != 1 || req.Messages[0].Role != domain.RoleUser {
		return false
	}
	var sb strings.Builder
	for _, b := range req.Messages[0].Content {
		if b.Type != domain.BlockText {
			return false
		}
		sb.WriteString(b.Text)
	}
	switch strings.ToLower(strings.TrimSpace(sb.String())) {
	case "foo", "count":
		return true
	}
	return false
}

func probeEvents() []responses.StreamEvent {
	return []responses.StreamEvent{
		{
			Type: responses.EventOutputTextDelta,
			Data: json.RawMessage(`{"type":"response.output_text.delta","delta":"ok"}`),
		},
		{
			Type: responses.EventCompleted,
			Data: json.RawMessage(`{"type":"response.completed","response":{"status":"completed","usage":{"input_tokens":0,"output_tokens":1}}}`),
		},
	}
}
