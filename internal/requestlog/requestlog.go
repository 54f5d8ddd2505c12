// Package requestlog is an append-only record of what each session sent
// upstream and how it ended. It is a debugging aid; the HTTP surface is the
// only guaranteed contract.
package requestlog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Entry is one finished session.
type Entry struct {
	Time          time.Time       `json:"time"`
	RequestID     string          `json:"request_id,omitempty"`
	SessionID     string          `json:"session_id"`
	Dialect       string          `json:"dialect"`
	Model         string          `json:"model"`
	UpstreamModel string          `json:"upstream_model,omitempty"`
	Effort        string          `json:"effort,omitempty"`
	Stream        bool            `json:"stream"`
	Status        int             `json:"status"`
	StopReason    string          `json:"stop_reason,omitempty"`
	InputTokens   int             `json:"input_tokens,omitempty"`
	OutputTokens  int             `json:"output_tokens,omitempty"`
	Images        int             `json:"images,omitempty"`
	ToolCalls     []string        `json:"tool_calls,omitempty"`
	ErrorType     string          `json:"error_type,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
	Upstream      json.RawMessage `json:"upstream_request,omitempty"`
}

// Sink stores entries. Implementations must be safe for concurrent use and
// must never interleave two entries.
type Sink interface {
	Append(ctx context.Context, e *Entry) error
	Close() error
}

// Multi fans an entry out to several sinks.
type Multi []Sink

func (m Multi) Append(ctx context.Context, e *Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Record appends e to sink, best-effort. Failures are logged and dropped.
func Record(ctx context.Context, sink Sink, logger *slog.Logger, e *Entry) {
	if sink == nil || e == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if err := sink.Append(ctx, e); err != nil && logger != nil {
		logger.Warn("failed to append request log entry",
			slog.String("session_id", e.SessionID),
			slog.String("error", err.Error()),
		)
	}
}
