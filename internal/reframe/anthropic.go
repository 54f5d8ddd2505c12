package reframe

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/codex-relay/internal/api/anthropic"
	"github.com/tjfontaine/codex-relay/internal/codec"
	"github.com/tjfontaine/codex-relay/internal/domain"
)

// AnthropicEmitter writes Messages API stream events.
type AnthropicEmitter struct {
	sse *sseWriter
}

// NewAnthropicEmitter creates an emitter writing to w.
func NewAnthropicEmitter(w http.ResponseWriter) *AnthropicEmitter {
	return &AnthropicEmitter{sse: newSSEWriter(w)}
}

// Started reports whether the response status has been written.
func (e *AnthropicEmitter) Started() bool {
	return e.sse.started
}

func (e *AnthropicEmitter) MessageStart(id, model string) error {
	return e.sse.event("message_start", anthropic.MessageStartEvent{
		Type: "message_start",
		Message: anthropic.MessagesResponse{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ResponseContent{},
			Model:   model,
		},
	})
}

func (e *AnthropicEmitter) TextStart(index int) error {
	empty := ""
	return e.sse.event("content_block_start", anthropic.ContentBlockStartEvent{
		Type:         "content_block_start",
		Index:        index,
		ContentBlock: anthropic.ResponseContent{Type: "text", Text: &empty},
	})
}

func (e *AnthropicEmitter) TextDelta(index int, text string) error {
	return e.sse.event("content_block_delta", anthropic.ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: index,
		Delta: anthropic.BlockDelta{Type: "text_delta", Text: &text},
	})
}

func (e *AnthropicEmitter) ToolStart(index int, callID, name string) error {
	return e.sse.event("content_block_start", anthropic.ContentBlockStartEvent{
		Type:  "content_block_start",
		Index: index,
		ContentBlock: anthropic.ResponseContent{
			Type:  "tool_use",
			ID:    callID,
			Name:  name,
			Input: json.RawMessage("{}"),
		},
	})
}

func (e *AnthropicEmitter) ToolDelta(index int, _ string, partialJSON string) error {
	return e.sse.event("content_block_delta", anthropic.ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: index,
		Delta: anthropic.BlockDelta{Type: "input_json_delta", PartialJSON: &partialJSON},
	})
}

func (e *AnthropicEmitter) BlockStop(index int) error {
	return e.sse.event("content_block_stop", anthropic.ContentBlockStopEvent{
		Type:  "content_block_stop",
		Index: index,
	})
}

func (e *AnthropicEmitter) Finish(reason StopReason, usage domain.Usage) error {
	if err := e.sse.event("message_delta", anthropic.MessageDeltaEvent{
		Type:  "message_delta",
		Delta: anthropic.MessageDelta{StopReason: string(reason)},
		Usage: anthropic.MessagesUsage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		},
	}); err != nil {
		return err
	}
	return e.sse.event("message_stop", anthropic.MessageStopEvent{
		Type:       "message_stop",
		StopReason: string(reason),
	})
}

func (e *AnthropicEmitter) Fail(err *domain.APIError) error {
	return e.sse.event("error", anthropic.ErrorEvent{
		Type: "error",
		Error: anthropic.ErrorDetail{
			Type:    codec.AnthropicErrorType(err.Type),
			Message: err.Message,
		},
	})
}
