package reframe

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/codex-relay/internal/api/openai"
	"github.com/tjfontaine/codex-relay/internal/codec"
	"github.com/tjfontaine/codex-relay/internal/domain"
)

// OpenAIEmitter writes chat.completion.chunk events terminated by [DONE].
type OpenAIEmitter struct {
	sse     *sseWriter
	id      string
	model   string
	created int64

	// tools maps a content block index to its tool_calls index.
	tools map[int]int
}

// NewOpenAIEmitter creates an emitter writing to w.
func NewOpenAIEmitter(w http.ResponseWriter) *OpenAIEmitter {
	return &OpenAIEmitter{
		sse:     newSSEWriter(w),
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
		tools:   make(map[int]int),
	}
}

// Started reports whether the response status has been written.
func (e *OpenAIEmitter) Started() bool {
	return e.sse.started
}

func (e *OpenAIEmitter) chunk(delta openai.ChunkDelta, finish *string) openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []openai.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (e *OpenAIEmitter) MessageStart(_ string, model string) error {
	e.model = model
	empty := ""
	return e.sse.event("", e.chunk(openai.ChunkDelta{Role: "assistant", Content: &empty}, nil))
}

func (e *OpenAIEmitter) TextStart(int) error {
	return nil
}

func (e *OpenAIEmitter) TextDelta(_ int, text string) error {
	return e.sse.event("", e.chunk(openai.ChunkDelta{Content: &text}, nil))
}

func (e *OpenAIEmitter) ToolStart(index int, callID, name string) error {
	slot := len(e.tools)
	e.tools[index] = slot
	return e.sse.event("", e.chunk(openai.ChunkDelta{
		Role: "assistant",
		ToolCalls: []openai.ToolCallChunk{{
			Index:    slot,
			ID:       callID,
			Type:     "function",
			Function: &openai.FunctionCallChunk{Name: name, Arguments: ""},
		}},
	}, nil))
}

func (e *OpenAIEmitter) ToolDelta(index int, callID, partialJSON string) error {
	return e.sse.event("", e.chunk(openai.ChunkDelta{
		ToolCalls: []openai.ToolCallChunk{{
			Index:    e.tools[index],
			ID:       callID,
			Function: &openai.FunctionCallChunk{Arguments: partialJSON},
		}},
	}, nil))
}

func (e *OpenAIEmitter) BlockStop(int) error {
	return nil
}

func (e *OpenAIEmitter) Finish(reason StopReason, usage domain.Usage) error {
	finish := FinishReason(reason)
	c := e.chunk(openai.ChunkDelta{}, &finish)
	c.Usage = &openai.Usage{
		PromptTokens:     usage.InputTokens,
		CompletionTokens: usage.OutputTokens,
		TotalTokens:      usage.InputTokens + usage.OutputTokens,
	}
	if err := e.sse.event("", c); err != nil {
		return err
	}
	return e.done()
}

func (e *OpenAIEmitter) Fail(err *domain.APIError) error {
	c := openai.ChatCompletionChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []openai.ChunkChoice{},
		Error: &openai.APIError{
			Message: err.Message,
			Type:    codec.OpenAIErrorType(err.Type),
			Code:    string(err.Code),
		},
	}
	if werr := e.sse.event("", c); werr != nil {
		return werr
	}
	return e.done()
}

func (e *OpenAIEmitter) done() error {
	return e.sse.raw("", []byte("[DONE]"))
}

// FinishReason maps a stop reason to the Chat Completions vocabulary.
func FinishReason(reason StopReason) string {
	switch reason {
	case StopToolUse:
		return openai.FinishReasonToolCalls
	case StopMaxTokens:
		return openai.FinishReasonLength
	default:
		return openai.FinishReasonStop
	}
}
