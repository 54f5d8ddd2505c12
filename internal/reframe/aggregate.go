package reframe

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/codex-relay/internal/api/anthropic"
	"github.com/tjfontaine/codex-relay/internal/api/openai"
	"github.com/tjfontaine/codex-relay/internal/domain"
)

type aggregateBlock struct {
	tool bool
	id   string
	name string
	buf  strings.Builder
}

// Aggregator collects a whole session for clients that did not ask to
// stream. Its output equals the concatenation of the streamed deltas.
type Aggregator struct {
	id     string
	model  string
	blocks []*aggregateBlock
	reason StopReason
	usage  domain.Usage
	err    *domain.APIError
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

func (a *Aggregator) MessageStart(id, model string) error {
	a.id, a.model = id, model
	return nil
}

func (a *Aggregator) TextStart(index int) error {
	a.put(index, &aggregateBlock{})
	return nil
}

func (a *Aggregator) TextDelta(index int, text string) error {
	if b := a.at(index); b != nil {
		b.buf.WriteString(text)
	}
	return nil
}

func (a *Aggregator) ToolStart(index int, callID, name string) error {
	a.put(index, &aggregateBlock{tool: true, id: callID, name: name})
	return nil
}

func (a *Aggregator) ToolDelta(index int, _ string, partialJSON string) error {
	if b := a.at(index); b != nil {
		b.buf.WriteString(partialJSON)
	}
	return nil
}

func (a *Aggregator) BlockStop(int) error {
	return nil
}

func (a *Aggregator) Finish(reason StopReason, usage domain.Usage) error {
	a.reason, a.usage = reason, usage
	return nil
}

func (a *Aggregator) Fail(err *domain.APIError) error {
	a.err = err
	return nil
}

// Err returns the in-stream failure, if any.
func (a *Aggregator) Err() *domain.APIError {
	return a.err
}

func (a *Aggregator) put(index int, b *aggregateBlock) {
	for len(a.blocks) <= index {
		a.blocks = append(a.blocks, nil)
	}
	a.blocks[index] = b
}

func (a *Aggregator) at(index int) *aggregateBlock {
	if index < 0 || index >= len(a.blocks) {
		return nil
	}
	return a.blocks[index]
}

// Text returns the concatenated text of all text blocks.
func (a *Aggregator) Text() string {
	var sb strings.Builder
	for _, b := range a.blocks {
		if b != nil && !b.tool {
			sb.WriteString(b.buf.String())
		}
	}
	return sb.String()
}

func toolInput(raw string) json.RawMessage {
	if strings.TrimSpace(raw) == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}

// AnthropicResponse renders the collected message as a Messages response.
func (a *Aggregator) AnthropicResponse() *anthropic.MessagesResponse {
	content := make([]anthropic.ResponseContent, 0, len(a.blocks))
	for _, b := range a.blocks {
		if b == nil {
			continue
		}
		if b.tool {
			content = append(content, anthropic.ResponseContent{
				Type:  "tool_use",
				ID:    b.id,
				Name:  b.name,
				Input: toolInput(b.buf.String()),
			})
			continue
		}
		text := b.buf.String()
		content = append(content, anthropic.ResponseContent{Type: "text", Text: &text})
	}

	reason := string(a.reason)
	if reason == "" {
		reason = string(StopEndTurn)
	}
	return &anthropic.MessagesResponse{
		ID:         a.id,
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      a.model,
		StopReason: &reason,
		Usage: anthropic.MessagesUsage{
			InputTokens:  a.usage.InputTokens,
			OutputTokens: a.usage.OutputTokens,
		},
	}
}

// OpenAIResponse renders the collected message as a chat completion.
func (a *Aggregator) OpenAIResponse() *openai.ChatCompletionResponse {
	msg := openai.ResponseMessage{Role: "assistant"}
	if text := a.Text(); text != "" {
		msg.Content = &text
	}
	for _, b := range a.blocks {
		if b == nil || !b.tool {
			continue
		}
		args := b.buf.String()
		if args == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:       b.id,
			Type:     "function",
			Function: openai.FunctionCall{Name: b.name, Arguments: args},
		})
	}

	return &openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   a.model,
		Choices: []openai.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: FinishReason(a.reason),
		}},
		Usage: openai.Usage{
			PromptTokens:     a.usage.InputTokens,
			CompletionTokens: a.usage.OutputTokens,
			TotalTokens:      a.usage.InputTokens + a.usage.OutputTokens,
		},
	}
}
