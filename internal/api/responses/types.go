// Package responses provides the wire types of the upstream Responses (Codex) protocol.
package responses

import (
	"encoding/json"
)

// Request is the body POSTed to the upstream /responses endpoint.
type Request struct {
	Model             string      `json:"model"`
	Instructions      string      `json:"instructions"`
	Input             []InputItem `json:"input"`
	Tools             []Tool      `json:"tools"`
	ToolChoice        string      `json:"tool_choice"`
	ParallelToolCalls bool        `json:"parallel_tool_calls"`
	Reasoning         Reasoning   `json:"reasoning"`
	Store             bool        `json:"store"`
	Stream            bool        `json:"stream"`
	Include           []string    `json:"include"`
	PromptCacheKey    string      `json:"prompt_cache_key,omitempty"`
}

// Reasoning configures the upstream's reasoning effort.
type Reasoning struct {
	Effort  string `json:"effort"`
	Summary string `json:"summary,omitempty"`
}

// Tool is a function tool declaration.
type Tool struct {
	Type        string         `json:"type"` // "function"
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Strict      bool           `json:"strict"`
	Parameters  map[string]any `json:"parameters"`
}

// Input item types.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
)

// InputItem is one entry of the request's input array.
type InputItem struct {
	Type string `json:"type"`

	// ItemMessage
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`

	// ItemFunctionCall, ItemFunctionCallOutput
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// Content part types.
const (
	PartInputText  = "input_text"
	PartOutputText = "output_text"
	PartInputImage = "input_image"
	PartThinking   = "thinking"
)

// ContentPart is one part of a message input item.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// Stream event types the relay understands.
const (
	EventCreated                 = "response.created"
	EventInProgress              = "response.in_progress"
	EventOutputTextDelta         = "response.output_text.delta"
	EventOutputItemAdded         = "response.output_item.added"
	EventOutputItemDone          = "response.output_item.done"
	EventFunctionCallArgsDelta   = "response.function_call_arguments.delta"
	EventFunctionCallArgsDeltaV0 = "response.function_call_arguments_delta"
	EventFunctionCallArgsDone    = "response.function_call_arguments.done"
	EventCompleted               = "response.completed"
	EventIncomplete              = "response.incomplete"
	EventFailed                  = "response.failed"
	EventError                   = "error"
)

// StreamEvent is one decoded upstream SSE record.
type StreamEvent struct {
	// Type is the SSE event name, falling back to the payload's type field.
	Type string
	// Data is the raw JSON payload.
	Data json.RawMessage
}

// Payload is the union of fields carried by the stream events the relay reads.
type Payload struct {
	Type string `json:"type"`

	// Delta is a string for text deltas; some upstreams send argument deltas as objects.
	Delta     json.RawMessage `json:"delta,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	OutputIndex int         `json:"output_index,omitempty"`
	ItemID      string      `json:"item_id,omitempty"`
	Item        *OutputItem `json:"item,omitempty"`
	Response    *Response   `json:"response,omitempty"`

	// EventError fields
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// DeltaText returns the delta (or arguments) as text. String values are
// returned as-is and any other JSON value is returned re-encoded.
func (p *Payload) DeltaText() string {
	raw := p.Delta
	if len(raw) == 0 || string(raw) == "null" {
		raw = p.Arguments
	}
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// OutputItem is an item of the response output.
type OutputItem struct {
	Type      string `json:"type"` // "message", "function_call", "reasoning"
	ID        string `json:"id,omitempty"`
	Status    string `json:"status,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Response is the response object embedded in lifecycle events.
type Response struct {
	ID                string             `json:"id"`
	Status            string             `json:"status"`
	Model             string             `json:"model,omitempty"`
	Usage             *Usage             `json:"usage,omitempty"`
	Error             *Error             `json:"error,omitempty"`
	IncompleteDetails *IncompleteDetails `json:"incomplete_details,omitempty"`
}

// Usage is the upstream token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Error is the error object of a failed response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IncompleteDetails explains a response.incomplete event.
type IncompleteDetails struct {
	Reason string `json:"reason"`
}
