// Package anthropic provides the wire types of the Anthropic Messages dialect.
package anthropic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultVersion is assumed when the client omits the version header.
const DefaultVersion = "2023-06-01"

// MessagesRequest represents an Anthropic Messages API request.
type MessagesRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	MaxTokens     int            `json:"max_tokens"`
	System        SystemMessages `json:"system,omitempty"`
	Temperature   *float32       `json:"temperature,omitempty"`
	TopP          *float32       `json:"top_p,omitempty"`
	TopK          *int           `json:"top_k,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
	ToolChoice    *ToolChoice    `json:"tool_choice,omitempty"`
	Metadata      *Metadata      `json:"metadata,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
}

// Message represents a message in the conversation.
type Message struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// ContentBlock can be a string or array of content blocks.
type ContentBlock []ContentPart

// UnmarshalJSON handles both string and array content formats.
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*c = nil
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*c = ContentBlock{{Type: "text", Text: str}}
		return nil
	}

	// A single block object is accepted as a one-element array.
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		var part ContentPart
		if err := json.Unmarshal(data, &part); err != nil {
			return err
		}
		*c = ContentBlock{part}
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*c = parts
	return nil
}

// Text joins the text parts of the block.
func (c ContentBlock) Text() string {
	var texts []string
	for _, part := range c {
		if part.Type == "text" || part.Type == "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ContentPart represents a single content part in a message.
type ContentPart struct {
	Type string `json:"type"` // "text", "image", "image_url", "input_image", "tool_use", "tool_result", "thinking", "document"
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// For tool_result blocks; content is a string or an array of blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// For image blocks
	Source   *ImageSource `json:"source,omitempty"`
	ImageURL *URLValue    `json:"image_url,omitempty"`
	URL      string       `json:"url,omitempty"`

	// For thinking blocks; Signature is accepted and dropped.
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// ToolResultText flattens tool_result content to a string. Array content is
// joined with newlines; images inside a result are rendered as "[image]" and
// other blocks are kept as their JSON.
func (p ContentPart) ToolResultText() string {
	if len(p.Content) == 0 || string(p.Content) == "null" {
		return ""
	}

	var str string
	if err := json.Unmarshal(p.Content, &str); err == nil {
		return str
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(p.Content, &raws); err == nil {
		texts := make([]string, 0, len(raws))
		for _, raw := range raws {
			var part ContentPart
			if err := json.Unmarshal(raw, &part); err != nil {
				texts = append(texts, compactJSON(raw))
				continue
			}
			switch part.Type {
			case "text", "":
				texts = append(texts, part.Text)
			case "image", "image_url", "input_image":
				texts = append(texts, "[image]")
			default:
				texts = append(texts, compactJSON(raw))
			}
		}
		return strings.Join(texts, "\n")
	}

	return string(p.Content)
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// URLValue is an image URL given either as a bare string or as {url} / {uri}.
type URLValue struct {
	URL    string `json:"url,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// UnmarshalJSON accepts "...", {"url": "..."} and {"uri": "..."}.
func (u *URLValue) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		u.URL = str
		return nil
	}

	var obj struct {
		URL    string `json:"url"`
		URI    string `json:"uri"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("image_url must be a string or object: %w", err)
	}
	u.URL = obj.URL
	if u.URL == "" {
		u.URL = obj.URI
	}
	u.Detail = obj.Detail
	return nil
}

// ImageSource represents an image source. Clients disagree on field names,
// so the common aliases are folded into one shape.
type ImageSource struct {
	Type      string `json:"type"` // "base64", "url", "file", "path"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	Path      string `json:"path,omitempty"`
}

// UnmarshalJSON folds aliases (mediaType, mime_type, base64, uri, file_path, ...).
func (s *ImageSource) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("image source must be an object: %w", err)
	}

	s.Type = firstString(raw, "type")
	s.MediaType = firstString(raw, "media_type", "mediaType", "mime_type", "mimeType")
	s.Data = firstString(raw, "data", "base64")
	s.URL = firstString(raw, "url", "uri", "image_url")
	s.Path = firstString(raw, "path", "file_path", "filePath", "local_path", "localPath", "file")
	return nil
}

// firstString returns the first key whose value is a string, or a {url|uri|data} object.
func firstString(raw map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var str string
		if err := json.Unmarshal(v, &str); err == nil && str != "" {
			return str
		}
		var obj map[string]string
		if err := json.Unmarshal(v, &obj); err == nil {
			for _, inner := range []string{"url", "uri", "data", "base64"} {
				if obj[inner] != "" {
					return obj[inner]
				}
			}
		}
	}
	return ""
}

// SystemMessages represents the system prompt (can be string or array).
type SystemMessages []SystemBlock

// UnmarshalJSON handles both string and array system formats.
func (s *SystemMessages) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = SystemMessages{{Type: "text", Text: str}}
		return nil
	}

	var blocks []SystemBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*s = blocks
	return nil
}

// String joins the text of all system blocks.
func (s SystemMessages) String() string {
	texts := make([]string, 0, len(s))
	for _, b := range s {
		if b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// SystemBlock represents a system message block.
type SystemBlock struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	CacheControl *Cache `json:"cache_control,omitempty"`
}

// Cache represents cache control settings.
type Cache struct {
	Type string `json:"type"` // "ephemeral"
}

// Tool represents a tool that the model can use. Claude Code sends
// {name, description, input_schema}; some clients send the OpenAI
// {type:"function", function:{...}} envelope to this endpoint too.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Type        string         `json:"type,omitempty"` // "", "custom", "tool", "function"
	Function    *FunctionTool  `json:"function,omitempty"`
}

// FunctionTool is the OpenAI-style function envelope.
type FunctionTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ThinkingConfig configures extended thinking behavior.
type ThinkingConfig struct {
	Type         string `json:"type"`          // "enabled"
	BudgetTokens int    `json:"budget_tokens"` // Max tokens for thinking
}

// ToolChoice represents how the model should use tools.
type ToolChoice struct {
	Type string `json:"type"` // "auto", "any", "tool", "none"
	Name string `json:"name,omitempty"`
}

// Metadata represents request metadata.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// MessagesResponse represents an Anthropic Messages API response.
type MessagesResponse struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Role         string            `json:"role"`
	Content      []ResponseContent `json:"content"`
	Model        string            `json:"model"`
	StopReason   *string           `json:"stop_reason"`
	StopSequence *string           `json:"stop_sequence"`
	Usage        MessagesUsage     `json:"usage"`
}

// ResponseContent represents content in a response.
type ResponseContent struct {
	Type  string          `json:"type"`
	Text  *string         `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// MessagesUsage represents token usage in the response.
type MessagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CountTokensResponse is the body of /v1/messages/count_tokens.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// Streaming types

// MessageStartEvent opens the stream.
type MessageStartEvent struct {
	Type    string           `json:"type"` // "message_start"
	Message MessagesResponse `json:"message"`
}

// ContentBlockStartEvent opens a content block.
type ContentBlockStartEvent struct {
	Type         string          `json:"type"` // "content_block_start"
	Index        int             `json:"index"`
	ContentBlock ResponseContent `json:"content_block"`
}

// ContentBlockDeltaEvent carries a delta for an open block.
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"` // "content_block_delta"
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

// BlockDelta is a text_delta or input_json_delta.
type BlockDelta struct {
	Type        string  `json:"type"`
	Text        *string `json:"text,omitempty"`
	PartialJSON *string `json:"partial_json,omitempty"`
}

// ContentBlockStopEvent closes a content block.
type ContentBlockStopEvent struct {
	Type  string `json:"type"` // "content_block_stop"
	Index int    `json:"index"`
}

// MessageDeltaEvent carries the stop reason and final usage.
type MessageDeltaEvent struct {
	Type  string        `json:"type"` // "message_delta"
	Delta MessageDelta  `json:"delta"`
	Usage MessagesUsage `json:"usage"`
}

// MessageDelta is the delta payload of a message_delta event.
type MessageDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// MessageStopEvent terminates the stream.
type MessageStopEvent struct {
	Type       string `json:"type"` // "message_stop"
	StopReason string `json:"stop_reason,omitempty"`
}

// ErrorEvent reports a failure after the stream has started.
type ErrorEvent struct {
	Type  string      `json:"type"` // "error"
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the error object of an error event or body.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Stop reasons.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
)
