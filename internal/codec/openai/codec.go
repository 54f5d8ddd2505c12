// Package openai decodes OpenAI Chat Completions requests into the relay's request model.
package openai

import (
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/codex-relay/internal/api/openai"
	"github.com/tjfontaine/codex-relay/internal/codec"
	"github.com/tjfontaine/codex-relay/internal/domain"
)

// Codec decodes the Chat Completions dialect.
type Codec struct{}

// New creates a new OpenAI codec.
func New() *Codec {
	return &Codec{}
}

// Name returns the codec name.
func (c *Codec) Name() string {
	return "openai"
}

// DecodeRequest parses a Chat Completions request body.
func (c *Codec) DecodeRequest(data []byte) (*domain.Request, error) {
	var apiReq openai.ChatCompletionRequest
	if err := json.Unmarshal(data, &apiReq); err != nil {
		return nil, domain.ErrInvalidJSON(err)
	}
	return APIRequestToDomain(&apiReq)
}

// APIRequestToDomain converts a parsed Chat Completions request.
func APIRequestToDomain(apiReq *openai.ChatCompletionRequest) (*domain.Request, error) {
	if len(apiReq.Messages) == 0 {
		return nil, domain.ErrEmptyMessages()
	}

	req := &domain.Request{
		Dialect:         domain.APITypeOpenAI,
		Model:           apiReq.Model,
		MaxTokens:       apiReq.MaxTokens,
		ToolChoice:      toolChoice(apiReq.ToolChoice),
		ReasoningEffort: apiReq.ReasoningEffort,
	}
	if apiReq.MaxCompletionTokens > 0 {
		req.MaxTokens = apiReq.MaxCompletionTokens
	}
	if apiReq.Stream != nil {
		req.Stream = *apiReq.Stream
	}

	for i, msg := range apiReq.Messages {
		param := fmt.Sprintf("messages.%d", i)
		switch msg.Role {
		case "system", "developer":
			if text := msg.Content.Text(); text != "" {
				if req.System != "" {
					req.System += "\n"
				}
				req.System += text
			}

		case "user":
			blocks, err := convertParts(msg.Content, param)
			if err != nil {
				return nil, err
			}
			req.Messages = append(req.Messages, domain.Message{Role: domain.RoleUser, Content: blocks})

		case "assistant":
			blocks, err := convertParts(msg.Content, param)
			if err != nil {
				return nil, err
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, domain.ContentBlock{
					Type:      domain.BlockToolUse,
					ToolUseID: call.ID,
					ToolName:  call.Function.Name,
					Arguments: rawArguments(call.Function.Arguments),
				})
			}
			req.Messages = append(req.Messages, domain.Message{Role: domain.RoleAssistant, Content: blocks})

		case "tool":
			req.Messages = append(req.Messages, domain.Message{
				Role: domain.RoleTool,
				Content: []domain.ContentBlock{{
					Type:      domain.BlockToolResult,
					ToolUseID: msg.ToolCallID,
					Result:    msg.Content.Text(),
				}},
			})

		default:
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("%s.role: unsupported role %q", param, msg.Role)).
				WithParam(param + ".role")
		}
	}

	for _, tool := range apiReq.Tools {
		req.Tools = append(req.Tools, domain.Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
			Required:    requiredFields(tool.Function.Parameters),
		})
	}

	return req, nil
}

func convertParts(content openai.MessageContent, param string) ([]domain.ContentBlock, error) {
	blocks := make([]domain.ContentBlock, 0, len(content))
	for j, part := range content {
		switch part.Type {
		case "text", "input_text", "":
			blocks = append(blocks, domain.TextBlock(part.Text))
		case "image_url", "input_image", "image":
			ref, err := imageReference(part)
			if err != nil {
				err.Param = fmt.Sprintf("%s.content.%d", param, j)
				return nil, err
			}
			blocks = append(blocks, domain.ImageBlock(ref))
		default:
			return nil, domain.ErrUnsupportedContent(part.Type).WithParam(fmt.Sprintf("%s.content.%d", param, j))
		}
	}
	return blocks, nil
}

func imageReference(part openai.ContentPart) (*domain.ImageReference, *domain.APIError) {
	switch {
	case part.ImageURL != nil && part.ImageURL.URL != "":
		return &domain.ImageReference{Kind: domain.ImageURLObject, URL: part.ImageURL.URL, Detail: part.ImageURL.Detail}, nil
	case part.Image != nil && part.Image.URL != "":
		return &domain.ImageReference{Kind: domain.ImageURLObject, URL: part.Image.URL, Detail: part.Image.Detail}, nil
	case part.URL != "":
		return codec.ClassifyImageURL(part.URL, ""), nil
	case part.Source != nil && part.Source.Data != "":
		return &domain.ImageReference{Kind: domain.ImageInlineBase64, Data: part.Source.Data, MediaType: part.Source.MediaType}, nil
	case part.Source != nil && part.Source.URL != "":
		return codec.ClassifyImageURL(part.Source.URL, part.Source.MediaType), nil
	}
	return nil, domain.ErrUnsupportedImageSource("image part has no source")
}

// rawArguments keeps valid JSON arguments as-is and quotes anything else.
func rawArguments(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

// toolChoice flattens "auto" | "none" | "required" | {"function":{"name":...}}.
func toolChoice(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		return mode
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Function.Name
	}
	return ""
}

func requiredFields(schema map[string]any) []string {
	raw, ok := schema["required"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
