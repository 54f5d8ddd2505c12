// Package anthropic decodes Anthropic Messages requests into the relay's request model.
package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/codex-relay/internal/api/anthropic"
	"github.com/tjfontaine/codex-relay/internal/codec"
	"github.com/tjfontaine/codex-relay/internal/domain"
)

// Codec decodes the Anthropic Messages dialect.
type Codec struct{}

// New creates a new Anthropic codec.
func New() *Codec {
	return &Codec{}
}

// Name returns the codec name.
func (c *Codec) Name() string {
	return "anthropic"
}

// DecodeRequest parses a Messages request body.
func (c *Codec) DecodeRequest(data []byte) (*domain.Request, error) {
	var apiReq anthropic.MessagesRequest
	if err := json.Unmarshal(data, &apiReq); err != nil {
		return nil, domain.ErrInvalidJSON(err)
	}
	return APIRequestToDomain(&apiReq)
}

// APIRequestToDomain converts a parsed Messages request.
func APIRequestToDomain(apiReq *anthropic.MessagesRequest) (*domain.Request, error) {
	if len(apiReq.Messages) == 0 {
		return nil, domain.ErrEmptyMessages()
	}

	req := &domain.Request{
		Dialect:   domain.APITypeAnthropic,
		Model:     apiReq.Model,
		System:    apiReq.System.String(),
		MaxTokens: apiReq.MaxTokens,
		Stream:    apiReq.Stream,
	}

	if apiReq.ToolChoice != nil {
		req.ToolChoice = apiReq.ToolChoice.Type
		if apiReq.ToolChoice.Type == "tool" && apiReq.ToolChoice.Name != "" {
			req.ToolChoice = apiReq.ToolChoice.Name
		}
	}

	for i, msg := range apiReq.Messages {
		switch msg.Role {
		case "system":
			// Some clients send the system prompt as a message.
			if text := msg.Content.Text(); text != "" {
				if req.System != "" {
					req.System += "\n"
				}
				req.System += text
			}
			continue
		case "user", "assistant":
		default:
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("messages.%d.role: unsupported role %q", i, msg.Role)).
				WithParam(fmt.Sprintf("messages.%d.role", i))
		}

		blocks := make([]domain.ContentBlock, 0, len(msg.Content))
		for j, part := range msg.Content {
			block, err := convertPart(part)
			if err != nil {
				if apiErr, ok := err.(*domain.APIError); ok && apiErr.Param == "" {
					apiErr.Param = fmt.Sprintf("messages.%d.content.%d", i, j)
				}
				return nil, err
			}
			blocks = append(blocks, block)
		}
		req.Messages = append(req.Messages, domain.Message{
			Role:    domain.Role(msg.Role),
			Content: blocks,
		})
	}

	for _, tool := range apiReq.Tools {
		req.Tools = append(req.Tools, convertTool(tool))
	}

	return req, nil
}

func convertPart(part anthropic.ContentPart) (domain.ContentBlock, error) {
	switch part.Type {
	case "text", "":
		return domain.TextBlock(part.Text), nil

	case "thinking", "redacted_thinking":
		return domain.ContentBlock{Type: domain.BlockThinking, Text: part.Thinking}, nil

	case "image", "image_url", "input_image":
		ref, err := imageReference(part)
		if err != nil {
			return domain.ContentBlock{}, err
		}
		return domain.ImageBlock(ref), nil

	case "tool_use":
		args := part.Input
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage("{}")
		}
		return domain.ContentBlock{
			Type:      domain.BlockToolUse,
			ToolUseID: part.ID,
			ToolName:  part.Name,
			Arguments: args,
		}, nil

	case "tool_result":
		return domain.ContentBlock{
			Type:      domain.BlockToolResult,
			ToolUseID: part.ToolUseID,
			Result:    part.ToolResultText(),
			IsError:   part.IsError,
		}, nil

	default:
		return domain.ContentBlock{}, domain.ErrUnsupportedContent(part.Type)
	}
}

// imageReference picks the image variant a block carries.
func imageReference(part anthropic.ContentPart) (*domain.ImageReference, error) {
	if src := part.Source; src != nil {
		switch {
		case src.Path != "":
			return &domain.ImageReference{Kind: domain.ImageLocalPath, Path: src.Path, MediaType: src.MediaType}, nil
		case src.URL != "":
			return codec.ClassifyImageURL(src.URL, src.MediaType), nil
		case src.Data != "":
			if ref := codec.ClassifyImageURL(src.Data, src.MediaType); ref.Kind == domain.ImageDataURL {
				return ref, nil
			}
			return &domain.ImageReference{Kind: domain.ImageInlineBase64, Data: src.Data, MediaType: src.MediaType}, nil
		}
	}

	if part.ImageURL != nil && part.ImageURL.URL != "" {
		return &domain.ImageReference{
			Kind:   domain.ImageURLObject,
			URL:    part.ImageURL.URL,
			Detail: part.ImageURL.Detail,
		}, nil
	}

	if part.URL != "" {
		return codec.ClassifyImageURL(part.URL, ""), nil
	}

	return nil, domain.ErrUnsupportedImageSource("image block has no source")
}

func convertTool(tool anthropic.Tool) domain.Tool {
	if tool.Function != nil {
		return domain.Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
			Required:    requiredFields(tool.Function.Parameters),
		}
	}
	return domain.Tool{
		Name:        tool.Name,
		Description: tool.Description,
		Parameters:  tool.InputSchema,
		Required:    requiredFields(tool.InputSchema),
	}
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
