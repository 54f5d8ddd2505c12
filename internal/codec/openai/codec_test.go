package openai

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/codex-relay/internal/domain"
)

func TestDecodeRequest_Messages(t *testing.T) {
	req, err := New().DecodeRequest([]byte(`{
		"model": "gpt-4o",
		"stream": true,
		"max_completion_tokens": 900,
		"reasoning_effort": "high",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "developer", "content": [{"type":"text","text":"use tools"}]},
			{"role": "user", "content": [
				{"type": "text", "text": "what is this"},
				{"type": "image_url", "image_url": {"url": "https://example.com/cat.png", "detail": "high"}},
				{"type": "image_url", "image_url": "data:image/png;base64,iVBORw0KGgo="}
			]},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "shell", "arguments": "{\"command\":\"ls\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "a.txt"}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, domain.APITypeOpenAI, req.Dialect)
	assert.True(t, req.Stream)
	assert.Equal(t, 900, req.MaxTokens)
	assert.Equal(t, "high", req.ReasoningEffort)
	assert.Equal(t, "be brief\nuse tools", req.System)

	require.Len(t, req.Messages, 3)

	user := req.Messages[0].Content
	require.Len(t, user, 3)
	assert.Equal(t, "what is this", user[0].Text)
	assert.Equal(t, domain.ImageURLObject, user[1].Image.Kind)
	assert.Equal(t, "high", user[1].Image.Detail)
	assert.Equal(t, "data:image/png;base64,iVBORw0KGgo=", user[2].Image.URL)

	call := req.Messages[1].Content[0]
	assert.Equal(t, domain.BlockToolUse, call.Type)
	assert.Equal(t, "call_1", call.ToolUseID)
	assert.JSONEq(t, `{"command":"ls"}`, string(call.Arguments))

	result := req.Messages[2]
	assert.Equal(t, domain.RoleTool, result.Role)
	assert.Equal(t, domain.BlockToolResult, result.Content[0].Type)
	assert.Equal(t, "call_1", result.Content[0].ToolUseID)
	assert.Equal(t, "a.txt", result.Content[0].Result)
}

func TestDecodeRequest_StreamDefaultsOff(t *testing.T) {
	req, err := New().DecodeRequest([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	assert.False(t, req.Stream)
}

func TestDecodeRequest_ToolsAndChoice(t *testing.T) {
	tests := []struct {
		choice string
		want   string
	}{
		{`"auto"`, "auto"},
		{`"required"`, "required"},
		{`{"type":"function","function":{"name":"read_file"}}`, "read_file"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			req, err := New().DecodeRequest([]byte(`{"model":"m","messages":[{"role":"user","content":"x"}],
				"tool_choice":` + tt.choice + `,
				"tools":[{"type":"function","function":{"name":"read_file","description":"Read","parameters":{"type":"object","required":["path"]}}}]}`))
			require.NoError(t, err)

			assert.Equal(t, tt.want, req.ToolChoice)
			require.Len(t, req.Tools, 1)
			assert.Equal(t, "Read", req.Tools[0].Description)
			assert.Equal(t, []string{"path"}, req.Tools[0].Required)
		})
	}
}

func TestDecodeRequest_NonJSONArguments(t *testing.T) {
	req, err := New().DecodeRequest([]byte(`{"model":"m","messages":[
		{"role":"assistant","tool_calls":[{"id":"c","type":"function","function":{"name":"n","arguments":"not json"}}]}
	]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"not json"`, string(req.Messages[0].Content[0].Arguments))
}

func TestDecodeRequest_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantType domain.ErrorType
		param    string
	}{
		{"invalid json", `not json`, domain.ErrorTypeInvalidRequest, ""},
		{"empty messages", `{"model":"m","messages":[]}`, domain.ErrorTypeInvalidRequest, "messages"},
		{"bad role", `{"model":"m","messages":[{"role":"robot","content":"x"}]}`, domain.ErrorTypeInvalidRequest, "messages.0.role"},
		{"audio part", `{"model":"m","messages":[{"role":"user","content":[{"type":"input_audio"}]}]}`, domain.ErrorTypeUnsupportedContent, "messages.0.content.0"},
		{"empty image", `{"model":"m","messages":[{"role":"user","content":[{"type":"image_url"}]}]}`, domain.ErrorTypeUnsupportedImageSource, "messages.0.content.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().DecodeRequest([]byte(tt.body))
			var apiErr *domain.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.wantType, apiErr.Type)
			assert.Equal(t, tt.param, apiErr.Param)
		})
	}
}
