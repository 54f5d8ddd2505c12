package anthropic

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/codex-relay/internal/domain"
)

func decode(t *testing.T, body string) *domain.Request {
	t.Helper()
	req, err := New().DecodeRequest([]byte(body))
	require.NoError(t, err)
	return req
}

func TestDecodeRequest_Basic(t *testing.T) {
	req := decode(t, `{
		"model": "claude-sonnet-4",
		"max_tokens": 512,
		"stream": true,
		"system": [{"type":"text","text":"be brief"},{"type":"text","text":"be kind"}],
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [{"type":"thinking","thinking":"hmm","signature":"sig"},{"type":"text","text":"hi"}]}
		]
	}`)

	assert.Equal(t, domain.APITypeAnthropic, req.Dialect)
	assert.Equal(t, "claude-sonnet-4", req.Model)
	assert.Equal(t, 512, req.MaxTokens)
	assert.True(t, req.Stream)
	assert.Equal(t, "be brief\nbe kind", req.System)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, domain.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "hello", req.Messages[0].Content[0].Text)

	assistant := req.Messages[1].Content
	require.Len(t, assistant, 2)
	assert.Equal(t, domain.BlockThinking, assistant[0].Type)
	assert.Equal(t, "hmm", assistant[0].Text)
	assert.Equal(t, "hi", assistant[1].Text)
}

func TestDecodeRequest_SystemRoleMessage(t *testing.T) {
	req := decode(t, `{"model":"m","system":"top","messages":[
		{"role":"system","content":"extra"},
		{"role":"user","content":"go"}
	]}`)

	assert.Equal(t, "top\nextra", req.System)
	require.Len(t, req.Messages, 1)
}

func TestDecodeRequest_Images(t *testing.T) {
	req := decode(t, `{"model":"m","messages":[{"role":"user","content":[
		{"type":"image","source":{"type":"base64","media_type":"image/png","data":"iVBORw0KGgo="}},
		{"type":"image","source":{"type":"base64","data":"data:image/gif;base64,R0lGODlh"}},
		{"type":"image","source":{"type":"url","url":"https://example.com/a.png"}},
		{"type":"image","source":{"type":"file","file_path":"/tmp/shot.png"}},
		{"type":"image_url","image_url":{"url":"s3://bucket/a.png","detail":"low"}},
		{"type":"image","url":"file:///tmp/b.png"}
	]}]}`)

	blocks := req.Messages[0].Content
	require.Len(t, blocks, 6)

	assert.Equal(t, domain.ImageInlineBase64, blocks[0].Image.Kind)
	assert.Equal(t, "image/png", blocks[0].Image.MediaType)
	assert.Equal(t, domain.ImageDataURL, blocks[1].Image.Kind)
	assert.Equal(t, domain.ImageRemoteURL, blocks[2].Image.Kind)
	assert.Equal(t, domain.ImageLocalPath, blocks[3].Image.Kind)
	assert.Equal(t, "/tmp/shot.png", blocks[3].Image.Path)
	assert.Equal(t, domain.ImageURLObject, blocks[4].Image.Kind)
	assert.Equal(t, "low", blocks[4].Image.Detail)
	assert.Equal(t, domain.ImageLocalPath, blocks[5].Image.Kind)
	assert.Equal(t, 6, req.ImageCount())
}

func TestDecodeRequest_ToolBlocks(t *testing.T) {
	req := decode(t, `{"model":"m","messages":[
		{"role":"assistant","content":[{"type":"tool_use","id":"call_1","name":"shell","input":{"command":"ls"}}]},
		{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"call_1","content":[{"type":"text","text":"a.txt"},{"type":"text","text":"b.txt"}]},
			{"type":"tool_result","tool_use_id":"call_2","content":"boom","is_error":true}
		]}
	]}`)

	use := req.Messages[0].Content[0]
	assert.Equal(t, domain.BlockToolUse, use.Type)
	assert.Equal(t, "call_1", use.ToolUseID)
	assert.Equal(t, "shell", use.ToolName)
	assert.JSONEq(t, `{"command":"ls"}`, string(use.Arguments))

	results := req.Messages[1].Content
	assert.Equal(t, "a.txt\nb.txt", results[0].Result)
	assert.Equal(t, "boom", results[1].Result)
	assert.True(t, results[1].IsError)
}

func TestDecodeRequest_ToolResultKeepsUnknownBlocks(t *testing.T) {
	req := decode(t, `{"model":"m","messages":[
		{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"call_1","content":[
				{"type":"text","text":"found"},
				{"type":"search_result", "source": "https://example.com", "title": "Doc"},
				{"type":"image","source":{"type":"base64","media_type":"image/png","data":"iVBORw0KGgo="}}
			]}
		]}
	]}`)

	lines := strings.Split(req.Messages[0].Content[0].Result, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "found", lines[0])
	assert.JSONEq(t, `{"type":"search_result","source":"https://example.com","title":"Doc"}`, lines[1])
	assert.Equal(t, "[image]", lines[2])
}

func TestDecodeRequest_ToolUseWithoutInput(t *testing.T) {
	req := decode(t, `{"model":"m","messages":[{"role":"assistant","content":[{"type":"tool_use","id":"c","name":"n"}]}]}`)
	assert.Equal(t, json.RawMessage("{}"), req.Messages[0].Content[0].Arguments)
}

func TestDecodeRequest_Tools(t *testing.T) {
	req := decode(t, `{"model":"m","messages":[{"role":"user","content":"x"}],
		"tool_choice":{"type":"tool","name":"read_file"},
		"tools":[
			{"name":"read_file","description":"Read a file","input_schema":{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}},
			{"type":"function","function":{"name":"apply_patch","parameters":{"type":"object"}}}
		]}`)

	require.Len(t, req.Tools, 2)
	assert.Equal(t, "read_file", req.Tools[0].Name)
	assert.Equal(t, []string{"path"}, req.Tools[0].Required)
	assert.Equal(t, "apply_patch", req.Tools[1].Name)
	assert.Equal(t, domain.ToolFamilyApplyPatch, req.Tools[1].Family())
	assert.Equal(t, "read_file", req.ToolChoice)
}

func TestDecodeRequest_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantType domain.ErrorType
		wantCode domain.ErrorCode
	}{
		{"invalid json", `{"model":`, domain.ErrorTypeInvalidRequest, domain.ErrorCodeInvalidJSON},
		{"wrong field type", `{"model":"m","messages":"nope"}`, domain.ErrorTypeInvalidRequest, domain.ErrorCodeInvalidJSON},
		{"empty messages", `{"model":"m","messages":[]}`, domain.ErrorTypeInvalidRequest, domain.ErrorCodeEmptyMessages},
		{"bad role", `{"model":"m","messages":[{"role":"robot","content":"x"}]}`, domain.ErrorTypeInvalidRequest, ""},
		{"document block", `{"model":"m","messages":[{"role":"user","content":[{"type":"document","source":{}}]}]}`, domain.ErrorTypeUnsupportedContent, ""},
		{"sourceless image", `{"model":"m","messages":[{"role":"user","content":[{"type":"image"}]}]}`, domain.ErrorTypeUnsupportedImageSource, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().DecodeRequest([]byte(tt.body))
			require.Error(t, err)

			var apiErr *domain.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.wantType, apiErr.Type)
			assert.Equal(t, tt.wantCode, apiErr.Code)
		})
	}
}

func TestDecodeRequest_UnsupportedBlockParam(t *testing.T) {
	_, err := New().DecodeRequest([]byte(`{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"ok"},{"type":"video"}]}]}`))
	var apiErr *domain.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "messages.0.content.1", apiErr.Param)
}
