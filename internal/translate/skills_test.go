package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/codex-relay/internal/api/responses"
	"github.com/tjfontaine/codex-relay/internal/domain"
)

const reviewSkill = "<command-name>/review</command-name>\nBase Path: /home/me/.claude/skills/review\n\n# Review\nRead the diff first."

func skillCall(id, args string) domain.ContentBlock {
	return domain.ContentBlock{Type: domain.BlockToolUse, ToolUseID: id, ToolName: "Skill", Arguments: json.RawMessage(args)}
}

func toolResult(id, text string) domain.ContentBlock {
	return domain.ContentBlock{Type: domain.BlockToolResult, ToolUseID: id, Result: text}
}

func TestTranslate_SkillsLiftedOutOfResults(t *testing.T) {
	tr := New(nil, WithSkillPrompt("Follow the skills above."))
	out, err := tr.Translate(&domain.Request{
		System: "sys",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: []domain.ContentBlock{domain.TextBlock("review this")}},
			{Role: domain.RoleAssistant, Content: []domain.ContentBlock{skillCall("call_1", `{"skill":"review","args":"--strict"}`)}},
			{Role: domain.RoleUser, Content: []domain.ContentBlock{toolResult("call_1", reviewSkill)}},
			{Role: domain.RoleAssistant, Content: []domain.ContentBlock{skillCall("call_2", `{"skill":"review"}`)}},
			{Role: domain.RoleUser, Content: []domain.ContentBlock{toolResult("call_2", reviewSkill)}},
		},
	}, "s")
	require.NoError(t, err)

	require.Len(t, out.Input, 8)
	assert.Contains(t, out.Input[0].Content[0].Text, "<INSTRUCTIONS>\nsys\n</INSTRUCTIONS>")
	assert.Equal(t, "<skill>\n<name>review</name>\n<path>unknown</path>\n# Review\nRead the diff first.\n</skill>", out.Input[1].Content[0].Text)
	assert.Equal(t, "Follow the skills above.", out.Input[2].Content[0].Text)
	assert.Equal(t, "review this", out.Input[3].Content[0].Text)

	assert.Equal(t, responses.ItemFunctionCall, out.Input[4].Type)
	assert.JSONEq(t, `{"command":"review --strict"}`, out.Input[4].Arguments)
	assert.Equal(t, "Skill 'review' loaded.", out.Input[5].Output)
	assert.JSONEq(t, `{"command":"review"}`, out.Input[6].Arguments)
	assert.Equal(t, "Skill 'review' loaded.", out.Input[7].Output)
}

func TestTranslate_NoSkillsNoPrompt(t *testing.T) {
	out, err := New(nil, WithSkillPrompt("unused")).Translate(&domain.Request{
		Messages: []domain.Message{
			{Role: domain.RoleAssistant, Content: []domain.ContentBlock{{Type: domain.BlockToolUse, ToolUseID: "c", ToolName: "shell", Arguments: json.RawMessage(`{"command": "ls"}`)}}},
			{Role: domain.RoleUser, Content: []domain.ContentBlock{toolResult("c", "a.txt")}},
		},
	}, "s")
	require.NoError(t, err)

	require.Len(t, out.Input, 2)
	assert.Equal(t, `{"command":"ls"}`, out.Input[0].Arguments)
	assert.Equal(t, "a.txt", out.Input[1].Output)
}

func TestParseSkill(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantName string
		wantBody string
		ok       bool
	}{
		{"base path", reviewSkill, "review", "# Review\nRead the diff first.", true},
		{"tag only", "<command-name>lint</command-name>\nRun the linter.", "lint", "Run the linter.", true},
		{"slash tag only", "<command-name>/lint</command-name> Run it.", "lint", "Run it.", true},
		{"no tag", "Base Path: /x\nbody", "", "", false},
		{"unclosed tag", "<command-name>lint", "", "", false},
		{"empty body", "<command-name>lint</command-name>", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, body, ok := parseSkill(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantBody, body)
		})
	}
}

func TestSkillResultWithoutSkillCall(t *testing.T) {
	sk := newSkills(nil)

	assert.Equal(t, "Skill 'lint' loaded.", sk.result(toolResult("other", "<command-name>lint</command-name>\nRun the linter.")))
	assert.Equal(t, "plain output", sk.result(toolResult("other", "plain output")))
	require.Len(t, sk.blocks, 1)
}
