// Package translate builds upstream Responses requests from decoded client requests.
package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/tjfontaine/codex-relay/internal/api/responses"
	"github.com/tjfontaine/codex-relay/internal/domain"
	"github.com/tjfontaine/codex-relay/internal/effort"
)

const (
	// DefaultModel is the upstream model used for non-Codex client models.
	DefaultModel = "gpt-5.3-codex"

	// DefaultInstructions fills the upstream's fixed instruction slot.
	DefaultInstructions = "You are Codex, based on GPT-5. You are running as a coding agent in the Codex CLI on a user's computer."

	// ImageHint precedes the first image of a user message.
	ImageHint = "\n<system_hint>IMAGE PROVIDED. You can see the image above directly. Analyze it as requested. DO NOT ask for file paths.</system_hint>\n"
)

// Models names the upstream model for each effort tier: Opus serves xhigh,
// Sonnet serves high and medium, Haiku serves low.
type Models struct {
	Opus   string
	Sonnet string
	Haiku  string
}

// DefaultModels is the built-in tier table.
func DefaultModels() Models {
	return Models{
		Opus:   "gpt-5.3-codex",
		Sonnet: "gpt-5.2-codex",
		Haiku:  "gpt-5.1-codex-mini",
	}
}

func (m Models) forEffort(e effort.Effort) string {
	switch e {
	case effort.XHigh:
		return m.Opus
	case effort.High, effort.Medium:
		return m.Sonnet
	case effort.Low:
		return m.Haiku
	}
	return ""
}

// Option configures a Translator.
type Option func(*Translator)

// WithModel sets the upstream model.
func WithModel(model string) Option {
	return func(t *Translator) {
		if model != "" {
			t.model = model
		}
	}
}

// WithModels sets the tier table. Empty entries fall back to the model set
// by WithModel.
func WithModels(models Models) Option {
	return func(t *Translator) {
		t.models = models
	}
}

// WithInstructions sets the upstream instruction text.
func WithInstructions(text string) Option {
	return func(t *Translator) {
		if text != "" {
			t.instructions = text
		}
	}
}

// WithWorkDir sets the directory named in the injected system prompt.
func WithWorkDir(dir string) Option {
	return func(t *Translator) {
		if dir != "" {
			t.workDir = dir
		}
	}
}

// WithEnvironmentContext adds an environment_context message after the
// system prompt, naming the working directory and shell.
func WithEnvironmentContext(shell string) Option {
	return func(t *Translator) {
		t.envContext = true
		if shell != "" {
			t.shell = shell
		}
	}
}

// WithSkillPrompt sets text appended after the skill blocks lifted from the
// conversation. It is only sent when at least one skill was found.
func WithSkillPrompt(text string) Option {
	return func(t *Translator) {
		t.skillPrompt = strings.TrimSpace(text)
	}
}

// Translator converts domain requests to upstream requests. It holds no
// per-request state and is safe for concurrent use.
type Translator struct {
	effort       *effort.Mapper
	model        string
	models       Models
	instructions string
	workDir      string
	envContext   bool
	shell        string
	skillPrompt  string
}

// New creates a Translator.
func New(mapper *effort.Mapper, opts ...Option) *Translator {
	if mapper == nil {
		mapper = effort.Default()
	}
	t := &Translator{
		effort:       mapper,
		model:        DefaultModel,
		models:       DefaultModels(),
		instructions: DefaultInstructions,
		workDir:      "/",
		shell:        "bash",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// UpstreamModel returns the model sent upstream for a client model. Codex
// and GPT names pass through. A name matching an effort rule picks the tier
// model for that effort; anything else gets the fallback model.
func (t *Translator) UpstreamModel(clientModel string) string {
	lower := strings.ToLower(clientModel)
	if strings.Contains(lower, "codex") || strings.HasPrefix(lower, "gpt-") {
		return clientModel
	}
	if e, ok := t.effort.Match(clientModel); ok {
		if model := t.models.forEffort(e); model != "" {
			return model
		}
	}
	return t.model
}

// toolChoice maps the client's mode onto the upstream's. Anthropic "any" and
// a named tool both force a call, which upstream spells "required".
func toolChoice(mode string, tools int) string {
	if tools == 0 {
		return "auto"
	}
	switch mode {
	case "", "auto":
		return "auto"
	case "none":
		return "none"
	default:
		return "required"
	}
}

// Translate builds the upstream request. The result depends only on req and
// sessionID. Images must already be normalized to data URLs.
func (t *Translator) Translate(req *domain.Request, sessionID string) (*responses.Request, error) {
	input := make([]responses.InputItem, 0, len(req.Messages)+2)

	if req.System != "" {
		input = append(input, userText(fmt.Sprintf("# AGENTS.md instructions for %s\n\n<INSTRUCTIONS>\n%s\n</INSTRUCTIONS>", t.workDir, req.System)))
		if t.envContext {
			input = append(input, userText(t.environmentContext()))
		}
	}

	sk := newSkills(req.Messages)
	var conversation []responses.InputItem
	for i, msg := range req.Messages {
		items, err := translateMessage(msg, sk)
		if err != nil {
			if apiErr, ok := err.(*domain.APIError); ok && apiErr.Param == "" {
				apiErr.Param = fmt.Sprintf("messages.%d", i)
			}
			return nil, err
		}
		conversation = append(conversation, items...)
	}

	if len(sk.blocks) > 0 {
		for _, block := range sk.blocks {
			input = append(input, userText(block))
		}
		if t.skillPrompt != "" {
			input = append(input, userText(t.skillPrompt))
		}
	}
	input = append(input, conversation...)

	return &responses.Request{
		Model:             t.UpstreamModel(req.Model),
		Instructions:      t.instructions,
		Input:             input,
		Tools:             translateTools(req.Tools),
		ToolChoice:        toolChoice(req.ToolChoice, len(req.Tools)),
		ParallelToolCalls: true,
		Reasoning: responses.Reasoning{
			Effort:  string(t.effort.Resolve(req.Model, req.ReasoningEffort)),
			Summary: "auto",
		},
		Store:          false,
		Stream:         true,
		Include:        []string{"reasoning.encrypted_content"},
		PromptCacheKey: sessionID,
	}, nil
}

func (t *Translator) environmentContext() string {
	return fmt.Sprintf(`<environment_context>
  <cwd>%s</cwd>
  <approval_policy>on-request</approval_policy>
  <sandbox_mode>workspace-write</sandbox_mode>
  <network_access>restricted</network_access>
  <shell>%s</shell>
</environment_context>`, t.workDir, t.shell)
}

func userText(text string) responses.InputItem {
	return responses.InputItem{
		Type:    responses.ItemMessage,
		Role:    string(domain.RoleUser),
		Content: []responses.ContentPart{{Type: responses.PartInputText, Text: text}},
	}
}

// translateMessage emits message items, splitting around tool calls and
// results so the upstream sees them in conversation order.
func translateMessage(msg domain.Message, sk *skills) ([]responses.InputItem, error) {
	role := string(msg.Role)
	textType := responses.PartInputText
	switch msg.Role {
	case domain.RoleAssistant:
		textType = responses.PartOutputText
	case domain.RoleTool:
		role = string(domain.RoleUser)
	}

	var items []responses.InputItem
	var pending []responses.ContentPart
	hinted := false

	flush := func() {
		if len(pending) == 0 {
			return
		}
		items = append(items, responses.InputItem{Type: responses.ItemMessage, Role: role, Content: pending})
		pending = nil
	}

	for j, block := range msg.Content {
		switch block.Type {
		case domain.BlockText:
			pending = append(pending, responses.ContentPart{Type: textType, Text: block.Text})

		case domain.BlockThinking:
			pending = append(pending, responses.ContentPart{Type: responses.PartThinking, Thinking: block.Text})

		case domain.BlockImage:
			if msg.Role != domain.RoleUser {
				return nil, domain.ErrUnsupportedContent("image in " + string(msg.Role) + " message").
					WithParam(fmt.Sprintf("content.%d", j))
			}
			if !block.Image.IsCanonical() {
				return nil, domain.NewAPIError(domain.ErrorTypeUnsupportedContent, "image was not normalized to a data URL").
					WithParam(fmt.Sprintf("content.%d", j))
			}
			if !hinted {
				pending = append(pending, responses.ContentPart{Type: responses.PartInputText, Text: ImageHint})
				hinted = true
			}
			pending = append(pending, responses.ContentPart{
				Type:     responses.PartInputImage,
				ImageURL: block.Image.URL,
				Detail:   "auto",
			})

		case domain.BlockToolUse:
			flush()
			items = append(items, responses.InputItem{
				Type:      responses.ItemFunctionCall,
				CallID:    block.ToolUseID,
				Name:      block.ToolName,
				Arguments: sk.callArguments(block),
			})

		case domain.BlockToolResult:
			flush()
			items = append(items, responses.InputItem{
				Type:   responses.ItemFunctionCallOutput,
				CallID: block.ToolUseID,
				Output: sk.result(block),
			})

		default:
			return nil, domain.ErrUnsupportedContent(string(block.Type))
		}
	}
	flush()

	return items, nil
}

func compactArguments(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// DefaultTool is declared when the client sends no tools.
func DefaultTool() responses.Tool {
	return responses.Tool{
		Type:        "function",
		Name:        "shell_command",
		Description: "Runs a shell command and returns its output.",
		Strict:      false,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell script to execute",
				},
			},
			"required": []any{"command"},
		},
	}
}

func translateTools(tools []domain.Tool) []responses.Tool {
	if len(tools) == 0 {
		return []responses.Tool{DefaultTool()}
	}

	out := make([]responses.Tool, 0, len(tools))
	for _, tool := range tools {
		params := map[string]any{"type": "object"}
		if tool.Parameters != nil {
			params = maps.Clone(tool.Parameters)
		}
		if _, ok := params["properties"]; !ok {
			params["properties"] = map[string]any{}
		}
		if _, ok := params["required"]; !ok && len(tool.Required) > 0 {
			required := make([]any, len(tool.Required))
			for i, r := range tool.Required {
				required[i] = r
			}
			params["required"] = required
		}

		name := tool.Name
		if name == "" {
			name = "unknown"
		}
		out = append(out, responses.Tool{
			Type:        "function",
			Name:        name,
			Description: tool.Description,
			Strict:      false,
			Parameters:  params,
		})
	}
	return out
}
