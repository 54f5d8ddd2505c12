package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tjfontaine/codex-relay/internal/domain"
)

// skillTool is the client tool that loads a skill definition into the
// conversation. Its results are lifted out of the transcript and restated
// once, near the top of the input, as <skill> blocks.
const skillTool = "skill"

// skills tracks the skill definitions seen in one request.
type skills struct {
	calls  map[string]bool
	seen   map[string]bool
	blocks []string
}

func newSkills(msgs []domain.Message) *skills {
	s := &skills{calls: map[string]bool{}, seen: map[string]bool{}}
	for _, msg := range msgs {
		for _, block := range msg.Content {
			if block.Type == domain.BlockToolUse && isSkillTool(block.ToolName) && block.ToolUseID != "" {
				s.calls[block.ToolUseID] = true
			}
		}
	}
	return s
}

func isSkillTool(name string) bool {
	return strings.EqualFold(name, skillTool)
}

// callArguments rewrites {"skill":name,"args":a} into the shell-style
// {"command":"name a"} the upstream model expects.
func (s *skills) callArguments(block domain.ContentBlock) string {
	if !isSkillTool(block.ToolName) {
		return compactArguments(block.Arguments)
	}
	var in map[string]any
	if err := json.Unmarshal(block.Arguments, &in); err != nil {
		return compactArguments(block.Arguments)
	}
	name, ok := in["skill"].(string)
	if !ok {
		return compactArguments(block.Arguments)
	}
	if args, _ := in["args"].(string); args != "" {
		name += " " + args
	}
	out, err := json.Marshal(map[string]string{"command": name})
	if err != nil {
		return compactArguments(block.Arguments)
	}
	return string(out)
}

// result returns the output sent upstream for a tool result. A result that
// carries a skill definition is recorded and replaced by a short marker.
func (s *skills) result(block domain.ContentBlock) string {
	if !s.calls[block.ToolUseID] && !looksLikeSkill(block.Result) {
		return block.Result
	}
	name, body, ok := parseSkill(block.Result)
	if !ok {
		return block.Result
	}
	if !s.seen[name] {
		s.seen[name] = true
		s.blocks = append(s.blocks, fmt.Sprintf("<skill>\n<name>%s</name>\n<path>unknown</path>\n%s\n</skill>", name, body))
	}
	return fmt.Sprintf("Skill '%s' loaded.", name)
}

func looksLikeSkill(text string) bool {
	return strings.Contains(text, "<command-name>") || strings.Contains(text, "Base Path:")
}

// parseSkill reads the skill name from its <command-name> tag. The body is
// everything after the "Base Path:" line, or the whole text minus the tag.
func parseSkill(text string) (name, body string, ok bool) {
	const open, closing = "<command-name>", "</command-name>"
	start := strings.Index(text, open)
	if start < 0 {
		return "", "", false
	}
	rest := text[start+len(open):]
	end := strings.Index(rest, closing)
	if end < 0 {
		return "", "", false
	}
	name = strings.TrimLeft(strings.TrimSpace(rest[:end]), "/")

	if idx := strings.Index(text, "Base Path:"); idx >= 0 {
		nl := strings.IndexByte(text[idx:], '\n')
		if nl < 0 {
			return "", "", false
		}
		body = strings.TrimSpace(text[idx+nl:])
	} else {
		body = strings.ReplaceAll(text, open+name+closing, "")
		body = strings.TrimSpace(strings.ReplaceAll(body, open+"/"+name+closing, ""))
	}

	if name == "" || body == "" {
		return "", "", false
	}
	return name, body, true
}
