// Package tokens estimates input token counts for the count_tokens endpoint.
package tokens

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/codex-relay/internal/domain"
)

// Structural overheads, in tokens, added on top of encoded text.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	tokensPerToolUse = 3
	tokensPerResult  = 2
	tokensPerTool    = 7
	tokensPriming    = 3

	// imageTokens is a flat charge per image; the upstream bills images by
	// tile and the relay does not decode dimensions.
	imageTokens = 85
)

// Result is a token count.
type Result struct {
	InputTokens int
	// Estimated is true when the character estimator was used.
	Estimated bool
}

// Counter counts tokens with the o200k encoding used by the upstream model
// family. If the encoding cannot be loaded it falls back to the estimator.
type Counter struct {
	once     sync.Once
	codec    tokenizer.Codec
	fallback *Estimator
}

// NewCounter creates a counter. The encoding is loaded on first use.
func NewCounter() *Counter {
	return &Counter{fallback: NewEstimator()}
}

func (c *Counter) load() tokenizer.Codec {
	c.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.O200kBase)
		if err == nil {
			c.codec = codec
		}
	})
	return c.codec
}

// Count returns the input token count of req. The result is always at
// least one.
func (c *Counter) Count(req *domain.Request) Result {
	codec := c.load()
	if codec == nil {
		return c.fallback.Count(req)
	}

	encode := func(s string) int {
		if s == "" {
			return 0
		}
		ids, _, err := codec.Encode(s)
		if err != nil {
			return c.fallback.text(s)
		}
		return len(ids)
	}

	total := 0
	if req.System != "" {
		total += tokensPerMessage + tokensPerRole + encode(req.System)
	}

	for _, msg := range req.Messages {
		total += tokensPerMessage + tokensPerRole
		for _, b := range msg.Content {
			switch b.Type {
			case domain.BlockText, domain.BlockThinking:
				total += encode(b.Text)
			case domain.BlockImage:
				total += imageTokens
			case domain.BlockToolUse:
				total += encode(b.ToolName) + encode(string(b.Arguments)) + tokensPerToolUse
			case domain.BlockToolResult:
				total += encode(b.Result) + tokensPerResult
			}
		}
	}

	for _, tool := range req.Tools {
		total += encode(tool.Name) + encode(tool.Description) + tokensPerTool
		if tool.Parameters != nil {
			params, _ := json.Marshal(tool.Parameters)
			total += encode(string(params))
		}
	}

	total += tokensPriming
	return Result{InputTokens: max(total, 1)}
}

// Estimator approximates token counts from character length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

func (e *Estimator) ratio() float64 {
	if e.CharsPerToken <= 0 {
		return 4.0
	}
	return e.CharsPerToken
}

func (e *Estimator) text(s string) int {
	return int(float64(len(s)) / e.ratio())
}

// Count estimates the token count of req.
func (e *Estimator) Count(req *domain.Request) Result {
	var sb strings.Builder
	sb.WriteString(req.System)

	images := 0
	for _, msg := range req.Messages {
		sb.WriteString(string(msg.Role))
		// role tokens + separators
		sb.WriteString("    ")
		for _, b := range msg.Content {
			switch b.Type {
			case domain.BlockImage:
				images++
			case domain.BlockToolUse:
				sb.WriteString(b.ToolName)
				sb.Write(b.Arguments)
			case domain.BlockToolResult:
				sb.WriteString(b.Result)
			default:
				sb.WriteString(b.Text)
			}
		}
	}

	tokens := e.text(sb.String()) + images*imageTokens
	for _, tool := range req.Tools {
		// Schema overhead is a rough constant.
		tokens += e.text(tool.Name+tool.Description) + int(50/e.ratio())
	}
	return Result{InputTokens: max(tokens, 1), Estimated: true}
}
