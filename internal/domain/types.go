package domain

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// APIType identifies a client dialect.
type APIType string

const (
	APITypeAnthropic APIType = "anthropic"
	APITypeOpenAI    APIType = "openai"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// BlockType tags the populated variant of a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// Request is a client request decoded from either dialect.
type Request struct {
	Dialect   APIType   `json:"dialect"`
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []Tool    `json:"tools,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	Stream    bool      `json:"stream"`

	// ToolChoice is the client's tool-choice mode ("auto", "any", "none", or a tool name).
	ToolChoice string `json:"tool_choice,omitempty"`

	// ReasoningEffort is an explicit effort tier requested by the client, if any.
	ReasoningEffort string `json:"reasoning_effort,omitempty"`

	// AnthropicVersion is the version header the client sent, forwarded upstream.
	AnthropicVersion string `json:"-"`

	// UserAgent is the User-Agent header from the incoming request.
	UserAgent string `json:"-"`
}

// ImageCount returns the number of image blocks across all messages.
func (r *Request) ImageCount() int {
	n := 0
	for _, m := range r.Messages {
		for _, b := range m.Content {
			if b.Type == BlockImage {
				n++
			}
		}
	}
	return n
}

// Message is one turn of the conversation. Block order is significant.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a tagged variant; exactly the fields of Type are populated.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// BlockText, BlockThinking
	Text string `json:"text,omitempty"`

	// BlockImage
	Image *ImageReference `json:"image,omitempty"`

	// BlockToolUse: ToolUseID, ToolName, Arguments. BlockToolResult: ToolUseID, Result, IsError.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock builds an image content block.
func ImageBlock(ref *ImageReference) ContentBlock {
	return ContentBlock{Type: BlockImage, Image: ref}
}

// ImageSourceKind tags the populated variant of an ImageReference.
type ImageSourceKind string

const (
	ImageInlineBase64 ImageSourceKind = "inline_base64"
	ImageDataURL      ImageSourceKind = "data_url"
	ImageRemoteURL    ImageSourceKind = "remote_url"
	ImageLocalPath    ImageSourceKind = "local_path"
	ImageURLObject    ImageSourceKind = "image_url_object"
)

// ImageReference is one of the accepted image encodings.
type ImageReference struct {
	Kind ImageSourceKind `json:"kind"`

	// MediaType is the declared media type, if the client supplied one.
	MediaType string `json:"media_type,omitempty"`

	// Data is the base64 payload of an inline image.
	Data string `json:"data,omitempty"`

	// URL is the data, remote or wrapped URL.
	URL string `json:"url,omitempty"`

	// Path is a filesystem path or file:// URI.
	Path string `json:"path,omitempty"`

	// Detail is the client's requested image detail, if any.
	Detail string `json:"detail,omitempty"`
}

// IsCanonical reports whether the reference is already a data URL.
func (r *ImageReference) IsCanonical() bool {
	return r != nil && r.Kind == ImageDataURL && strings.HasPrefix(r.URL, "data:")
}

// CanonicalImage is the normalized form every image reference resolves to.
type CanonicalImage struct {
	MediaType string
	Bytes     []byte
}

// DataURL renders the image as a data URL with an explicit media type.
func (c *CanonicalImage) DataURL() string {
	return "data:" + c.MediaType + ";base64," + base64.StdEncoding.EncodeToString(c.Bytes)
}

// Reference returns the image as a canonical data_url reference.
func (c *CanonicalImage) Reference(detail string) *ImageReference {
	return &ImageReference{
		Kind:      ImageDataURL,
		MediaType: c.MediaType,
		URL:       c.DataURL(),
		Detail:    detail,
	}
}

// ToolFamily classifies a declared tool by what it does.
type ToolFamily string

const (
	ToolFamilyShell         ToolFamily = "shell"
	ToolFamilyApplyPatch    ToolFamily = "apply_patch"
	ToolFamilyListResources ToolFamily = "list_resources"
	ToolFamilyUpdatePlan    ToolFamily = "update_plan"
	ToolFamilyFunction      ToolFamily = "function"
)

// Tool is a tool definition from either dialect.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Required    []string       `json:"required,omitempty"`
}

// Family classifies the tool by name.
func (t Tool) Family() ToolFamily {
	name := strings.ToLower(t.Name)
	switch {
	case name == "shell" || name == "bash" || name == "local_shell" ||
		strings.HasPrefix(name, "shell_") || strings.HasSuffix(name, "_shell") || name == "exec_command":
		return ToolFamilyShell
	case name == "apply_patch" || strings.Contains(name, "patch"):
		return ToolFamilyApplyPatch
	case name == "list_mcp_resources" || name == "list_resources" || strings.HasSuffix(name, "list_resources"):
		return ToolFamilyListResources
	case name == "update_plan" || name == "todowrite" || name == "todo_write":
		return ToolFamilyUpdatePlan
	default:
		return ToolFamilyFunction
	}
}

// Usage is token usage reported by the upstream.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
