// Package providers implements the LLM adapter layer: streaming requests
// in the anthropic or openai wire dialect, normalized into one canonical
// message shape that every downstream consumer assumes.
package providers

import (
	"strings"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Canonical stop reasons. OpenAI finish reasons are normalized into
// these at the adapter boundary (tool_calls → tool_use, length →
// max_tokens).
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
)

// ContentBlock is the tagged union of message content. Type selects
// which fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// text / thinking
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage tracks token consumption in the internal shape. Foreign shapes
// (prompt_tokens/completion_tokens) are mapped into this on arrival.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`

	// Synthetic marks usage that was reconstructed rather than reported
	// by the API (cache replay, compaction correction). Only the last
	// assistant message with non-synthetic usage is authoritative.
	Synthetic bool `json:"synthetic,omitempty"`
}

// TotalInput returns input tokens including cache reads and writes.
func (u *Usage) TotalInput() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// RebuildContext asks the conversation loop to rebuild its tool list,
// system prompt, and (optionally) message history before recursing. It
// is the only cross-cutting side effect the loop honors from a tool.
type RebuildContext struct {
	Reason         string `json:"reason"`
	NewMode        string `json:"newMode"`
	RebuildMessage string `json:"rebuildMessage,omitempty"`
}

// ControlSignal rides inside a tool-result user message.
type ControlSignal struct {
	RebuildContext *RebuildContext `json:"rebuildContext,omitempty"`
}

// Message is one conversation entry, user or assistant.
type Message struct {
	Role    string         `json:"role"`
	UUID    string         `json:"uuid"`
	Content []ContentBlock `json:"content"`

	// Assistant fields.
	Model      string `json:"model,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`

	// User fields.
	ToolUseResult bool           `json:"toolUseResult,omitempty"`
	ControlSignal *ControlSignal `json:"controlSignal,omitempty"`
}

// NewUserMessage builds a user message from content blocks.
func NewUserMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleUser, UUID: uuid.NewString(), Content: blocks}
}

// NewUserText builds a user message holding a single text block.
func NewUserText(text string) Message {
	return NewUserMessage(TextBlock(text))
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isErr bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isErr}
}

// Text concatenates the message's text blocks.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Thinking concatenates the message's thinking blocks.
func (m *Message) Thinking() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockThinking {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks in order of appearance.
func (m *Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// HasToolUse reports whether the message contains any tool_use block.
func (m *Message) HasToolUse() bool { return len(m.ToolUses()) > 0 }

// ToolDef is the wire-neutral tool definition handed to the adapter.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ModelProfile describes one configured model. Name is
// "${modelName}[${provider}]"; Adapt selects the wire dialect and may be
// empty, in which case the provider/model pattern table decides.
type ModelProfile struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	ModelName     string `json:"modelName"`
	BaseURL       string `json:"baseURL,omitempty"`
	APIKey        string `json:"apiKey"`
	MaxTokens     int    `json:"maxTokens"`
	ContextLength int    `json:"contextLength"`
	Adapt         string `json:"adapt,omitempty"` // "anthropic" or "openai"
}

// ProfileName builds the canonical profile name.
func ProfileName(modelName, provider string) string {
	return modelName + "[" + provider + "]"
}

// Dialect constants.
const (
	DialectAnthropic = "anthropic"
	DialectOpenAI    = "openai"
)

// Dialect resolves the wire dialect for the profile: explicit adapt
// wins, then the provider/model pattern table, defaulting to openai.
func (p *ModelProfile) Dialect() string {
	switch p.Adapt {
	case DialectAnthropic, DialectOpenAI:
		return p.Adapt
	}
	switch strings.ToLower(p.Provider) {
	case "anthropic":
		return DialectAnthropic
	case "openrouter":
		if strings.HasPrefix(p.ModelName, "anthropic/") {
			return DialectAnthropic
		}
	}
	if strings.HasPrefix(strings.ToLower(p.ModelName), "claude") {
		return DialectAnthropic
	}
	return DialectOpenAI
}

// Request is the adapter input for one streaming call.
type Request struct {
	Messages       []Message
	SystemPrompt   []string // text blocks; concatenated for openai
	Tools          []ToolDef
	Profile        ModelProfile
	EnableThinking bool
	// Stream gates message:*:chunk emission; accumulation always streams.
	Stream  bool
	AgentID string
	// MaxTokens overrides the profile value when > 0.
	MaxTokens int
	// Temperature overrides the default main-query temperature when set.
	Temperature *float64
	// DisableCache bypasses the LLM cache for this call (used by the
	// permission engine's prefix extraction).
	DisableCache bool
}

// GenerateUUID returns a fresh message id.
func GenerateUUID() string { return uuid.NewString() }
