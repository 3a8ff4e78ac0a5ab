// Package models holds the wire and in-memory record types shared across
// the agent loop, the sandbox controller, and the web transport.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role discriminates the four message kinds a Conversation can hold.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRequest is a model-originated request to invoke a tool.
// Arguments are kept as a raw JSON-encoded object so they can be replayed
// to the model gateway byte-for-byte on a later turn.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// BlockType discriminates the content-block sum type carried by tool
// messages.
type BlockType string

const (
	BlockText            BlockType = "text"
	BlockImage           BlockType = "image"
	BlockInteractivePlot BlockType = "interactive_plot"
)

// ContentBlock is one unit of structured tool output. Exactly one of the
// fields is meaningful, selected by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text holds the block's text for Type == BlockText.
	Text string `json:"text,omitempty"`

	// MIME and Data hold an image's content type ("image/png" or
	// "image/jpeg") and base64-encoded bytes for Type == BlockImage.
	MIME string `json:"mime,omitempty"`
	Data string `json:"data,omitempty"`

	// HTML holds a self-contained interactive-plot fragment for
	// Type == BlockInteractivePlot.
	HTML string `json:"html,omitempty"`
}

// TextBlock builds a BlockText content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock builds a BlockImage content block, inferring MIME type from
// the base64 payload's magic-byte prefix: a PNG signature base64-encodes to
// "iVBOR…", anything else is treated as JPEG.
func ImageBlock(base64Data string) ContentBlock {
	mime := "image/jpeg"
	if strings.HasPrefix(base64Data, "iVBOR") {
		mime = "image/png"
	}
	return ContentBlock{Type: BlockImage, MIME: mime, Data: base64Data}
}

// DataURL renders an image block as a data: URL suitable for an <img src>.
func (b ContentBlock) DataURL() string {
	if b.Type != BlockImage {
		return ""
	}
	return fmt.Sprintf("data:%s;base64,%s", b.MIME, b.Data)
}

// PlotBlock builds a BlockInteractivePlot content block.
func PlotBlock(html string) ContentBlock {
	return ContentBlock{Type: BlockInteractivePlot, HTML: html}
}

// ToolContent is a tool message's content body: either a single plain
// string (the "text" shape preserved for models that reject block lists)
// or a non-empty ordered list of content blocks. Exactly one of the two
// fields is set.
type ToolContent struct {
	Text   *string        `json:"text,omitempty"`
	Blocks []ContentBlock `json:"blocks,omitempty"`
}

// PlainToolContent wraps a bare string as tool content.
func PlainToolContent(text string) ToolContent {
	return ToolContent{Text: &text}
}

// BlockToolContent wraps a content-block list as tool content.
func BlockToolContent(blocks []ContentBlock) ToolContent {
	return ToolContent{Blocks: blocks}
}

// Message is a tagged record over the four roles a Conversation holds.
// Only the fields meaningful to Role are populated:
//   - system/user: Text
//   - assistant: Text (optional) and/or ToolCalls (optional, ordered)
//   - tool: ToolCallID and Content
type Message struct {
	Role Role `json:"role"`

	// Text is the plain-text body for system, user, and assistant messages.
	Text string `json:"text,omitempty"`

	// ToolCalls is the ordered set of tool-call requests an assistant
	// message makes. Empty/nil means the assistant produced a final
	// response with no further action requested.
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`

	// ToolCallID identifies which assistant tool call a tool message
	// answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Content is the tool message's result body.
	Content ToolContent `json:"content,omitempty"`

	// Opaque holds gateway-native message fields (e.g. reasoning or
	// signature blobs) as raw bytes and is kept on append. The OpenAI
	// gateway neither fills it from a completion nor sends it back to the
	// model, so it is nil on every message that gateway produces.
	Opaque json.RawMessage `json:"opaque,omitempty"`
}

// NewSystemMessage builds a system message.
func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Text: text}
}

// NewUserMessage builds a user message.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// NewAssistantMessage builds an assistant message with optional text and
// tool calls.
func NewAssistantMessage(text string, toolCalls []ToolCallRequest) Message {
	return Message{Role: RoleAssistant, Text: text, ToolCalls: toolCalls}
}

// NewToolMessage builds a tool message answering toolCallID.
func NewToolMessage(toolCallID string, content ToolContent) Message {
	return Message{Role: RoleTool, ToolCallID: toolCallID, Content: content}
}

// HasToolCalls reports whether an assistant message requested any tool
// calls; the loop's termination condition is the negation of this.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// Conversation is the per-user ordered list of Messages plus the
// cumulative token counter tracked alongside it.
type Conversation struct {
	Messages         []Message
	CumulativeTokens int
}

// BeginsWithSystem reports whether the first message, if any, has role
// system (invariant I3).
func (c *Conversation) BeginsWithSystem() bool {
	return len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem
}

// EnsureSystemPrompt prepends prompt as a system message unless the
// conversation already begins with one (system-prompt idempotence).
func (c *Conversation) EnsureSystemPrompt(prompt string) {
	if len(c.Messages) == 0 || c.Messages[0].Role != RoleSystem {
		c.Messages = append([]Message{NewSystemMessage(prompt)}, c.Messages...)
	}
}

// Append adds msg to the conversation.
func (c *Conversation) Append(msg Message) {
	c.Messages = append(c.Messages, msg)
}

// Clear truncates the message list without touching the token counter's
// sibling Controller (callers that also need to reset the sandbox must do
// so separately; see registry.SessionStart).
func (c *Conversation) Clear() {
	c.Messages = nil
}

// AddUsage folds a newly observed token usage into the running total. The
// counter is monotonically non-decreasing: usage deltas are always
// additive, never a replacement.
func (c *Conversation) AddUsage(delta int) {
	if delta > 0 {
		c.CumulativeTokens += delta
	}
}
