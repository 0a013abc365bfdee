// Package llm provides the transport to the language model: streaming and
// unary message calls with structured content blocks.
package llm

import "encoding/json"

// Roles in the message log.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons surfaced to the orchestrator. Anything other than
// StopToolUse terminates the loop.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// Block is one structured content block within a message.
type Block struct {
	Type string `json:"type"`

	// Text payload for BlockText.
	Text string `json:"text,omitempty"`

	// Tool-use fields for BlockToolUse.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool-result fields for BlockToolResult.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ToolResultBlock builds a tool_result block.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one entry in the per-request message log.
type Message struct {
	Role   string  `json:"role"`
	Blocks []Block `json:"content"`
}

// TextMessage builds a single-text-block message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Blocks: []Block{TextBlock(text)}}
}

// ToolDef is a tool definition passed to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is one model invocation.
type Request struct {
	Model     string
	MaxTokens int
	System    string
	Messages  []Message
	Tools     []ToolDef

	// OnProgress, when set, selects the streaming mode: incremental text
	// deltas are delivered as they arrive.
	OnProgress func(chunk string)
}

// FinalMessage is the fully assembled assistant response.
type FinalMessage struct {
	Blocks     []Block
	StopReason string
}

// Text returns the concatenated text blocks.
func (m *FinalMessage) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks in emission order.
func (m *FinalMessage) ToolUses() []Block {
	var uses []Block
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}
