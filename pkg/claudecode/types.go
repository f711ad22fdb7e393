// Package claudecode provides the wire types of the Claude Code CLI
// stream-json protocol (stdout records, stdin user messages and control
// responses).
package claudecode

import "encoding/json"

// Message types from Claude Code CLI
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking or tool_use blocks
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool_result blocks (and echoes of prompts)
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message of a turn
	MessageTypeResult = "result"
	// MessageTypeStreamEvent carries partial deltas when
	// --include-partial-messages is set
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeControlRequest is a control request (permission, hook)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse acknowledges a control request we sent
	MessageTypeControlResponse = "control_response"
	// MessageTypeToolUse is a bare tool_use record outside an assistant
	// message, emitted by some wrappers and older CLI builds
	MessageTypeToolUse = "tool_use"
)

// System subtypes
const (
	SubtypeInit = "init"
)

// Control request subtypes
const (
	SubtypeCanUseTool = "can_use_tool"
)

// Content block types
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// Permission behaviors
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// CLIMessage represents messages from Claude Code CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For system messages
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// For assistant and user messages
	Message *Message `json:"message,omitempty"`

	// For stream_event messages
	Event *StreamEvent `json:"event,omitempty"`

	// For result messages. Result is a string on success and may be
	// absent on error.
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	Errors     []string        `json:"errors,omitempty"`

	// For bare tool_use records
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ResultText returns Result when it is a JSON string.
func (m *CLIMessage) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// Message is the body of assistant and user records.
type Message struct {
	ID         string      `json:"id,omitempty"`
	Role       string      `json:"role"`
	Model      string      `json:"model,omitempty"`
	Content    ContentList `json:"content,omitempty"`
	StopReason string      `json:"stop_reason,omitempty"`
	Usage      *Usage      `json:"usage,omitempty"`
}

// ContentList is a message's content. User records sometimes carry a
// plain string, which decodes as a single text block.
type ContentList []ContentBlock

// UnmarshalJSON accepts a list of blocks or a bare string.
func (c *ContentList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = ContentList{{Type: BlockText, Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// ContentBlock represents a block of content in a message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// For tool_result blocks. Content is a string or a list of text blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result block's content.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var parts []ContentBlock
	if err := json.Unmarshal(b.Content, &parts); err != nil {
		return string(b.Content)
	}
	var text string
	for _, p := range parts {
		if p.Type == BlockText {
			if text != "" {
				text += "\n"
			}
			text += p.Text
		}
	}
	return text
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// StreamEvent is a partial Anthropic API stream event.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`
	Delta *Delta `json:"delta,omitempty"`
}

// Delta is the payload of a content_block_delta event.
type Delta struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// ControlRequest is a control request from Claude Code CLI.
type ControlRequest struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage answers a control request on stdin. The request
// id lives inside the response object.
type ControlResponseMessage struct {
	Type     string          `json:"type"`
	Response ControlResponse `json:"response"`
}

// ControlResponse is the response to a control request.
type ControlResponse struct {
	Subtype   string            `json:"subtype"`
	RequestID string            `json:"request_id"`
	Response  *PermissionResult `json:"response,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// PermissionResult is the result for tool approval responses.
type PermissionResult struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// UserMessage is sent on stdin to provide a prompt.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody holds either a plain string or a list of content parts.
type UserMessageBody struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// InputPart is one element of a multi-part user message.
type InputPart struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource embeds an image as base64.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}
