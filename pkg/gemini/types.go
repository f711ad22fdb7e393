// Package gemini provides the wire types of `gemini --output-format
// stream-json`.
package gemini

import "encoding/json"

// Event types
const (
	EventInit       = "init"
	EventMessage    = "message"
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventError      = "error"
	EventResult     = "result"
)

// Statuses used by tool_result and result events.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Event is one line of stream-json output. Field names vary slightly
// between CLI releases; both spellings are accepted for tool fields.
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`

	// init
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// message
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Delta   bool   `json:"delta,omitempty"`

	// tool_use
	ToolName   string          `json:"tool_name,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolID     string          `json:"tool_id,omitempty"`
	ID         string          `json:"id,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`

	// tool_result, result
	Status string          `json:"status,omitempty"`
	Output string          `json:"output,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`

	// error
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`

	// result
	Stats *Stats `json:"stats,omitempty"`
}

// Tool returns the tool name under either spelling.
func (e *Event) Tool() string {
	if e.ToolName != "" {
		return e.ToolName
	}
	return e.Name
}

// CallID returns the tool call id under either spelling.
func (e *Event) CallID() string {
	if e.ToolID != "" {
		return e.ToolID
	}
	return e.ID
}

// Args returns the tool arguments under either spelling.
func (e *Event) Args() json.RawMessage {
	if len(e.Parameters) > 0 {
		return e.Parameters
	}
	return e.Input
}

// ErrorMessage flattens the error field, which is either a string or an
// object with a message.
func (e *Event) ErrorMessage() string {
	if len(e.Error) == 0 {
		return e.Message
	}
	var s string
	if err := json.Unmarshal(e.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(e.Error)
}

// Stats is reported on the final result event.
type Stats struct {
	TotalTokens  int64 `json:"total_tokens"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Cached       int64 `json:"cached"`
	DurationMS   int64 `json:"duration_ms"`
	ToolCalls    int   `json:"tool_calls"`
}
