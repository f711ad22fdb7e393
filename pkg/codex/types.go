// Package codex provides the wire types of `codex exec --json`, which
// prints one thread event per line.
package codex

import "encoding/json"

// Event types
const (
	EventThreadStarted = "thread.started"
	EventTurnStarted   = "turn.started"
	EventTurnCompleted = "turn.completed"
	EventTurnFailed    = "turn.failed"
	EventItemStarted   = "item.started"
	EventItemUpdated   = "item.updated"
	EventItemCompleted = "item.completed"
	EventError         = "error"
)

// Item types
const (
	ItemAgentMessage     = "agent_message"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "command_execution"
	ItemFileChange       = "file_change"
	ItemMCPToolCall      = "mcp_tool_call"
	ItemWebSearch        = "web_search"
	ItemTodoList         = "todo_list"
	ItemError            = "error"
)

// Item statuses
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// File change kinds
const (
	ChangeAdd    = "add"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// ThreadEvent is one line of `codex exec --json` output.
type ThreadEvent struct {
	Type     string     `json:"type"`
	ThreadID string     `json:"thread_id,omitempty"`
	Item     *Item      `json:"item,omitempty"`
	Usage    *Usage     `json:"usage,omitempty"`
	Error    *ErrorInfo `json:"error,omitempty"`
	Message  string     `json:"message,omitempty"`
}

// Item is a unit of work inside a turn.
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`

	// agent_message, reasoning
	Text string `json:"text,omitempty"`

	// command_execution
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`

	// file_change
	Changes []FileUpdate `json:"changes,omitempty"`

	// mcp_tool_call
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`

	// web_search
	Query string `json:"query,omitempty"`

	// error items
	Message string `json:"message,omitempty"`
}

// FileUpdate is one path touched by a file_change item.
type FileUpdate struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// Usage is reported on turn.completed.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

// ErrorInfo carries a failure message.
type ErrorInfo struct {
	Message string `json:"message"`
}
