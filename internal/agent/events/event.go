// Package events defines the unified event model every backend is
// translated into. It is the only vocabulary downstream consumers (session
// state machine, subscribers, recorder) understand.
package events

import (
	"encoding/json"
	"fmt"
)

// Type identifies the variant carried by an Event.
type Type string

// Event type constants. The set is closed: Validate rejects anything else.
const (
	// TypeSessionInit announces the backend-side session id and model.
	TypeSessionInit Type = "session_init"

	// TypeAssistantMessage carries assistant text. IsFinal is false for
	// streaming deltas.
	TypeAssistantMessage Type = "assistant_message"

	// TypeAssistantReasoning carries thinking / chain-of-thought text.
	TypeAssistantReasoning Type = "assistant_reasoning"

	// TypeToolStarted opens a tool invocation keyed by tool id.
	TypeToolStarted Type = "tool_started"

	// TypeToolCompleted resolves a tool invocation.
	TypeToolCompleted Type = "tool_completed"

	// TypeFileChanged reports a file touched by the agent.
	TypeFileChanged Type = "file_changed"

	// TypeCommandOutput carries shell command output, possibly streamed.
	TypeCommandOutput Type = "command_output"

	// TypeTokenUsage reports usage for the turn in progress.
	TypeTokenUsage Type = "token_usage"

	// TypeTurnStarted marks input having been forwarded to the backend.
	TypeTurnStarted Type = "turn_started"

	// TypeTurnCompleted ends a turn cleanly.
	TypeTurnCompleted Type = "turn_completed"

	// TypeError reports a failure. Fatal errors end the turn.
	TypeError Type = "error"

	// TypeControlRequest asks the user to approve a tool call.
	TypeControlRequest Type = "control_request"

	// TypeRaw preserves backend data that has no unified equivalent.
	TypeRaw Type = "raw"
)

// Event is one unified event. Exactly one payload pointer matching Type is
// set; TurnStarted carries no payload.
type Event struct {
	Type Type `json:"type"`

	SessionInit        *SessionInit        `json:"session_init,omitempty"`
	AssistantMessage   *AssistantMessage   `json:"assistant_message,omitempty"`
	AssistantReasoning *AssistantReasoning `json:"assistant_reasoning,omitempty"`
	ToolStarted        *ToolStarted        `json:"tool_started,omitempty"`
	ToolCompleted      *ToolCompleted      `json:"tool_completed,omitempty"`
	FileChanged        *FileChanged        `json:"file_changed,omitempty"`
	CommandOutput      *CommandOutput      `json:"command_output,omitempty"`
	TokenUsage         *Usage              `json:"token_usage,omitempty"`
	TurnCompleted      *TurnCompleted      `json:"turn_completed,omitempty"`
	Error              *Error              `json:"error,omitempty"`
	ControlRequest     *ControlRequest     `json:"control_request,omitempty"`
	Raw                *Raw                `json:"raw,omitempty"`
}

// SessionInit is emitted once the backend reports its own session id.
type SessionInit struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
}

type AssistantMessage struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type AssistantReasoning struct {
	Text string `json:"text"`
}

type ToolStarted struct {
	ToolID    string          `json:"tool_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCompleted resolves the invocation opened by the ToolStarted with the
// same ToolID. Orphan is set downstream when no such invocation was open.
type ToolCompleted struct {
	ToolID  string `json:"tool_id"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Orphan  bool   `json:"orphan,omitempty"`
}

// File operations reported by FileChanged.
const (
	FileCreated  = "create"
	FileModified = "modify"
	FileDeleted  = "delete"
)

type FileChanged struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
}

// CommandOutput carries output for one command. Streaming chunks for the
// same CommandID are appended to each other by consumers.
type CommandOutput struct {
	CommandID   string `json:"command_id,omitempty"`
	Command     string `json:"command"`
	Output      string `json:"output"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	IsStreaming bool   `json:"is_streaming"`
}

// Key returns the identity used to coalesce streaming chunks.
func (c *CommandOutput) Key() string {
	if c.CommandID != "" {
		return c.CommandID
	}
	return c.Command
}

// Usage is a token count snapshot.
type Usage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Cached int64 `json:"cached"`
	Total  int64 `json:"total"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		Input:  u.Input + o.Input,
		Output: u.Output + o.Output,
		Cached: u.Cached + o.Cached,
		Total:  u.Total + o.Total,
	}
}

type TurnCompleted struct {
	Usage Usage `json:"usage"`
}

type Error struct {
	Message string          `json:"message"`
	IsFatal bool            `json:"is_fatal"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

type ControlRequest struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// Raw keeps an untranslatable payload for audit. Payload holds JSON when
// the backend produced JSON; Text holds anything else.
type Raw struct {
	Backend string          `json:"backend"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Text    string          `json:"text,omitempty"`
	Note    string          `json:"note,omitempty"`
}

// IsTerminal reports whether the event ends a running turn.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case TypeTurnCompleted:
		return true
	case TypeError:
		return e.Error != nil && e.Error.IsFatal
	}
	return false
}

// Validate checks that the payload matches the type.
func (e Event) Validate() error {
	set := 0
	for _, p := range []bool{
		e.SessionInit != nil, e.AssistantMessage != nil, e.AssistantReasoning != nil,
		e.ToolStarted != nil, e.ToolCompleted != nil, e.FileChanged != nil,
		e.CommandOutput != nil, e.TokenUsage != nil, e.TurnCompleted != nil,
		e.Error != nil, e.ControlRequest != nil, e.Raw != nil,
	} {
		if p {
			set++
		}
	}

	var ok bool
	switch e.Type {
	case TypeTurnStarted:
		return expectPayloads(e.Type, set, 0)
	case TypeSessionInit:
		ok = e.SessionInit != nil
	case TypeAssistantMessage:
		ok = e.AssistantMessage != nil
	case TypeAssistantReasoning:
		ok = e.AssistantReasoning != nil
	case TypeToolStarted:
		ok = e.ToolStarted != nil && e.ToolStarted.ToolID != ""
	case TypeToolCompleted:
		ok = e.ToolCompleted != nil && e.ToolCompleted.ToolID != ""
	case TypeFileChanged:
		ok = e.FileChanged != nil
	case TypeCommandOutput:
		ok = e.CommandOutput != nil
	case TypeTokenUsage:
		ok = e.TokenUsage != nil
	case TypeTurnCompleted:
		ok = e.TurnCompleted != nil
	case TypeError:
		ok = e.Error != nil
	case TypeControlRequest:
		ok = e.ControlRequest != nil && e.ControlRequest.RequestID != ""
	case TypeRaw:
		ok = e.Raw != nil
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if !ok {
		return fmt.Errorf("event %q is missing its payload", e.Type)
	}
	return expectPayloads(e.Type, set, 1)
}

func expectPayloads(t Type, got, want int) error {
	if got != want {
		return fmt.Errorf("event %q carries %d payloads, want %d", t, got, want)
	}
	return nil
}
