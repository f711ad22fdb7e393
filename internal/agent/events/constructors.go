package events

import (
	"encoding/json"
	"strings"
)

func NewSessionInit(sessionID, model string) Event {
	return Event{Type: TypeSessionInit, SessionInit: &SessionInit{SessionID: sessionID, Model: model}}
}

func NewAssistantMessage(text string, final bool) Event {
	return Event{Type: TypeAssistantMessage, AssistantMessage: &AssistantMessage{Text: text, IsFinal: final}}
}

func NewReasoning(text string) Event {
	return Event{Type: TypeAssistantReasoning, AssistantReasoning: &AssistantReasoning{Text: text}}
}

func NewToolStarted(id, name string, args json.RawMessage) Event {
	return Event{Type: TypeToolStarted, ToolStarted: &ToolStarted{ToolID: id, ToolName: name, Arguments: args}}
}

func NewToolCompleted(id string, success bool, result, errMsg string) Event {
	return Event{Type: TypeToolCompleted, ToolCompleted: &ToolCompleted{
		ToolID: id, Success: success, Result: result, Error: errMsg,
	}}
}

func NewFileChanged(path, op string) Event {
	return Event{Type: TypeFileChanged, FileChanged: &FileChanged{Path: path, Operation: op}}
}

func NewCommandOutput(out CommandOutput) Event {
	return Event{Type: TypeCommandOutput, CommandOutput: &out}
}

func NewTokenUsage(u Usage) Event {
	return Event{Type: TypeTokenUsage, TokenUsage: &u}
}

func NewTurnStarted() Event {
	return Event{Type: TypeTurnStarted}
}

func NewTurnCompleted(u Usage) Event {
	return Event{Type: TypeTurnCompleted, TurnCompleted: &TurnCompleted{Usage: u}}
}

func NewError(message string, fatal bool, raw json.RawMessage) Event {
	return Event{Type: TypeError, Error: &Error{Message: message, IsFatal: fatal, Raw: raw}}
}

func NewControlRequest(requestID, tool string, input json.RawMessage) Event {
	return Event{Type: TypeControlRequest, ControlRequest: &ControlRequest{
		RequestID: requestID, ToolName: tool, Input: input,
	}}
}

func NewRaw(backend string, payload json.RawMessage, note string) Event {
	return Event{Type: TypeRaw, Raw: &Raw{Backend: backend, Payload: payload, Note: note}}
}

// NewRawText carries a non-JSON output line. Invalid UTF-8 is replaced so
// the event survives a JSON round trip unchanged.
func NewRawText(backend, text, note string) Event {
	text = strings.ToValidUTF8(text, "\uFFFD")
	return Event{Type: TypeRaw, Raw: &Raw{Backend: backend, Text: text, Note: note}}
}

// IntPtr is a helper for CommandOutput.ExitCode literals.
func IntPtr(v int) *int { return &v }
