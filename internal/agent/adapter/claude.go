package adapter

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/BoozeLee/conduit/internal/agent/events"
	"github.com/BoozeLee/conduit/internal/agent/process"
	"github.com/BoozeLee/conduit/internal/agent/stream"
	"github.com/BoozeLee/conduit/pkg/agent"
	"github.com/BoozeLee/conduit/pkg/claudecode"
)

// claudeUsage is the raw event type Expand derives from the usage snapshot
// attached to an assistant message.
const claudeUsage = "assistant.usage"

// ClaudeAdapter speaks the Claude Code stream-json protocol. One process
// serves the whole session; input and approval decisions go over stdin.
type ClaudeAdapter struct{}

// NewClaudeAdapter creates a Claude Code adapter.
func NewClaudeAdapter() *ClaudeAdapter { return &ClaudeAdapter{} }

func (a *ClaudeAdapter) Backend() agent.Backend { return agent.BackendClaude }

func (a *ClaudeAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsResume:       true,
		SupportsImages:       true,
		SupportsPlanMode:     true,
		SupportsToolApproval: true,
		StreamingInput:       true,
	}
}

func (a *ClaudeAdapter) BuildInvocation(sc SessionContext) (process.Spec, error) {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if sc.Model != "" {
		args = append(args, "--model", sc.Model)
	}
	if sc.ResumeID != "" {
		args = append(args, "--resume", sc.ResumeID)
	}
	if sc.PlanMode {
		args = append(args, "--permission-mode", "plan")
	}
	if len(sc.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(sc.AllowedTools, ","))
	}
	args = append(args, sc.ExtraArgs...)
	return process.Spec{
		Path: binaryOr(sc, "claude"),
		Args: args,
		Env:  sc.Env,
		Dir:  sc.WorkingDir,
	}, nil
}

// EncodeInput frames a user message. Images are read from disk and
// embedded as base64 content parts.
func (a *ClaudeAdapter) EncodeInput(in Input) ([]byte, error) {
	msg := claudecode.UserMessage{
		Type:    claudecode.MessageTypeUser,
		Message: claudecode.UserMessageBody{Role: "user", Content: in.Text},
	}
	if len(in.Images) > 0 {
		parts := make([]claudecode.InputPart, 0, len(in.Images)+1)
		for _, path := range in.Images {
			part, err := imagePart(path)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		if in.Text != "" {
			parts = append(parts, claudecode.InputPart{Type: claudecode.BlockText, Text: in.Text})
		}
		msg.Message.Content = parts
	}
	return appendNewline(json.Marshal(msg))
}

func imagePart(path string) (claudecode.InputPart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return claudecode.InputPart{}, fmt.Errorf("read image %s: %w", path, err)
	}
	mediaType := mime.TypeByExtension(filepath.Ext(path))
	if !strings.HasPrefix(mediaType, "image/") {
		mediaType = http.DetectContentType(data)
	}
	return claudecode.InputPart{
		Type: claudecode.BlockImage,
		Source: &claudecode.ImageSource{
			Type:      "base64",
			MediaType: mediaType,
			Data:      base64.StdEncoding.EncodeToString(data),
		},
	}, nil
}

func (a *ClaudeAdapter) EncodeControlResponse(req events.ControlRequest, allow bool) ([]byte, error) {
	result := &claudecode.PermissionResult{Behavior: claudecode.BehaviorDeny, Message: "denied by operator"}
	if allow {
		input := req.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		result = &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow, UpdatedInput: input}
	}
	return appendNewline(json.Marshal(claudecode.ControlResponseMessage{
		Type: claudecode.MessageTypeControlResponse,
		Response: claudecode.ControlResponse{
			Subtype:   "success",
			RequestID: req.RequestID,
			Response:  result,
		},
	}))
}

// Expand splits assistant and user messages into one raw event per content
// block. Everything else passes through whole.
func (a *ClaudeAdapter) Expand(msg stream.Message) ([]RawEvent, error) {
	var m claudecode.CLIMessage
	if err := json.Unmarshal(msg.Raw, &m); err != nil {
		return nil, err
	}
	if (m.Type == claudecode.MessageTypeAssistant || m.Type == claudecode.MessageTypeUser) &&
		m.Message != nil && len(m.Message.Content) > 0 {
		out := make([]RawEvent, 0, len(m.Message.Content))
		for i, block := range m.Message.Content {
			data, err := json.Marshal(block)
			if err != nil {
				return nil, err
			}
			out = append(out, RawEvent{
				Seq:   msg.Seq,
				Index: i,
				Type:  m.Type + "." + block.Type,
				Data:  data,
			})
		}
		if m.Type == claudecode.MessageTypeAssistant && m.Message.Usage != nil {
			data, err := json.Marshal(m.Message.Usage)
			if err != nil {
				return nil, err
			}
			out = append(out, RawEvent{Seq: msg.Seq, Index: len(out), Type: claudeUsage, Data: data})
		}
		return out, nil
	}
	rawType := m.Type
	if m.Subtype != "" {
		rawType += "." + m.Subtype
	}
	return []RawEvent{{Seq: msg.Seq, Type: rawType, Data: msg.Raw}}, nil
}

func (a *ClaudeAdapter) Translate(raw RawEvent) (*events.Event, error) {
	if raw.Type == claudeUsage {
		var u claudecode.Usage
		if err := json.Unmarshal(raw.Data, &u); err != nil {
			return nil, err
		}
		ev := events.NewTokenUsage(claudeUsageOf(&u))
		return &ev, nil
	}
	kind, _, _ := strings.Cut(raw.Type, ".")
	switch kind {
	case claudecode.MessageTypeAssistant, claudecode.MessageTypeUser:
		return a.translateBlock(kind, raw)
	}

	var m claudecode.CLIMessage
	if err := json.Unmarshal(raw.Data, &m); err != nil {
		return nil, err
	}
	switch m.Type {
	case claudecode.MessageTypeSystem:
		if m.Subtype != claudecode.SubtypeInit {
			return rawEvent(a.Backend(), raw, "unhandled system subtype"), nil
		}
		if m.SessionID == "" {
			return nil, fmt.Errorf("system init without session_id")
		}
		ev := events.NewSessionInit(m.SessionID, m.Model)
		return &ev, nil

	case claudecode.MessageTypeResult:
		return translateClaudeResult(&m), nil

	case claudecode.MessageTypeStreamEvent:
		if m.Event == nil || m.Event.Delta == nil {
			return nil, Drop("stream event without delta")
		}
		switch {
		case m.Event.Delta.Text != "":
			ev := events.NewAssistantMessage(m.Event.Delta.Text, false)
			return &ev, nil
		case m.Event.Delta.Thinking != "":
			ev := events.NewReasoning(m.Event.Delta.Thinking)
			return &ev, nil
		}
		return nil, Drop("empty %s delta", m.Event.Delta.Type)

	case claudecode.MessageTypeControlRequest:
		if m.Request == nil || m.Request.Subtype != claudecode.SubtypeCanUseTool {
			return rawEvent(a.Backend(), raw, "unhandled control request"), nil
		}
		if m.RequestID == "" {
			return nil, fmt.Errorf("control request without request_id")
		}
		ev := events.NewControlRequest(m.RequestID, m.Request.ToolName, m.Request.Input)
		return &ev, nil

	case claudecode.MessageTypeControlResponse:
		return nil, Drop("control response acknowledgement")

	case claudecode.MessageTypeToolUse:
		id := m.ID
		if id == "" {
			id = generatedToolID(m.Name, raw)
		}
		ev := events.NewToolStarted(id, m.Name, m.Input)
		return &ev, nil
	}
	return rawEvent(a.Backend(), raw, "unknown record type"), nil
}

func (a *ClaudeAdapter) translateBlock(kind string, raw RawEvent) (*events.Event, error) {
	var block claudecode.ContentBlock
	if err := json.Unmarshal(raw.Data, &block); err != nil {
		return nil, err
	}
	if kind == claudecode.MessageTypeUser {
		if block.Type != claudecode.BlockToolResult {
			return nil, Drop("user %s block echoes input", block.Type)
		}
		if block.ToolUseID == "" {
			return nil, fmt.Errorf("tool_result without tool_use_id")
		}
		text := block.ResultText()
		var ev events.Event
		if block.IsError {
			ev = events.NewToolCompleted(block.ToolUseID, false, "", text)
		} else {
			ev = events.NewToolCompleted(block.ToolUseID, true, text, "")
		}
		return &ev, nil
	}

	switch block.Type {
	case claudecode.BlockText:
		ev := events.NewAssistantMessage(block.Text, true)
		return &ev, nil
	case claudecode.BlockThinking:
		ev := events.NewReasoning(block.Thinking)
		return &ev, nil
	case claudecode.BlockToolUse:
		id := block.ID
		if id == "" {
			id = generatedToolID(block.Name, raw)
		}
		ev := events.NewToolStarted(id, block.Name, block.Input)
		return &ev, nil
	}
	return rawEvent(a.Backend(), raw, "unknown assistant block"), nil
}

func translateClaudeResult(m *claudecode.CLIMessage) *events.Event {
	if m.IsError || (m.Subtype != "" && m.Subtype != "success") {
		msg := m.ResultText()
		if len(m.Errors) > 0 {
			msg = strings.Join(m.Errors, "; ")
		}
		if msg == "" {
			msg = "turn failed: " + m.Subtype
		}
		ev := events.NewError(msg, true, nil)
		return &ev
	}
	var u events.Usage
	if m.Usage != nil {
		u = claudeUsageOf(m.Usage)
	}
	ev := events.NewTurnCompleted(u)
	return &ev
}

func claudeUsageOf(u *claudecode.Usage) events.Usage {
	out := events.Usage{
		Input:  u.InputTokens,
		Output: u.OutputTokens,
		Cached: u.CacheReadInputTokens,
	}
	out.Total = out.Input + out.Output
	return out
}

func rawEvent(backend agent.Backend, raw RawEvent, note string) *events.Event {
	ev := events.NewRaw(backend.String(), raw.Data, note)
	return &ev
}

func appendNewline(data []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
