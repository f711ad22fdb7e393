package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BoozeLee/conduit/internal/agent/events"
	"github.com/BoozeLee/conduit/internal/agent/process"
	"github.com/BoozeLee/conduit/internal/agent/stream"
	"github.com/BoozeLee/conduit/pkg/agent"
	"github.com/BoozeLee/conduit/pkg/gemini"
)

// GeminiAdapter drives `gemini -p --output-format stream-json`, one
// process per turn.
type GeminiAdapter struct{}

// NewGeminiAdapter creates a Gemini CLI adapter.
func NewGeminiAdapter() *GeminiAdapter { return &GeminiAdapter{} }

func (a *GeminiAdapter) Backend() agent.Backend { return agent.BackendGemini }

func (a *GeminiAdapter) Capabilities() Capabilities {
	return Capabilities{SupportsResume: true}
}

func (a *GeminiAdapter) BuildInvocation(sc SessionContext) (process.Spec, error) {
	if strings.TrimSpace(sc.Input.Text) == "" {
		return process.Spec{}, fmt.Errorf("gemini requires a prompt for every turn")
	}
	// The prompt is attached to its flag so text starting with "-" is not
	// parsed as another option.
	args := []string{"--prompt=" + sc.Input.Text, "--output-format", "stream-json"}
	if sc.Model != "" {
		args = append(args, "-m", sc.Model)
	}
	if sc.ResumeID != "" {
		args = append(args, "--resume", sc.ResumeID)
	}
	args = append(args, sc.ExtraArgs...)
	return process.Spec{
		Path: binaryOr(sc, "gemini"),
		Args: args,
		Env:  sc.Env,
		Dir:  sc.WorkingDir,
	}, nil
}

func (a *GeminiAdapter) EncodeInput(Input) ([]byte, error) {
	return nil, ErrNoStreamingInput
}

func (a *GeminiAdapter) EncodeControlResponse(events.ControlRequest, bool) ([]byte, error) {
	return nil, ErrNoStreamingInput
}

func (a *GeminiAdapter) Expand(msg stream.Message) ([]RawEvent, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg.Raw, &head); err != nil {
		return nil, err
	}
	return []RawEvent{{Seq: msg.Seq, Type: head.Type, Data: msg.Raw}}, nil
}

func (a *GeminiAdapter) Translate(raw RawEvent) (*events.Event, error) {
	var e gemini.Event
	if err := json.Unmarshal(raw.Data, &e); err != nil {
		return nil, err
	}
	var ev events.Event
	switch e.Type {
	case gemini.EventInit:
		if e.SessionID == "" {
			return nil, fmt.Errorf("init without session_id")
		}
		ev = events.NewSessionInit(e.SessionID, e.Model)
	case gemini.EventMessage:
		if e.Role == "user" {
			return nil, Drop("user message echoes input")
		}
		ev = events.NewAssistantMessage(e.Content, !e.Delta)
	case gemini.EventToolUse:
		id := e.CallID()
		if id == "" {
			id = generatedToolID(e.Tool(), raw)
		}
		ev = events.NewToolStarted(id, e.Tool(), e.Args())
	case gemini.EventToolResult:
		if e.CallID() == "" {
			return nil, fmt.Errorf("tool_result without tool id")
		}
		if e.Status == gemini.StatusError {
			ev = events.NewToolCompleted(e.CallID(), false, "", e.ErrorMessage())
		} else {
			ev = events.NewToolCompleted(e.CallID(), true, e.Output, "")
		}
	case gemini.EventError:
		ev = events.NewError(e.ErrorMessage(), false, raw.Data)
	case gemini.EventResult:
		if e.Status == gemini.StatusError {
			msg := e.ErrorMessage()
			if msg == "" {
				msg = "turn failed"
			}
			ev = events.NewError(msg, true, raw.Data)
			break
		}
		var u events.Usage
		if e.Stats != nil {
			u = events.Usage{
				Input:  e.Stats.InputTokens,
				Output: e.Stats.OutputTokens,
				Cached: e.Stats.Cached,
				Total:  e.Stats.TotalTokens,
			}
		}
		ev = events.NewTurnCompleted(u)
	default:
		return rawEvent(a.Backend(), raw, "unknown record type"), nil
	}
	return &ev, nil
}
