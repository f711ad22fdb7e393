// Package adapter translates each backend's raw protocol into unified
// events and builds the command line used to launch it.
//
// Adding a backend means adding an Adapter implementation and a case in
// New; shared code never branches on the backend.
package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BoozeLee/conduit/internal/agent/events"
	"github.com/BoozeLee/conduit/internal/agent/process"
	"github.com/BoozeLee/conduit/internal/agent/stream"
	"github.com/BoozeLee/conduit/pkg/agent"
)

// Capabilities describes optional backend features.
type Capabilities struct {
	SupportsResume       bool `json:"supports_resume"`
	SupportsImages       bool `json:"supports_images"`
	SupportsPlanMode     bool `json:"supports_plan_mode"`
	SupportsToolApproval bool `json:"supports_tool_approval"`
	// StreamingInput backends keep one process per session and take
	// follow-up input on stdin. Others are spawned once per turn.
	StreamingInput bool `json:"streaming_input"`
}

// Input is one user submission.
type Input struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

// SessionContext is everything needed to build an invocation.
type SessionContext struct {
	WorkingDir string
	Model      string
	// Input is passed on the command line by per-turn backends and
	// ignored by streaming ones.
	Input        Input
	ResumeID     string
	PlanMode     bool
	Binary       string
	ExtraArgs    []string
	AllowedTools []string
	Env          []string
}

// RawEvent is one backend record, or one part of a compound record, ready
// for translation.
type RawEvent struct {
	Seq   int64           `json:"seq"`
	Index int             `json:"index"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

// DropError marks an intentional, logged drop of a raw event.
type DropError struct {
	Reason string
}

func (e *DropError) Error() string { return "dropped: " + e.Reason }

// Drop returns a *DropError.
func Drop(format string, args ...any) error {
	return &DropError{Reason: fmt.Sprintf(format, args...)}
}

// ErrNoStreamingInput is returned by EncodeInput on per-turn backends.
var ErrNoStreamingInput = errors.New("backend does not accept input on stdin")

// Adapter is implemented once per backend.
type Adapter interface {
	Backend() agent.Backend
	Capabilities() Capabilities
	BuildInvocation(sc SessionContext) (process.Spec, error)
	// EncodeInput frames a follow-up input for stdin.
	EncodeInput(in Input) ([]byte, error)
	// EncodeControlResponse frames an approval decision for stdin.
	EncodeControlResponse(req events.ControlRequest, allow bool) ([]byte, error)
	// Expand splits one decoded line into raw events. Most lines yield
	// exactly one.
	Expand(msg stream.Message) ([]RawEvent, error)
	// Translate maps one raw event to at most one unified event. It is
	// pure and must not block. A *DropError is an intentional drop.
	Translate(raw RawEvent) (*events.Event, error)
}

// New returns the adapter for backend.
func New(backend agent.Backend) (Adapter, error) {
	switch backend {
	case agent.BackendClaude:
		return NewClaudeAdapter(), nil
	case agent.BackendCodex:
		return NewCodexAdapter(), nil
	case agent.BackendGemini:
		return NewGeminiAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// Outcome is what happened to one raw event.
type Outcome struct {
	Raw     RawEvent
	Event   *events.Event
	Dropped string
}

// TranslateLine runs one decoded line through a. Every raw event yields
// either an event or a drop reason. Failures become non-fatal Error events
// carrying the offending payload.
func TranslateLine(a Adapter, msg stream.Message) []Outcome {
	backend := a.Backend().String()
	switch msg.Kind {
	case stream.KindText:
		ev := events.NewRawText(backend, msg.Text, "non-JSON output line")
		return []Outcome{{Raw: RawEvent{Seq: msg.Seq, Type: "text"}, Event: &ev}}
	case stream.KindOversized:
		ev := events.NewRawText(backend, msg.Text, fmt.Sprintf("line of %d bytes truncated", msg.Size))
		return []Outcome{{Raw: RawEvent{Seq: msg.Seq, Type: "oversized"}, Event: &ev}}
	}

	raws, err := a.Expand(msg)
	if err != nil {
		ev := events.NewError(fmt.Sprintf("unparseable %s record: %v", backend, err), false, msg.Raw)
		return []Outcome{{Raw: RawEvent{Seq: msg.Seq, Type: "invalid", Data: msg.Raw}, Event: &ev}}
	}

	out := make([]Outcome, 0, len(raws))
	for _, raw := range raws {
		out = append(out, translateOne(a, backend, raw))
	}
	return out
}

func translateOne(a Adapter, backend string, raw RawEvent) Outcome {
	ev, err := a.Translate(raw)
	var drop *DropError
	switch {
	case errors.As(err, &drop):
		return Outcome{Raw: raw, Dropped: drop.Reason}
	case err != nil:
		e := events.NewError(fmt.Sprintf("failed to translate %s %s record: %v", backend, raw.Type, err), false, raw.Data)
		return Outcome{Raw: raw, Event: &e}
	case ev == nil:
		return Outcome{Raw: raw, Dropped: "translator produced no event"}
	}
	if verr := ev.Validate(); verr != nil {
		e := events.NewError(fmt.Sprintf("invalid %s event from %s record: %v", ev.Type, raw.Type, verr), false, raw.Data)
		return Outcome{Raw: raw, Event: &e}
	}
	return Outcome{Raw: raw, Event: ev}
}

// ExitEvent synthesizes the terminal event for a process that ended while
// a turn was still running: a fatal error for a non-zero exit, otherwise
// a bare TurnCompleted.
func ExitEvent(backend agent.Backend, exit process.Exit, stderrTail []string) events.Event {
	if exit.Success() {
		return events.NewTurnCompleted(events.Usage{})
	}
	msg := fmt.Sprintf("%s exited with code %d before completing the turn", backend, exit.Code)
	if exit.Terminated {
		msg = fmt.Sprintf("%s was terminated before completing the turn", backend)
	}
	if n := len(stderrTail); n > 0 {
		from := max(n-5, 0)
		msg += ": " + strings.Join(stderrTail[from:], " | ")
	}
	return events.NewError(msg, true, nil)
}

func generatedToolID(name string, raw RawEvent) string {
	if name == "" {
		name = "tool"
	}
	return fmt.Sprintf("%s-%d-%d", name, raw.Seq, raw.Index)
}

func binaryOr(sc SessionContext, def string) string {
	if sc.Binary != "" {
		return sc.Binary
	}
	return def
}

func marshalRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
