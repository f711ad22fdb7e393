package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BoozeLee/conduit/internal/agent/events"
	"github.com/BoozeLee/conduit/internal/agent/process"
	"github.com/BoozeLee/conduit/internal/agent/stream"
	"github.com/BoozeLee/conduit/pkg/agent"
	"github.com/BoozeLee/conduit/pkg/codex"
)

// Raw event types Expand derives from compound codex records.
const (
	codexCommandOutput = "command_execution.output"
	codexCommandDone   = "command_execution.done"
	codexFileUpdate    = "file_change.update"
)

// turnBoundaryOwned is the drop reason for backend turn-start records.
const turnBoundaryOwned = "turn boundary owned by the session"

// CodexAdapter drives `codex exec --json`. Each turn is a separate process;
// follow-up turns resume the thread id reported by thread.started.
type CodexAdapter struct{}

// NewCodexAdapter creates a Codex adapter.
func NewCodexAdapter() *CodexAdapter { return &CodexAdapter{} }

func (a *CodexAdapter) Backend() agent.Backend { return agent.BackendCodex }

func (a *CodexAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsResume:   true,
		SupportsImages:   true,
		SupportsPlanMode: true,
	}
}

func (a *CodexAdapter) BuildInvocation(sc SessionContext) (process.Spec, error) {
	if strings.TrimSpace(sc.Input.Text) == "" {
		return process.Spec{}, fmt.Errorf("codex requires a prompt for every turn")
	}
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if sc.Model != "" {
		args = append(args, "-m", sc.Model)
	}
	for _, img := range sc.Input.Images {
		args = append(args, "--image", img)
	}
	if sc.PlanMode {
		args = append(args, "--sandbox", "read-only")
	}
	args = append(args, sc.ExtraArgs...)
	if sc.ResumeID != "" {
		args = append(args, "resume", sc.ResumeID)
	}
	args = append(args, sc.Input.Text)
	return process.Spec{
		Path: binaryOr(sc, "codex"),
		Args: args,
		Env:  sc.Env,
		Dir:  sc.WorkingDir,
	}, nil
}

func (a *CodexAdapter) EncodeInput(Input) ([]byte, error) {
	return nil, ErrNoStreamingInput
}

func (a *CodexAdapter) EncodeControlResponse(events.ControlRequest, bool) ([]byte, error) {
	return nil, ErrNoStreamingInput
}

// Expand splits completed commands into output plus completion, and file
// changes into one raw event per path.
func (a *CodexAdapter) Expand(msg stream.Message) ([]RawEvent, error) {
	var ev codex.ThreadEvent
	if err := json.Unmarshal(msg.Raw, &ev); err != nil {
		return nil, err
	}
	if ev.Item == nil {
		return []RawEvent{{Seq: msg.Seq, Type: ev.Type, Data: msg.Raw}}, nil
	}

	item := ev.Item
	if ev.Type == codex.EventItemCompleted {
		switch item.Type {
		case codex.ItemCommandExecution:
			data, err := json.Marshal(item)
			if err != nil {
				return nil, err
			}
			return []RawEvent{
				{Seq: msg.Seq, Index: 0, Type: codexCommandOutput, Data: data},
				{Seq: msg.Seq, Index: 1, Type: codexCommandDone, Data: data},
			}, nil
		case codex.ItemFileChange:
			out := make([]RawEvent, 0, len(item.Changes))
			for i, change := range item.Changes {
				data, err := json.Marshal(change)
				if err != nil {
					return nil, err
				}
				out = append(out, RawEvent{Seq: msg.Seq, Index: i, Type: codexFileUpdate, Data: data})
			}
			if len(out) > 0 {
				return out, nil
			}
		}
	}
	return []RawEvent{{Seq: msg.Seq, Type: ev.Type + ":" + item.Type, Data: msg.Raw}}, nil
}

func (a *CodexAdapter) Translate(raw RawEvent) (*events.Event, error) {
	switch raw.Type {
	case codexCommandOutput:
		var item codex.Item
		if err := json.Unmarshal(raw.Data, &item); err != nil {
			return nil, err
		}
		ev := events.NewCommandOutput(events.CommandOutput{
			CommandID: item.ID,
			Command:   item.Command,
			Output:    item.AggregatedOutput,
			ExitCode:  item.ExitCode,
		})
		return &ev, nil

	case codexCommandDone:
		var item codex.Item
		if err := json.Unmarshal(raw.Data, &item); err != nil {
			return nil, err
		}
		ok := item.Status != codex.StatusFailed && (item.ExitCode == nil || *item.ExitCode == 0)
		var ev events.Event
		if ok {
			ev = events.NewToolCompleted(item.ID, true, item.AggregatedOutput, "")
		} else {
			ev = events.NewToolCompleted(item.ID, false, "", commandFailure(&item))
		}
		return &ev, nil

	case codexFileUpdate:
		var change codex.FileUpdate
		if err := json.Unmarshal(raw.Data, &change); err != nil {
			return nil, err
		}
		op, err := codexFileOp(change.Kind)
		if err != nil {
			return nil, err
		}
		ev := events.NewFileChanged(change.Path, op)
		return &ev, nil
	}

	var te codex.ThreadEvent
	if err := json.Unmarshal(raw.Data, &te); err != nil {
		return nil, err
	}
	switch te.Type {
	case codex.EventThreadStarted:
		if te.ThreadID == "" {
			return nil, fmt.Errorf("thread.started without thread_id")
		}
		ev := events.NewSessionInit(te.ThreadID, "")
		return &ev, nil
	case codex.EventTurnStarted:
		return nil, Drop(turnBoundaryOwned)
	case codex.EventTurnCompleted:
		var u events.Usage
		if te.Usage != nil {
			u = events.Usage{
				Input:  te.Usage.InputTokens,
				Output: te.Usage.OutputTokens,
				Cached: te.Usage.CachedInputTokens,
			}
			u.Total = u.Input + u.Output
		}
		ev := events.NewTurnCompleted(u)
		return &ev, nil
	case codex.EventTurnFailed:
		msg := "turn failed"
		if te.Error != nil && te.Error.Message != "" {
			msg = te.Error.Message
		}
		ev := events.NewError(msg, true, raw.Data)
		return &ev, nil
	case codex.EventError:
		msg := te.Message
		if msg == "" && te.Error != nil {
			msg = te.Error.Message
		}
		ev := events.NewError(msg, false, raw.Data)
		return &ev, nil
	case codex.EventItemStarted, codex.EventItemUpdated, codex.EventItemCompleted:
		if te.Item == nil {
			return nil, fmt.Errorf("%s without item", te.Type)
		}
		return a.translateItem(te.Type, te.Item, raw)
	}
	return rawEvent(a.Backend(), raw, "unknown record type"), nil
}

func (a *CodexAdapter) translateItem(phase string, item *codex.Item, raw RawEvent) (*events.Event, error) {
	completed := phase == codex.EventItemCompleted
	switch item.Type {
	case codex.ItemCommandExecution:
		if phase != codex.EventItemStarted {
			return nil, Drop("command progress is reported on completion")
		}
		ev := events.NewToolStarted(item.ID, "shell", marshalRaw(map[string]string{"command": item.Command}))
		return &ev, nil

	case codex.ItemMCPToolCall:
		name := item.Tool
		if item.Server != "" {
			name = item.Server + "." + item.Tool
		}
		switch {
		case phase == codex.EventItemStarted:
			ev := events.NewToolStarted(item.ID, name, item.Arguments)
			return &ev, nil
		case completed:
			var ev events.Event
			if item.Error != nil || item.Status == codex.StatusFailed {
				msg := "tool call failed"
				if item.Error != nil {
					msg = item.Error.Message
				}
				ev = events.NewToolCompleted(item.ID, false, "", msg)
			} else {
				ev = events.NewToolCompleted(item.ID, true, string(item.Result), "")
			}
			return &ev, nil
		}
		return nil, Drop("tool call progress")

	case codex.ItemFileChange:
		return nil, Drop("file changes are reported on completion")

	case codex.ItemAgentMessage:
		if !completed {
			return nil, Drop("partial agent message")
		}
		ev := events.NewAssistantMessage(item.Text, true)
		return &ev, nil

	case codex.ItemReasoning:
		if !completed {
			return nil, Drop("partial reasoning")
		}
		ev := events.NewReasoning(item.Text)
		return &ev, nil

	case codex.ItemError:
		ev := events.NewError(item.Message, false, raw.Data)
		return &ev, nil
	}
	return rawEvent(a.Backend(), raw, "no unified equivalent for "+item.Type), nil
}

func codexFileOp(kind string) (string, error) {
	switch kind {
	case codex.ChangeAdd:
		return events.FileCreated, nil
	case codex.ChangeUpdate:
		return events.FileModified, nil
	case codex.ChangeDelete:
		return events.FileDeleted, nil
	}
	return "", fmt.Errorf("unknown file change kind %q", kind)
}

func commandFailure(item *codex.Item) string {
	if item.ExitCode != nil {
		return fmt.Sprintf("command exited with code %d", *item.ExitCode)
	}
	return "command failed"
}
