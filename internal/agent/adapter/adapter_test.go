package adapter

import (
	"bufio"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BoozeLee/conduit/internal/agent/events"
	"github.com/BoozeLee/conduit/internal/agent/process"
	"github.com/BoozeLee/conduit/internal/agent/stream"
	"github.com/BoozeLee/conduit/pkg/agent"
)

func jsonMsg(seq int64, line string) stream.Message {
	return stream.Message{Seq: seq, Kind: stream.KindJSON, Raw: []byte(line), Size: len(line)}
}

// loadTranscript decodes a testdata file the same way the supervisor does.
func loadTranscript(t *testing.T, name string) []stream.Message {
	t.Helper()
	f, err := os.Open("testdata/" + name)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	d := stream.NewDecoder(0)
	var out []stream.Message
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, d.Feed(append(sc.Bytes(), '\n'))...)
	}
	require.NoError(t, sc.Err())
	return append(out, d.Flush()...)
}

func eventsOf(outcomes []Outcome) []events.Event {
	var out []events.Event
	for _, o := range outcomes {
		if o.Event != nil {
			out = append(out, *o.Event)
		}
	}
	return out
}

func TestNew(t *testing.T) {
	for _, b := range agent.All {
		a, err := New(b)
		require.NoError(t, err)
		assert.Equal(t, b, a.Backend())
	}
	_, err := New("amp")
	assert.Error(t, err)
}

func TestTranslateLine_ClaudeTranscript(t *testing.T) {
	a := NewClaudeAdapter()
	var got []events.Event
	for _, msg := range loadTranscript(t, "claude-turn.jsonl") {
		got = append(got, eventsOf(TranslateLine(a, msg))...)
	}

	types := make([]events.Type, 0, len(got))
	for _, ev := range got {
		require.NoError(t, ev.Validate())
		types = append(types, ev.Type)
	}
	assert.Equal(t, []events.Type{
		events.TypeSessionInit,
		events.TypeAssistantReasoning,
		events.TypeAssistantMessage,
		events.TypeToolStarted,
		events.TypeTokenUsage,
		events.TypeToolCompleted,
		events.TypeRaw,
		events.TypeAssistantMessage,
		events.TypeTurnCompleted,
	}, types)

	assert.Equal(t, "sess-1", got[0].SessionInit.SessionID)
	assert.Equal(t, "toolu_1", got[3].ToolStarted.ToolID)
	assert.JSONEq(t, `{"command":"ls"}`, string(got[3].ToolStarted.Arguments))
	assert.Equal(t, "a.go\nb.go", got[5].ToolCompleted.Result)
	assert.Equal(t, "not json at all", got[6].Raw.Text)
	assert.Equal(t, events.Usage{Input: 20, Output: 8, Cached: 3, Total: 28}, got[8].TurnCompleted.Usage)
}

func TestTranslateLine_OversizedBecomesRaw(t *testing.T) {
	a := NewGeminiAdapter()
	out := TranslateLine(a, stream.Message{Seq: 4, Kind: stream.KindOversized, Text: "abc…[truncated 9 bytes]", Size: 12})
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Event)
	assert.Equal(t, events.TypeRaw, out[0].Event.Type)
	assert.Equal(t, "gemini", out[0].Event.Raw.Backend)
	assert.Contains(t, out[0].Event.Raw.Note, "12 bytes")
}

func TestTranslateLine_MalformedRecordIsNonFatalError(t *testing.T) {
	a := NewClaudeAdapter()
	line := `{"type":"system","subtype":"init"}`
	out := TranslateLine(a, jsonMsg(1, line))
	require.Len(t, out, 1)
	ev := out[0].Event
	require.NotNil(t, ev)
	assert.Equal(t, events.TypeError, ev.Type)
	assert.False(t, ev.Error.IsFatal)
	assert.JSONEq(t, line, string(ev.Error.Raw))
}

func TestTranslateLine_DropCarriesReason(t *testing.T) {
	a := NewCodexAdapter()
	out := TranslateLine(a, jsonMsg(2, `{"type":"turn.started"}`))
	require.Len(t, out, 1)
	assert.Nil(t, out[0].Event)
	assert.Equal(t, turnBoundaryOwned, out[0].Dropped)
}

func TestExitEvent(t *testing.T) {
	t.Run("clean exit completes the turn", func(t *testing.T) {
		ev := ExitEvent(agent.BackendGemini, process.Exit{Code: 0}, nil)
		assert.Equal(t, events.TypeTurnCompleted, ev.Type)
		assert.True(t, ev.IsTerminal())
	})

	t.Run("non-zero exit is fatal with stderr tail", func(t *testing.T) {
		tail := []string{"one", "two", "three", "four", "five", "six"}
		ev := ExitEvent(agent.BackendClaude, process.Exit{Code: 1}, tail)
		require.Equal(t, events.TypeError, ev.Type)
		assert.True(t, ev.Error.IsFatal)
		assert.Contains(t, ev.Error.Message, "code 1")
		assert.Contains(t, ev.Error.Message, "two | three | four | five | six")
		assert.NotContains(t, ev.Error.Message, "one")
	})

	t.Run("terminated", func(t *testing.T) {
		ev := ExitEvent(agent.BackendCodex, process.Exit{Code: -1, Terminated: true}, nil)
		assert.Contains(t, ev.Error.Message, "terminated")
	})
}

// A tool call whose process dies before the result arrives: the translated
// ToolStarted is followed by the synthetic fatal error.
func TestToolUseThenCrash(t *testing.T) {
	a := NewClaudeAdapter()
	out := TranslateLine(a, jsonMsg(1, `{"type":"tool_use","name":"Read","input":{"path":"x"}}`))
	evs := eventsOf(out)
	require.Len(t, evs, 1)
	assert.Equal(t, "Read-1-0", evs[0].ToolStarted.ToolID)

	exit := ExitEvent(a.Backend(), process.Exit{Code: 1}, []string{"panic: boom"})
	assert.True(t, exit.IsTerminal())
	assert.Contains(t, exit.Error.Message, "panic: boom")
}
