package adapter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BoozeLee/conduit/internal/agent/events"
)

func TestClaudeBuildInvocation(t *testing.T) {
	a := NewClaudeAdapter()
	spec, err := a.BuildInvocation(SessionContext{
		WorkingDir:   "/work",
		Model:        "opus",
		ResumeID:     "sess-9",
		PlanMode:     true,
		AllowedTools: []string{"Read", "Grep"},
		ExtraArgs:    []string{"--debug"},
	})
	require.NoError(t, err)
	assert.Equal(t, "claude", spec.Path)
	assert.Equal(t, "/work", spec.Dir)
	assert.Equal(t, []string{
		"-p", "--output-format", "stream-json", "--input-format", "stream-json", "--verbose",
		"--permission-prompt-tool", "stdio",
		"--model", "opus",
		"--resume", "sess-9",
		"--permission-mode", "plan",
		"--allowedTools", "Read,Grep",
		"--debug",
	}, spec.Args)

	spec, err = a.BuildInvocation(SessionContext{Binary: "/opt/claude"})
	require.NoError(t, err)
	assert.Equal(t, "/opt/claude", spec.Path)
	assert.NotContains(t, spec.Args, "--resume")
}

func TestClaudeEncodeInput(t *testing.T) {
	a := NewClaudeAdapter()

	data, err := a.EncodeInput(Input{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":"hello"}}`, string(data))

	img := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(img, []byte("\x89PNG\r\n\x1a\n"), 0o600))
	data, err = a.EncodeInput(Input{Text: "look", Images: []string{img}})
	require.NoError(t, err)

	var msg struct {
		Message struct {
			Content []map[string]any `json:"content"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Len(t, msg.Message.Content, 2)
	assert.Equal(t, "image", msg.Message.Content[0]["type"])
	source := msg.Message.Content[0]["source"].(map[string]any)
	assert.Equal(t, "image/png", source["media_type"])
	assert.Equal(t, "text", msg.Message.Content[1]["type"])

	_, err = a.EncodeInput(Input{Text: "x", Images: []string{"/does/not/exist.png"}})
	assert.Error(t, err)
}

func TestClaudeEncodeControlResponse(t *testing.T) {
	a := NewClaudeAdapter()
	req := events.ControlRequest{RequestID: "req-1", ToolName: "Bash", Input: json.RawMessage(`{"command":"rm -rf build"}`)}

	data, err := a.EncodeControlResponse(req, true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"control_response","response":{"subtype":"success","request_id":"req-1",
		"response":{"behavior":"allow","updatedInput":{"command":"rm -rf build"}}}}`, string(data))

	data, err = a.EncodeControlResponse(req, false)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"behavior":"deny"`)
}

func TestClaudeTranslate(t *testing.T) {
	a := NewClaudeAdapter()
	tests := []struct {
		name    string
		line    string
		want    events.Type
		dropped bool
		check   func(t *testing.T, ev events.Event)
	}{
		{
			name: "partial text delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}}`,
			want: events.TypeAssistantMessage,
			check: func(t *testing.T, ev events.Event) {
				assert.Equal(t, "Hel", ev.AssistantMessage.Text)
				assert.False(t, ev.AssistantMessage.IsFinal)
			},
		},
		{
			name: "thinking delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}}`,
			want: events.TypeAssistantReasoning,
		},
		{
			name:    "empty delta",
			line:    `{"type":"stream_event","event":{"type":"content_block_stop"}}`,
			dropped: true,
		},
		{
			name: "permission request",
			line: `{"type":"control_request","request_id":"r-7","request":{"subtype":"can_use_tool","tool_name":"Write","input":{"path":"a"}}}`,
			want: events.TypeControlRequest,
			check: func(t *testing.T, ev events.Event) {
				assert.Equal(t, "r-7", ev.ControlRequest.RequestID)
				assert.Equal(t, "Write", ev.ControlRequest.ToolName)
			},
		},
		{
			name:    "control response ack",
			line:    `{"type":"control_response","response":{"subtype":"success","request_id":"x"}}`,
			dropped: true,
		},
		{
			name:    "user prompt echo",
			line:    `{"type":"user","message":{"role":"user","content":"do it"}}`,
			dropped: true,
		},
		{
			name: "failed tool result",
			line: `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","is_error":true,"content":[{"type":"text","text":"denied"}]}]}}`,
			want: events.TypeToolCompleted,
			check: func(t *testing.T, ev events.Event) {
				assert.False(t, ev.ToolCompleted.Success)
				assert.Equal(t, "denied", ev.ToolCompleted.Error)
			},
		},
		{
			name: "error result",
			line: `{"type":"result","subtype":"error_max_turns","is_error":true,"errors":["max turns reached"]}`,
			want: events.TypeError,
			check: func(t *testing.T, ev events.Event) {
				assert.True(t, ev.Error.IsFatal)
				assert.Equal(t, "max turns reached", ev.Error.Message)
			},
		},
		{
			name: "unknown type is kept raw",
			line: `{"type":"rate_limit","retry_after":3}`,
			want: events.TypeRaw,
			check: func(t *testing.T, ev events.Event) {
				assert.Equal(t, "claude", ev.Raw.Backend)
				assert.JSONEq(t, `{"type":"rate_limit","retry_after":3}`, string(ev.Raw.Payload))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := TranslateLine(a, jsonMsg(1, tt.line))
			require.Len(t, out, 1)
			if tt.dropped {
				assert.Nil(t, out[0].Event)
				assert.NotEmpty(t, out[0].Dropped)
				return
			}
			require.NotNil(t, out[0].Event)
			assert.Equal(t, tt.want, out[0].Event.Type)
			if tt.check != nil {
				tt.check(t, *out[0].Event)
			}
		})
	}
}

func TestClaudeTranslateIsPure(t *testing.T) {
	a := NewClaudeAdapter()
	line := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Grep","input":{}}]}}`
	first := TranslateLine(a, jsonMsg(3, line))
	second := TranslateLine(a, jsonMsg(3, line))
	assert.Equal(t, first, second)
	assert.Equal(t, "Grep-3-0", first[0].Event.ToolStarted.ToolID)
}
