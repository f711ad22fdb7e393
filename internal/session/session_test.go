package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BoozeLee/conduit/internal/agent/adapter"
	"github.com/BoozeLee/conduit/internal/agent/events"
	"github.com/BoozeLee/conduit/internal/agent/process"
	"github.com/BoozeLee/conduit/internal/agent/stream"
	apperrors "github.com/BoozeLee/conduit/internal/common/errors"
	"github.com/BoozeLee/conduit/internal/common/logger"
	"github.com/BoozeLee/conduit/internal/repro/tape"
	"github.com/BoozeLee/conduit/pkg/agent"
)

const waitFor = 2 * time.Second

type fakeProcess struct {
	pid    int
	spec   process.Spec
	msgs   chan stream.Message
	done   chan struct{}
	inputs chan []byte

	mu     sync.Mutex
	seq    int64
	exit   process.Exit
	once   sync.Once
	stderr []string
}

func newFakeProcess(pid int, spec process.Spec) *fakeProcess {
	return &fakeProcess{
		pid:    pid,
		spec:   spec,
		msgs:   make(chan stream.Message, 16),
		done:   make(chan struct{}),
		inputs: make(chan []byte, 16),
	}
}

func (p *fakeProcess) Pid() int                        { return p.pid }
func (p *fakeProcess) Messages() <-chan stream.Message { return p.msgs }
func (p *fakeProcess) Done() <-chan struct{}           { return p.done }
func (p *fakeProcess) StderrTail() []string            { return p.stderr }

func (p *fakeProcess) Exit() process.Exit {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *fakeProcess) SendInput(b []byte) error {
	select {
	case <-p.done:
		return errors.New("stdin closed")
	default:
	}
	p.inputs <- b
	return nil
}

func (p *fakeProcess) Terminate(time.Duration) process.Exit {
	p.finish(process.Exit{Code: -1, Terminated: true})
	return p.Exit()
}

func (p *fakeProcess) emit(line string) {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()
	p.msgs <- stream.Message{Seq: seq, Kind: stream.KindJSON, Raw: json.RawMessage(line), Size: len(line)}
}

func (p *fakeProcess) emitEvent(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		panic(err)
	}
	p.emit(string(data))
}

func (p *fakeProcess) finish(exit process.Exit) {
	p.once.Do(func() {
		close(p.msgs)
		p.mu.Lock()
		p.exit = exit
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) exitWith(code int) { p.finish(process.Exit{Code: code}) }

type fakeSpawner struct {
	mu      sync.Mutex
	err     error
	specs   []process.Spec
	spawned chan *fakeProcess
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{spawned: make(chan *fakeProcess, 8)}
}

func (f *fakeSpawner) Spawn(_ context.Context, spec process.Spec) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.specs = append(f.specs, spec)
	p := newFakeProcess(1000+len(f.specs), spec)
	f.spawned <- p
	return p, nil
}

func (f *fakeSpawner) next(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-f.spawned:
		return p
	case <-time.After(waitFor):
		t.Fatal("no process spawned")
		return nil
	}
}

// echoAdapter is a per-turn backend whose stdout lines are unified events.
type echoAdapter struct{}

func (echoAdapter) Backend() agent.Backend { return agent.BackendCodex }

func (echoAdapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{SupportsResume: true}
}

func (echoAdapter) BuildInvocation(sc adapter.SessionContext) (process.Spec, error) {
	return process.Spec{Path: "echo-agent", Args: []string{sc.ResumeID, sc.Input.Text}, Dir: sc.WorkingDir}, nil
}

func (echoAdapter) EncodeInput(adapter.Input) ([]byte, error) {
	return nil, adapter.ErrNoStreamingInput
}

func (echoAdapter) EncodeControlResponse(events.ControlRequest, bool) ([]byte, error) {
	return nil, adapter.ErrNoStreamingInput
}

func (echoAdapter) Expand(msg stream.Message) ([]adapter.RawEvent, error) {
	return []adapter.RawEvent{{Seq: msg.Seq, Type: "event", Data: msg.Raw}}, nil
}

func (echoAdapter) Translate(raw adapter.RawEvent) (*events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(raw.Data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

type harness struct {
	session *Session
	spawner *fakeSpawner
	changes chan Info
}

func newHarness(t *testing.T, cfg Config, a adapter.Adapter, rec Recorder) *harness {
	t.Helper()
	h := &harness{spawner: newFakeSpawner(), changes: make(chan Info, 256)}
	if cfg.ID == "" {
		cfg.ID = "s1"
	}
	if cfg.Backend == "" && a != nil {
		cfg.Backend = a.Backend()
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/work"
	}
	deps := Deps{
		Adapter:  a,
		Spawner:  h.spawner,
		Recorder: rec,
		Logger:   logger.NewNop(),
		OnChange: func(i Info) {
			select {
			case h.changes <- i:
			default:
			}
		},
	}
	h.session = New(cfg, deps)
	ctx, cancel := context.WithCancel(context.Background())
	h.session.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.session.Done()
	})
	return h
}

func subscribe(t *testing.T, s *Session) *Subscription {
	t.Helper()
	sub, err := s.Subscribe(context.Background())
	require.NoError(t, err)
	return sub
}

func collect(t *testing.T, sub *Subscription, n int) []events.Event {
	t.Helper()
	out := make([]events.Event, 0, n)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-time.After(waitFor):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func typesOf(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Info().Phase == PhaseIdle }, waitFor, 5*time.Millisecond)
}

func TestSessionClaudeTurn(t *testing.T) {
	h := newHarness(t, Config{Model: "opus"}, adapter.NewClaudeAdapter(), nil)
	ctx := context.Background()
	sub := subscribe(t, h.session)

	require.NoError(t, h.session.SendInput(ctx, adapter.Input{Text: "hello"}))
	p := h.spawner.next(t)
	assert.Equal(t, "/work", p.spec.Dir)
	assert.Contains(t, p.spec.Args, "opus")

	select {
	case in := <-p.inputs:
		assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":"hello"}}`, string(in))
	case <-time.After(waitFor):
		t.Fatal("input not written to stdin")
	}
	assert.Equal(t, PhaseAwaitingModel, h.session.Info().Phase)

	p.emit(`{"type":"system","subtype":"init","session_id":"cs-1","model":"opus"}`)
	p.emit(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi there"}]}}`)
	p.emit(`{"type":"result","subtype":"success","result":"hi there","usage":{"input_tokens":3,"output_tokens":2}}`)

	got := collect(t, sub, 4)
	assert.Equal(t, []events.Type{
		events.TypeTurnStarted,
		events.TypeSessionInit,
		events.TypeAssistantMessage,
		events.TypeTurnCompleted,
	}, typesOf(got))

	waitIdle(t, h.session)
	info := h.session.Info()
	assert.Equal(t, 1, info.Turns)
	assert.Equal(t, "cs-1", info.AgentSessionID)
	assert.Equal(t, events.Usage{Input: 3, Output: 2, Total: 5}, info.Usage)
	assert.Equal(t, p.pid, info.Pid)

	// The process stays up for the next turn.
	require.NoError(t, h.session.SendInput(ctx, adapter.Input{Text: "again"}))
	select {
	case <-p.inputs:
	case <-time.After(waitFor):
		t.Fatal("second input not written to the same process")
	}
	select {
	case <-h.spawner.spawned:
		t.Fatal("unexpected second spawn")
	default:
	}
}

func TestSessionSpawnFailureStaysIdle(t *testing.T) {
	rec := &memRecorder{}
	h := newHarness(t, Config{}, adapter.NewClaudeAdapter(), rec)
	h.spawner.err = &process.SpawnError{Binary: "claude", Reason: process.ReasonBinaryNotFound, Err: errors.New("not found")}

	err := h.session.SendInput(context.Background(), adapter.Input{Text: "hello"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrSpawnFailed))

	var spawnErr *process.SpawnError
	assert.True(t, errors.As(err, &spawnErr))

	info := h.session.Info()
	assert.Equal(t, PhaseIdle, info.Phase)
	assert.Equal(t, 0, info.Queued)
	assert.Empty(t, rec.all())
}

func TestSessionToolUseThenCrash(t *testing.T) {
	h := newHarness(t, Config{}, adapter.NewClaudeAdapter(), nil)
	sub := subscribe(t, h.session)
	require.NoError(t, h.session.SendInput(context.Background(), adapter.Input{Text: "read it"}))
	p := h.spawner.next(t)

	p.emit(`{"type":"tool_use","name":"Read","input":{"file_path":"main.go"}}`)
	p.stderr = []string{"fatal: out of memory"}
	p.exitWith(1)

	got := collect(t, sub, 3)
	assert.Equal(t, []events.Type{events.TypeTurnStarted, events.TypeToolStarted, events.TypeError}, typesOf(got))
	assert.True(t, got[2].Error.IsFatal)
	assert.Contains(t, got[2].Error.Message, "out of memory")

	waitIdle(t, h.session)
	info := h.session.Info()
	assert.Empty(t, info.OpenTools)
	assert.Zero(t, info.Pid)
	assert.Equal(t, LifecycleLive, info.Lifecycle)
}

func TestSessionCleanExitMidTurnCompletesTurn(t *testing.T) {
	h := newHarness(t, Config{}, echoAdapter{}, nil)
	sub := subscribe(t, h.session)
	require.NoError(t, h.session.SendInput(context.Background(), adapter.Input{Text: "go"}))
	p := h.spawner.next(t)
	p.emitEvent(events.NewAssistantMessage("partial", false))
	p.exitWith(0)

	got := collect(t, sub, 3)
	assert.Equal(t, events.TypeTurnCompleted, got[2].Type)
	waitIdle(t, h.session)
}

func TestSessionQueuedInputNumbered(t *testing.T) {
	h := newHarness(t, Config{QueueDelivery: DeliverNumbered}, echoAdapter{}, nil)
	ctx := context.Background()

	require.NoError(t, h.session.SendInput(ctx, adapter.Input{Text: "first"}))
	p1 := h.spawner.next(t)
	require.NoError(t, h.session.SendInput(ctx, adapter.Input{Text: "second"}))
	require.NoError(t, h.session.SendInput(ctx, adapter.Input{Text: "third"}))
	assert.Equal(t, 2, h.session.Info().Queued)

	p1.emitEvent(events.NewSessionInit("th-1", ""))
	p1.emitEvent(events.NewTurnCompleted(events.Usage{Input: 1, Total: 1}))

	// Per-turn backends wait for the previous process to exit.
	require.Eventually(t, func() bool { return !h.session.Info().Phase.Running() }, waitFor, 5*time.Millisecond)
	select {
	case <-h.spawner.spawned:
		t.Fatal("spawned before the previous process exited")
	default:
	}
	p1.exitWith(0)

	p2 := h.spawner.next(t)
	assert.Equal(t, []string{"th-1", "[Queued 1 of 2]\nsecond\n\n[Queued 2 of 2]\nthird"}, p2.spec.Args)
	require.Eventually(t, func() bool {
		i := h.session.Info()
		return i.Queued == 0 && i.Phase == PhaseAwaitingModel
	}, waitFor, 5*time.Millisecond)
}

func TestSessionOrphanCompletion(t *testing.T) {
	h := newHarness(t, Config{}, echoAdapter{}, nil)
	sub := subscribe(t, h.session)
	require.NoError(t, h.session.SendInput(context.Background(), adapter.Input{Text: "go"}))
	p := h.spawner.next(t)

	p.emitEvent(events.NewToolStarted("a", "shell", nil))
	p.emitEvent(events.NewToolStarted("b", "shell", nil))
	p.emitEvent(events.NewToolCompleted("zzz", true, "", ""))
	p.emitEvent(events.NewToolCompleted("b", true, "ok", ""))

	got := collect(t, sub, 5)
	assert.True(t, got[3].ToolCompleted.Orphan)
	assert.False(t, got[4].ToolCompleted.Orphan)
	require.Eventually(t, func() bool {
		i := h.session.Info()
		return i.Phase == PhaseExecutingTool && len(i.OpenTools) == 1 && i.OpenTools[0] == "a"
	}, waitFor, 5*time.Millisecond)
}

func TestSessionStreamingChunks(t *testing.T) {
	dir := t.TempDir()
	rec, err := tape.Open(dir, nil, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	h := newHarness(t, Config{SubscriberBuffer: 8}, echoAdapter{}, rec)
	sub := subscribe(t, h.session)
	require.NoError(t, h.session.SendInput(context.Background(), adapter.Input{Text: "build"}))
	p := h.spawner.next(t)

	const chunks = 5000
	go func() {
		for i := 0; i < chunks; i++ {
			p.emitEvent(events.NewCommandOutput(events.CommandOutput{
				CommandID: "cmd-1", Command: "make", Output: "x", IsStreaming: true,
			}))
		}
		p.emitEvent(events.NewTurnCompleted(events.Usage{}))
	}()

	require.Eventually(t, func() bool { return h.session.Info().Turns == 1 }, 10*time.Second, 10*time.Millisecond)

	hist, err := h.session.History(context.Background())
	require.NoError(t, err)
	var outputs []events.Event
	for _, ev := range hist {
		if ev.Type == events.TypeCommandOutput {
			outputs = append(outputs, ev)
		}
	}
	require.Len(t, outputs, 1)
	assert.Len(t, outputs[0].CommandOutput.Output, chunks)

	tp, err := tape.ReadFile(rec.Path())
	require.NoError(t, err)
	n := 0
	for _, e := range tp.Entries {
		if e.Kind != tape.KindAgentEvent {
			continue
		}
		ev, err := e.Event()
		require.NoError(t, err)
		if ev.Type == events.TypeCommandOutput {
			assert.Equal(t, "x", ev.CommandOutput.Output)
			n++
		}
	}
	assert.Equal(t, chunks, n)

	assert.Positive(t, sub.Dropped())
	assert.Equal(t, sub.Dropped(), h.session.Info().Dropped)
}

func TestSessionControlRequest(t *testing.T) {
	h := newHarness(t, Config{}, adapter.NewClaudeAdapter(), nil)
	ctx := context.Background()
	sub := subscribe(t, h.session)
	require.NoError(t, h.session.SendInput(ctx, adapter.Input{Text: "delete build"}))
	p := h.spawner.next(t)
	<-p.inputs

	p.emit(`{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf build"}}}`)
	got := collect(t, sub, 2)
	require.Equal(t, events.TypeControlRequest, got[1].Type)

	err := h.session.RespondToControl(ctx, "nope", true)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	require.NoError(t, h.session.RespondToControl(ctx, "req-1", true))
	select {
	case in := <-p.inputs:
		assert.Contains(t, string(in), `"request_id":"req-1"`)
		assert.Contains(t, string(in), `"behavior":"allow"`)
	case <-time.After(waitFor):
		t.Fatal("control response not written")
	}

	err = h.session.RespondToControl(ctx, "req-1", true)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "a request is answered once")
}

func TestSessionControlNotSupported(t *testing.T) {
	h := newHarness(t, Config{}, echoAdapter{}, nil)
	err := h.session.RespondToControl(context.Background(), "r", true)
	assert.True(t, errors.Is(err, apperrors.ErrNotSupported))

	err = h.session.SendInput(context.Background(), adapter.Input{Text: "x", Images: []string{"a.png"}})
	assert.True(t, errors.Is(err, apperrors.ErrNotSupported))

	err = h.session.SendInput(context.Background(), adapter.Input{Text: "  "})
	assert.True(t, errors.Is(err, apperrors.ErrBadRequest))
}

func TestSessionStop(t *testing.T) {
	h := newHarness(t, Config{}, adapter.NewClaudeAdapter(), nil)
	ctx := context.Background()
	sub := subscribe(t, h.session)
	require.NoError(t, h.session.SendInput(ctx, adapter.Input{Text: "work"}))
	p := h.spawner.next(t)

	require.NoError(t, h.session.Stop(ctx))
	<-h.session.Done()

	got := collect(t, sub, 2)
	assert.Equal(t, events.TypeError, got[1].Type)
	assert.True(t, got[1].Error.IsFatal)
	assert.Contains(t, got[1].Error.Message, "terminated")
	_, open := <-sub.Events()
	assert.False(t, open, "subscription closed on termination")

	assert.True(t, p.Exit().Terminated)
	info := h.session.Info()
	assert.Equal(t, LifecycleTerminated, info.Lifecycle)
	assert.Equal(t, StatusCompleted, info.Status)

	// Stopping again is a no-op; other actions fail.
	require.NoError(t, h.session.Stop(ctx))
	err := h.session.SendInput(ctx, adapter.Input{Text: "more"})
	assert.True(t, errors.Is(err, apperrors.ErrNotRunning))
	_, err = h.session.Subscribe(ctx)
	assert.True(t, errors.Is(err, apperrors.ErrNotRunning))

	hist, err := h.session.History(ctx)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestSessionContextCancelAbandons(t *testing.T) {
	s := New(Config{ID: "s9", Backend: agent.BackendGemini}, Deps{Logger: logger.NewNop()})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not stop")
	}
	assert.Equal(t, StatusAbandoned, s.Info().Status)
}

func TestSessionReplayIsReadOnly(t *testing.T) {
	h := newHarness(t, Config{Replaying: true}, adapter.NewClaudeAdapter(), nil)
	ctx := context.Background()
	sub := subscribe(t, h.session)

	err := h.session.SendInput(ctx, adapter.Input{Text: "x"})
	assert.True(t, errors.Is(err, apperrors.ErrReplayReadOnly))
	err = h.session.RespondToControl(ctx, "r", true)
	assert.True(t, errors.Is(err, apperrors.ErrReplayReadOnly))
	err = h.session.Stop(ctx)
	assert.True(t, errors.Is(err, apperrors.ErrReplayReadOnly))

	require.NoError(t, h.session.ReplayInput(ctx, tape.InputRecord{Text: "x"}))
	require.NoError(t, h.session.ReplayEvent(ctx, events.NewTurnStarted()))
	require.NoError(t, h.session.ReplayEvent(ctx, events.NewTurnCompleted(events.Usage{})))
	got := collect(t, sub, 2)
	assert.Equal(t, []events.Type{events.TypeTurnStarted, events.TypeTurnCompleted}, typesOf(got))

	select {
	case <-h.spawner.spawned:
		t.Fatal("replay must not reach a process")
	default:
	}
	assert.True(t, h.session.Info().ReplayOnly)
}

func TestSessionGoLive(t *testing.T) {
	h := newHarness(t, Config{Replaying: true}, adapter.NewClaudeAdapter(), nil)
	ctx := context.Background()
	sub := subscribe(t, h.session)

	require.NoError(t, h.session.ReplayInput(ctx, tape.InputRecord{Text: "hi"}))
	require.NoError(t, h.session.ReplayEvent(ctx, events.NewTurnStarted()))
	require.NoError(t, h.session.ReplayEvent(ctx, events.NewSessionInit("cs-7", "opus")))
	require.NoError(t, h.session.ReplayEvent(ctx, events.NewTurnCompleted(events.Usage{})))
	require.NoError(t, h.session.GoLive(ctx))
	assert.Equal(t, LifecycleLive, h.session.Info().Lifecycle)

	err := h.session.ReplayEvent(ctx, events.NewTurnStarted())
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	require.NoError(t, h.session.SendInput(ctx, adapter.Input{Text: "continue"}))
	p := h.spawner.next(t)
	assert.Contains(t, p.spec.Args, "cs-7")

	p.emit(`{"type":"system","subtype":"init","session_id":"cs-7","model":"opus"}`)
	p.emit(`{"type":"result","subtype":"success"}`)

	got := collect(t, sub, 5)
	assert.Equal(t, []events.Type{
		events.TypeTurnStarted,
		events.TypeSessionInit,
		events.TypeTurnCompleted,
		events.TypeTurnStarted,
		events.TypeTurnCompleted,
	}, typesOf(got), "the resumed SessionInit is not repeated")
}

func TestSessionGoLiveMidTurn(t *testing.T) {
	h := newHarness(t, Config{Replaying: true}, echoAdapter{}, nil)
	ctx := context.Background()
	sub := subscribe(t, h.session)
	require.NoError(t, h.session.ReplayInput(ctx, tape.InputRecord{Text: "hi"}))
	require.NoError(t, h.session.GoLive(ctx))

	got := collect(t, sub, 1)
	assert.True(t, got[0].IsTerminal())
	assert.Equal(t, PhaseIdle, h.session.Info().Phase)
}

type memRecorder struct {
	mu      sync.Mutex
	entries []string
}

func (m *memRecorder) RecordInput(id string, in tape.InputRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, id+":input:"+in.Text)
	return nil
}

func (m *memRecorder) RecordEvent(id string, ev events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, id+":event:"+string(ev.Type))
	return nil
}

func (m *memRecorder) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.entries...)
}

func TestSessionRecordsInputBeforeEvents(t *testing.T) {
	rec := &memRecorder{}
	h := newHarness(t, Config{}, echoAdapter{}, rec)
	require.NoError(t, h.session.SendInput(context.Background(), adapter.Input{Text: "go"}))
	p := h.spawner.next(t)
	p.emitEvent(events.NewAssistantMessage("done", true))
	p.emitEvent(events.NewTurnCompleted(events.Usage{}))
	waitIdle(t, h.session)

	assert.Equal(t, []string{
		"s1:input:go",
		"s1:event:turn_started",
		"s1:event:assistant_message",
		"s1:event:turn_completed",
	}, rec.all())
}

// drain reads n events from sub in the background. It stops early when the
// subscription closes or stalls.
func drain(sub *Subscription, n int) <-chan []events.Event {
	out := make(chan []events.Event, 1)
	go func() {
		got := make([]events.Event, 0, n)
		defer func() { out <- got }()
		for len(got) < n {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				got = append(got, ev)
			case <-time.After(waitFor):
				return
			}
		}
	}()
	return out
}

func TestSessionSubscribersShareOrder(t *testing.T) {
	const turns, perTurn = 3, 5 // turn_started, three messages, turn_completed
	tests := []struct {
		name string
		// joinAfter is the number of finished turns before the second
		// subscriber joins.
		joinAfter int
	}{
		{"subscribed together", 0},
		{"joins after the first turn", 1},
		{"joins before the last turn", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, echoAdapter{}, nil)
			ctx := context.Background()
			first := drain(subscribe(t, h.session), turns*perTurn)
			var second <-chan []events.Event

			for turn := 0; turn < turns; turn++ {
				if turn == tt.joinAfter {
					second = drain(subscribe(t, h.session), (turns-turn)*perTurn)
				}
				require.NoError(t, h.session.SendInput(ctx, adapter.Input{Text: fmt.Sprintf("turn %d", turn)}))
				p := h.spawner.next(t)
				for i := 0; i < 3; i++ {
					p.emitEvent(events.NewAssistantMessage(fmt.Sprintf("t%d-m%d", turn, i), i == 2))
				}
				p.emitEvent(events.NewTurnCompleted(events.Usage{Input: 1, Total: 1}))
				p.exitWith(0)
				require.Eventually(t, func() bool {
					i := h.session.Info()
					return i.Turns == turn+1 && i.Pid == 0
				}, waitFor, 5*time.Millisecond)
			}

			all := <-first
			late := <-second
			require.Len(t, all, turns*perTurn)
			require.Len(t, late, (turns-tt.joinAfter)*perTurn)
			assert.Equal(t, all[tt.joinAfter*perTurn:], late, "the second subscriber sees the same events in the same order")
			assert.Equal(t, events.TypeTurnStarted, late[0].Type, "nothing from earlier turns is delivered")
			assert.Equal(t, fmt.Sprintf("t%d-m0", tt.joinAfter), late[1].AssistantMessage.Text)
		})
	}
}
