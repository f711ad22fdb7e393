// Package session runs one agent conversation: it owns the backend process,
// applies the turn state machine, records to the tape and fans events out
// to subscribers.
//
// All session state is owned by a single loop goroutine. Public methods
// submit commands to that loop and wait for the result; a pump goroutine per
// live process translates stdout and hands outcomes to the loop.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BoozeLee/conduit/internal/agent/adapter"
	"github.com/BoozeLee/conduit/internal/agent/events"
	"github.com/BoozeLee/conduit/internal/agent/process"
	"github.com/BoozeLee/conduit/internal/agent/stream"
	"github.com/BoozeLee/conduit/internal/common/clock"
	"github.com/BoozeLee/conduit/internal/common/config"
	apperrors "github.com/BoozeLee/conduit/internal/common/errors"
	"github.com/BoozeLee/conduit/internal/common/logger"
	"github.com/BoozeLee/conduit/internal/common/tracing"
	"github.com/BoozeLee/conduit/internal/repro/tape"
	"github.com/BoozeLee/conduit/pkg/agent"
)

// Lifecycle is whether a session is driven by a live backend, a tape, or
// nothing any more.
type Lifecycle string

const (
	LifecycleLive       Lifecycle = "live"
	LifecycleReplaying  Lifecycle = "replaying"
	LifecycleTerminated Lifecycle = "terminated"
)

// Status is the persisted outcome of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Process is a running backend. *process.Handle implements it.
type Process interface {
	Pid() int
	Messages() <-chan stream.Message
	Done() <-chan struct{}
	Exit() process.Exit
	StderrTail() []string
	SendInput(p []byte) error
	Terminate(grace time.Duration) process.Exit
}

// Spawner starts backend processes.
type Spawner interface {
	Spawn(ctx context.Context, spec process.Spec) (Process, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context, spec process.Spec) (Process, error)

func (f SpawnerFunc) Spawn(ctx context.Context, spec process.Spec) (Process, error) {
	return f(ctx, spec)
}

// SupervisorSpawner adapts a process.Supervisor to Spawner.
type SupervisorSpawner struct {
	Supervisor *process.Supervisor
}

func (s SupervisorSpawner) Spawn(ctx context.Context, spec process.Spec) (Process, error) {
	h, err := s.Supervisor.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Recorder is the tape writer. *tape.Recorder implements it.
type Recorder interface {
	RecordInput(sessionID string, in tape.InputRecord) error
	RecordEvent(sessionID string, ev events.Event) error
}

// Config describes one session.
type Config struct {
	ID         string
	Backend    agent.Backend
	WorkingDir string
	Model      string
	PlanMode   bool
	// ResumeID is the backend session id to resume on first spawn.
	ResumeID string
	Launch   config.BackendConfig

	HistorySize      int
	SubscriberBuffer int
	QueueDelivery    QueueDelivery
	TerminateGrace   time.Duration

	// Replaying sessions are fed from a tape and reject mutating actions.
	Replaying bool
	CreatedAt time.Time
}

// Deps are the collaborators of a session. Adapter and Spawner may be nil
// for a session that only ever replays.
type Deps struct {
	Adapter  adapter.Adapter
	Spawner  Spawner
	Recorder Recorder
	Clock    clock.Clock
	Logger   *logger.Logger
	// OnChange is called from the session loop whenever the lifecycle or
	// turn state changes. It must not call back into the session.
	OnChange func(Info)
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID             string       `json:"id"`
	Backend        string       `json:"backend"`
	WorkingDir     string       `json:"working_dir"`
	Model          string       `json:"model,omitempty"`
	PlanMode       bool         `json:"plan_mode,omitempty"`
	AgentSessionID string       `json:"agent_session_id,omitempty"`
	Lifecycle      Lifecycle    `json:"lifecycle"`
	Status         Status       `json:"status"`
	Phase          Phase        `json:"phase"`
	OpenTools      []string     `json:"open_tools,omitempty"`
	Queued         int          `json:"queued"`
	Usage          events.Usage `json:"usage"`
	TurnUsage      events.Usage `json:"turn_usage"`
	Turns          int          `json:"turns"`
	Subscribers    int          `json:"subscribers"`
	Dropped        uint64       `json:"dropped"`
	Pid            int          `json:"pid,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	// ReplayOnly is set for sessions rebuilt from a tape that never went
	// live.
	ReplayOnly bool      `json:"replay_only,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type procOutcome struct {
	gen      uint64
	outcomes []adapter.Outcome
	exit     *process.Exit
	stderr   []string
}

// Session is one logical conversation.
type Session struct {
	cfg     Config
	deps    Deps
	adapter adapter.Adapter
	caps    adapter.Capabilities
	clock   clock.Clock
	logger  *logger.Logger

	cmds     chan func()
	outcomes chan procOutcome
	done     chan struct{}
	info     atomic.Pointer[Info]

	// Owned by the loop goroutine.
	ctx         context.Context
	machine     *Machine
	history     *History
	fan         *fanout
	lifecycle   Lifecycle
	status      Status
	replayOnly  bool
	recording   bool
	proc        Process
	procGen     uint64
	stopping    bool
	closeStatus Status
	controls    map[string]events.ControlRequest
	lastError   string
}

// New creates a session. Call Start to run it.
func New(cfg Config, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = process.DefaultGrace
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = deps.Clock.Now().UTC()
	}
	log := deps.Logger.WithSessionID(cfg.ID).WithBackend(cfg.Backend.String())

	s := &Session{
		cfg:        cfg,
		deps:       deps,
		adapter:    deps.Adapter,
		clock:      deps.Clock,
		logger:     log,
		cmds:       make(chan func()),
		outcomes:   make(chan procOutcome),
		done:       make(chan struct{}),
		machine:    NewMachine(cfg.QueueDelivery),
		history:    NewHistory(cfg.HistorySize),
		fan:        newFanout(cfg.SubscriberBuffer, log),
		lifecycle:  LifecycleLive,
		status:     StatusActive,
		recording:  deps.Recorder != nil && !cfg.Replaying,
		controls:   make(map[string]events.ControlRequest),
		replayOnly: cfg.Replaying,
	}
	if deps.Adapter != nil {
		s.caps = deps.Adapter.Capabilities()
	}
	if cfg.Replaying {
		s.lifecycle = LifecycleReplaying
	}
	s.publishInfo()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.cfg.ID }

// Start runs the session loop until the session terminates or ctx is
// cancelled. Cancelling ctx stops the backend and marks the session
// abandoned.
func (s *Session) Start(ctx context.Context) {
	go s.run(ctx)
}

// Done is closed when the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns the latest snapshot.
func (s *Session) Info() Info {
	return *s.info.Load()
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	s.ctx = context.WithoutCancel(ctx)
	s.notify()
	s.logger.Info("session started", zap.String("lifecycle", string(s.lifecycle)))

	ctxDone := ctx.Done()
	for s.lifecycle != LifecycleTerminated {
		select {
		case fn := <-s.cmds:
			fn()
		case po := <-s.outcomes:
			s.handleProc(po)
		case <-ctxDone:
			ctxDone = nil
			s.beginStop(StatusAbandoned)
		}
	}
	s.logger.Info("session terminated", zap.String("status", string(s.status)))
}

// exec runs fn on the loop and returns its error.
func (s *Session) exec(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case s.cmds <- func() { result <- fn() }:
	case <-s.done:
		return apperrors.NotRunning(s.cfg.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) checkMutable(action string) error {
	switch {
	case s.lifecycle == LifecycleReplaying:
		return apperrors.ReplayReadOnly(s.cfg.ID, action)
	case s.lifecycle == LifecycleTerminated, s.stopping:
		return apperrors.NotRunning(s.cfg.ID)
	}
	return nil
}

// SendInput starts a turn, or queues the input while a turn is running.
func (s *Session) SendInput(ctx context.Context, in adapter.Input) error {
	return s.exec(ctx, func() error {
		if err := s.checkMutable("send_input"); err != nil {
			return err
		}
		if strings.TrimSpace(in.Text) == "" && len(in.Images) == 0 {
			return apperrors.BadRequest("input is empty")
		}
		if len(in.Images) > 0 && !s.caps.SupportsImages {
			return apperrors.NotSupported(s.cfg.Backend.String(), "image input")
		}
		if !s.canStart() {
			s.machine.Enqueue(in)
			s.logger.Debug("input queued", zap.Int("queued", s.machine.Queued()))
			s.publishInfo()
			return nil
		}
		return s.startTurn(in)
	})
}

// RespondToControl answers a pending tool approval request.
func (s *Session) RespondToControl(ctx context.Context, requestID string, allow bool) error {
	return s.exec(ctx, func() error {
		if err := s.checkMutable("respond_to_control"); err != nil {
			return err
		}
		if !s.caps.SupportsToolApproval {
			return apperrors.NotSupported(s.cfg.Backend.String(), "tool approval")
		}
		req, ok := s.controls[requestID]
		if !ok {
			return apperrors.NotFound("control request", requestID)
		}
		if s.proc == nil {
			return apperrors.Conflict("backend process is no longer running")
		}
		payload, err := s.adapter.EncodeControlResponse(req, allow)
		if err != nil {
			return apperrors.InternalError("encode control response", err)
		}
		if err := s.proc.SendInput(payload); err != nil {
			return apperrors.InternalError("send control response", err)
		}
		delete(s.controls, requestID)
		s.recordInput(tape.InputRecord{Control: &tape.ControlDecision{RequestID: requestID, Allow: allow}})
		return nil
	})
}

// Update changes backend settings before the first run. Nil fields are
// left unchanged.
type Update struct {
	// Backend switches the session to another backend. Adapter and Launch
	// must describe it. When Model is nil the model becomes Launch.Model.
	Backend  agent.Backend
	Adapter  adapter.Adapter
	Launch   config.BackendConfig
	Model    *string
	PlanMode *bool
}

// Update applies u. Settings are fixed once the backend has reported a
// session id or while a turn or process is running.
func (s *Session) Update(ctx context.Context, u Update) error {
	return s.exec(ctx, func() error {
		if err := s.checkMutable("update_session"); err != nil {
			return err
		}
		if s.machine.AgentSessionID() != "" || s.cfg.ResumeID != "" {
			return apperrors.Conflict("session settings cannot change once the backend conversation has started")
		}
		if s.machine.Running() || s.proc != nil || s.machine.Queued() > 0 {
			return apperrors.Conflict("session settings cannot change while a run is active")
		}

		backend, a, caps, launch, model := s.cfg.Backend, s.adapter, s.caps, s.cfg.Launch, s.cfg.Model
		if u.Backend != "" && u.Backend != backend {
			if u.Adapter == nil {
				return apperrors.BadRequest(fmt.Sprintf("no adapter for backend %s", u.Backend))
			}
			backend, a, caps, launch, model = u.Backend, u.Adapter, u.Adapter.Capabilities(), u.Launch, u.Launch.Model
		}
		if u.Model != nil {
			model = *u.Model
		}
		planMode := s.cfg.PlanMode
		if u.PlanMode != nil {
			planMode = *u.PlanMode
		}
		if planMode && !caps.SupportsPlanMode {
			return apperrors.NotSupported(backend.String(), "plan mode")
		}

		if backend != s.cfg.Backend {
			s.logger.Info("session backend changed", zap.String("from", s.cfg.Backend.String()), zap.String("to", backend.String()))
			s.logger = s.deps.Logger.WithSessionID(s.cfg.ID).WithBackend(backend.String())
		}
		s.cfg.Backend, s.adapter, s.caps, s.cfg.Launch = backend, a, caps, launch
		s.cfg.Model, s.cfg.PlanMode = model, planMode
		s.notify()
		return nil
	})
}

// Stop terminates the backend and ends the session. Stopping a terminated
// session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	err := s.exec(ctx, func() error {
		if s.lifecycle == LifecycleReplaying {
			return apperrors.ReplayReadOnly(s.cfg.ID, "stop")
		}
		s.beginStop(s.endStatus())
		return nil
	})
	if err != nil && !errors.Is(err, apperrors.ErrNotRunning) {
		return err
	}
	return s.wait(ctx)
}

// Close ends the session whatever its lifecycle, marking it abandoned.
func (s *Session) Close(ctx context.Context) error {
	err := s.exec(ctx, func() error {
		s.beginStop(StatusAbandoned)
		return nil
	})
	if err != nil && !errors.Is(err, apperrors.ErrNotRunning) {
		return err
	}
	return s.wait(ctx)
}

func (s *Session) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a live subscriber. Only events emitted after the
// call are delivered.
func (s *Session) Subscribe(ctx context.Context) (*Subscription, error) {
	var sub *Subscription
	err := s.exec(ctx, func() error {
		sub = s.fan.subscribe()
		s.publishInfo()
		return nil
	})
	return sub, err
}

// Unsubscribe removes sub and closes its channel.
func (s *Session) Unsubscribe(ctx context.Context, sub *Subscription) error {
	err := s.exec(ctx, func() error {
		if !s.fan.unsubscribe(sub.id) {
			return apperrors.NotFound("subscription", fmt.Sprint(sub.id))
		}
		s.publishInfo()
		return nil
	})
	if errors.Is(err, apperrors.ErrNotRunning) {
		// Channels were closed when the session terminated.
		return nil
	}
	return err
}

// History returns the retained in-memory events, oldest first.
func (s *Session) History(ctx context.Context) ([]events.Event, error) {
	select {
	case <-s.done:
		return s.history.Snapshot(), nil
	default:
	}
	var out []events.Event
	err := s.exec(ctx, func() error {
		out = s.history.Snapshot()
		return nil
	})
	if errors.Is(err, apperrors.ErrNotRunning) {
		return s.history.Snapshot(), nil
	}
	return out, err
}

// ReplayInput applies a recorded input without forwarding it anywhere.
func (s *Session) ReplayInput(ctx context.Context, in tape.InputRecord) error {
	return s.exec(ctx, func() error {
		if s.lifecycle != LifecycleReplaying {
			return apperrors.Conflict("session is not replaying")
		}
		if in.Control != nil {
			delete(s.controls, in.Control.RequestID)
			return nil
		}
		if s.machine.Running() {
			s.logger.Warn("tape starts a turn while one is running")
		}
		s.machine.BeginTurn()
		s.publishInfo()
		return nil
	})
}

// ReplayEvent feeds a recorded event through the same state update and
// fan-out path as live output. Nothing is recorded.
func (s *Session) ReplayEvent(ctx context.Context, ev events.Event) error {
	return s.exec(ctx, func() error {
		if s.lifecycle != LifecycleReplaying {
			return apperrors.Conflict("session is not replaying")
		}
		s.ingest(ev, false)
		return nil
	})
}

// GoLive hands a replayed session to the live backend path. It runs on
// the loop, so subscribers see no gap between the last replayed event and
// the first live one.
func (s *Session) GoLive(ctx context.Context) error {
	return s.exec(ctx, func() error {
		if s.lifecycle != LifecycleReplaying {
			return apperrors.Conflict("session is not replaying")
		}
		if s.adapter == nil || s.deps.Spawner == nil {
			return apperrors.Conflict("session has no backend to continue with")
		}
		if s.machine.Running() {
			s.ingest(events.NewError("recorded turn did not finish before the session went live", true, nil), false)
		}
		s.lifecycle = LifecycleLive
		s.replayOnly = false
		s.logger.Info("continuing live", zap.String("agent_session_id", s.machine.AgentSessionID()))
		s.notify()
		return nil
	})
}

func (s *Session) canStart() bool {
	return !s.machine.Running() && (s.caps.StreamingInput || s.proc == nil)
}

// startTurn forwards in to the backend and opens a turn. Nothing changes
// if the backend cannot be reached.
func (s *Session) startTurn(in adapter.Input) error {
	if s.adapter == nil || s.deps.Spawner == nil {
		return apperrors.NotSupported(s.cfg.Backend.String(), "live input")
	}
	if err := s.forward(in); err != nil {
		return err
	}
	s.machine.BeginTurn()
	s.recordInput(tape.InputRecord{Text: in.Text, Images: in.Images})
	s.ingest(events.NewTurnStarted(), true)
	s.notify()
	return nil
}

func (s *Session) startQueued() {
	for s.lifecycle == LifecycleLive && !s.stopping && s.canStart() {
		in, ok := s.machine.Dequeue()
		if !ok {
			return
		}
		err := s.startTurn(in)
		if err == nil {
			return
		}
		s.logger.Error("failed to start queued input", zap.Error(err))
		s.ingest(events.NewError("failed to start queued input: "+err.Error(), false, nil), true)
	}
}

func (s *Session) forward(in adapter.Input) error {
	if !s.caps.StreamingInput {
		return s.spawn(in)
	}
	payload, err := s.adapter.EncodeInput(in)
	if err != nil {
		return apperrors.BadRequest(err.Error())
	}
	if s.proc == nil {
		if err := s.spawn(adapter.Input{}); err != nil {
			return err
		}
	}
	if err := s.proc.SendInput(payload); err != nil {
		return apperrors.InternalError("send input to backend", err)
	}
	return nil
}

func (s *Session) spawn(in adapter.Input) error {
	resume := s.machine.AgentSessionID()
	if resume == "" {
		resume = s.cfg.ResumeID
	}
	spec, err := s.adapter.BuildInvocation(adapter.SessionContext{
		WorkingDir:   s.cfg.WorkingDir,
		Model:        s.cfg.Model,
		Input:        in,
		ResumeID:     resume,
		PlanMode:     s.cfg.PlanMode,
		Binary:       s.cfg.Launch.Binary,
		ExtraArgs:    s.cfg.Launch.ExtraArgs,
		AllowedTools: s.cfg.Launch.AllowedTools,
		Env:          s.cfg.Launch.Env,
	})
	if err != nil {
		return apperrors.BadRequest(err.Error())
	}
	p, err := s.deps.Spawner.Spawn(s.ctx, spec)
	if err != nil {
		return apperrors.SpawnFailure(s.cfg.Backend.String(), err)
	}
	s.procGen++
	s.proc = p
	go s.pump(s.procGen, p)
	s.logger.Info("backend spawned", zap.Int("pid", p.Pid()), zap.String("resume", resume))
	return nil
}

// pump translates process output off the loop. It always reports the exit.
func (s *Session) pump(gen uint64, p Process) {
	backend := s.adapter.Backend().String()
	ctx := context.Background()
	for msg := range p.Messages() {
		outs := adapter.TranslateLine(s.adapter, msg)
		for _, o := range outs {
			if o.Dropped != "" {
				s.logger.Debug("raw event dropped",
					zap.Int64("seq", o.Raw.Seq),
					zap.String("raw_type", o.Raw.Type),
					zap.String("reason", o.Dropped))
			}
			if tracing.Enabled() {
				t := tracing.Translation{
					Backend:   backend,
					SessionID: s.cfg.ID,
					RawType:   o.Raw.Type,
					Raw:       o.Raw.Data,
					Dropped:   o.Dropped,
				}
				if o.Event != nil {
					t.Normalized, _ = json.Marshal(o.Event)
				}
				tracing.TraceTranslation(ctx, t)
			}
		}
		select {
		case s.outcomes <- procOutcome{gen: gen, outcomes: outs}:
		case <-s.done:
			for range p.Messages() {
			}
			return
		}
	}
	exit := p.Exit()
	select {
	case s.outcomes <- procOutcome{gen: gen, exit: &exit, stderr: p.StderrTail()}:
	case <-s.done:
	}
}

func (s *Session) handleProc(po procOutcome) {
	if po.gen != s.procGen {
		s.logger.Debug("ignoring output of a replaced process", zap.Uint64("generation", po.gen))
		return
	}
	for _, o := range po.outcomes {
		if o.Event != nil {
			s.ingest(*o.Event, true)
		}
	}
	if po.exit == nil {
		return
	}

	s.proc = nil
	s.logger.Info("backend exited",
		zap.Int("exit_code", po.exit.Code),
		zap.Bool("terminated", po.exit.Terminated),
		zap.Bool("turn_running", s.machine.Running()))
	if s.machine.Running() {
		s.ingest(adapter.ExitEvent(s.cfg.Backend, *po.exit, po.stderr), true)
	}
	if s.stopping {
		s.finish()
		return
	}
	s.publishInfo()
	s.startQueued()
}

// ingest records ev, applies it to the state machine and fans it out.
func (s *Session) ingest(ev events.Event, record bool) {
	if record && s.recording {
		if err := s.deps.Recorder.RecordEvent(s.cfg.ID, ev); err != nil {
			s.logger.Error("failed to record event", zap.String("event_type", string(ev.Type)), zap.Error(err))
		}
	}

	prev := s.machine.Phase()
	eff := s.machine.Apply(&ev)
	switch ev.Type {
	case events.TypeControlRequest:
		s.controls[ev.ControlRequest.RequestID] = *ev.ControlRequest
	case events.TypeError:
		s.lastError = ev.Error.Message
	}
	if eff.Orphan {
		s.logger.Warn("tool completion without a matching start", zap.String("tool_id", ev.ToolCompleted.ToolID))
	}
	if !eff.Suppress {
		s.history.Add(ev)
		s.fan.publish(ev)
	}

	if eff.TurnEnded {
		clear(s.controls)
		s.notify()
		s.startQueued()
		return
	}
	if s.machine.Phase() != prev || ev.Type == events.TypeSessionInit {
		s.publishInfo()
	}
}

func (s *Session) recordInput(in tape.InputRecord) {
	if !s.recording {
		return
	}
	in.Backend = s.cfg.Backend.String()
	in.WorkingDir = s.cfg.WorkingDir
	in.Model = s.cfg.Model
	in.PlanMode = s.cfg.PlanMode
	if err := s.deps.Recorder.RecordInput(s.cfg.ID, in); err != nil {
		s.logger.Error("failed to record input", zap.Error(err))
	}
}

func (s *Session) endStatus() Status {
	if s.machine.LastTurnFailed() {
		return StatusFailed
	}
	return StatusCompleted
}

func (s *Session) beginStop(status Status) {
	if s.stopping || s.lifecycle == LifecycleTerminated {
		return
	}
	s.stopping = true
	s.closeStatus = status
	if s.proc == nil {
		s.finish()
		return
	}
	s.machine.Drain()
	s.publishInfo()
	p, grace := s.proc, s.cfg.TerminateGrace
	s.logger.Info("stopping backend", zap.Int("pid", p.Pid()), zap.Duration("grace", grace))
	go p.Terminate(grace)
}

func (s *Session) finish() {
	s.lifecycle = LifecycleTerminated
	s.status = s.closeStatus
	s.fan.closeAll()
	s.notify()
}

func (s *Session) publishInfo() {
	total, turn := s.machine.Usage()
	info := &Info{
		ID:             s.cfg.ID,
		Backend:        s.cfg.Backend.String(),
		WorkingDir:     s.cfg.WorkingDir,
		Model:          s.cfg.Model,
		PlanMode:       s.cfg.PlanMode,
		AgentSessionID: s.machine.AgentSessionID(),
		Lifecycle:      s.lifecycle,
		Status:         s.status,
		Phase:          s.machine.Phase(),
		OpenTools:      s.machine.OpenTools(),
		Queued:         s.machine.Queued(),
		Usage:          total,
		TurnUsage:      turn,
		Turns:          s.machine.Turns(),
		Subscribers:    s.fan.count(),
		Dropped:        s.fan.dropped.Load(),
		LastError:      s.lastError,
		ReplayOnly:     s.replayOnly,
		CreatedAt:      s.cfg.CreatedAt,
		UpdatedAt:      s.clock.Now().UTC(),
	}
	if info.AgentSessionID == "" {
		info.AgentSessionID = s.cfg.ResumeID
	}
	if s.proc != nil {
		info.Pid = s.proc.Pid()
	}
	s.info.Store(info)
}

func (s *Session) notify() {
	s.publishInfo()
	if s.deps.OnChange != nil {
		s.deps.OnChange(s.Info())
	}
}
