// Package orchestrator is the registry of concurrent agent sessions. It
// starts, resumes and stops sessions, routes control actions to them and
// attaches replayed sessions fed from a tape.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BoozeLee/conduit/internal/agent/adapter"
	"github.com/BoozeLee/conduit/internal/agent/events"
	"github.com/BoozeLee/conduit/internal/common/clock"
	"github.com/BoozeLee/conduit/internal/common/config"
	apperrors "github.com/BoozeLee/conduit/internal/common/errors"
	"github.com/BoozeLee/conduit/internal/common/logger"
	"github.com/BoozeLee/conduit/internal/events/bus"
	"github.com/BoozeLee/conduit/internal/session"
	"github.com/BoozeLee/conduit/internal/storage"
	"github.com/BoozeLee/conduit/pkg/agent"
)

// Options configures an Orchestrator. Spawner is required unless ReadOnly
// is set; Recorder, Store and Bus are optional.
type Options struct {
	Agents  config.AgentsConfig
	Session config.SessionConfig
	// ReadOnly rejects every live action, including StartSession. It is
	// used for pure replay.
	ReadOnly bool

	Spawner  session.Spawner
	Recorder session.Recorder
	Store    storage.SessionStore
	Bus      bus.EventBus
	Clock    clock.Clock
	Logger   *logger.Logger

	// NewAdapter builds the adapter for a backend. Defaults to adapter.New.
	NewAdapter func(agent.Backend) (adapter.Adapter, error)
}

// StartRequest starts or resumes a session.
type StartRequest struct {
	// ID names the session; a UUID is generated when empty. Starting an
	// id known to storage resumes that session.
	ID         string        `json:"id,omitempty"`
	Backend    agent.Backend `json:"backend,omitempty"`
	Prompt     string        `json:"prompt,omitempty"`
	Images     []string      `json:"images,omitempty"`
	WorkingDir string        `json:"working_dir,omitempty"`
	Model      string        `json:"model,omitempty"`
	PlanMode   bool          `json:"plan_mode,omitempty"`
}

// ReplaySpec describes a session rebuilt from a tape.
type ReplaySpec struct {
	ID         string
	Backend    agent.Backend
	WorkingDir string
	Model      string
	PlanMode   bool
	CreatedAt  time.Time
}

// Orchestrator owns every session of the process.
type Orchestrator struct {
	opts    Options
	logger  *logger.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	notify  *notifier
	queue   session.QueueDelivery
	grace   time.Duration
	mu      sync.RWMutex
	byID    map[string]*session.Session
	order   []string
	closing bool
}

// New creates an orchestrator. Sessions run until StopSession or Shutdown.
func New(opts Options) (*Orchestrator, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.NewAdapter == nil {
		opts.NewAdapter = adapter.New
	}
	if opts.Spawner == nil && !opts.ReadOnly {
		return nil, fmt.Errorf("orchestrator needs a spawner unless read-only")
	}
	queue, err := session.ParseQueueDelivery(opts.Session.QueueDelivery)
	if err != nil {
		return nil, err
	}
	log := opts.Logger.WithFields(zap.String("component", "orchestrator"))
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:   opts,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
		notify: newNotifier(opts.Store, opts.Bus, opts.Clock, log),
		queue:  queue,
		grace:  opts.Session.TerminateGraceDuration(),
		byID:   make(map[string]*session.Session),
	}, nil
}

// ReadOnly reports whether live actions are rejected.
func (o *Orchestrator) ReadOnly() bool { return o.opts.ReadOnly }

// StartSession creates a session and, when a prompt is given, starts its
// first turn. If the backend cannot be spawned the session stays
// registered and idle, and the spawn error is returned.
func (o *Orchestrator) StartSession(ctx context.Context, req StartRequest) (session.Info, error) {
	if o.opts.ReadOnly {
		return session.Info{}, apperrors.ReplayReadOnly(req.ID, "start_session")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	cfg, err := o.sessionConfig(ctx, req)
	if err != nil {
		return session.Info{}, err
	}
	a, err := o.opts.NewAdapter(cfg.Backend)
	if err != nil {
		return session.Info{}, apperrors.BadRequest(err.Error())
	}

	s := session.New(cfg, session.Deps{
		Adapter:  a,
		Spawner:  o.opts.Spawner,
		Recorder: o.opts.Recorder,
		Clock:    o.opts.Clock,
		Logger:   o.opts.Logger,
		OnChange: o.notify.onChange,
	})
	if err := o.register(s, true); err != nil {
		return session.Info{}, err
	}
	s.Start(o.ctx)
	o.logger.Info("session started",
		zap.String("session_id", cfg.ID),
		zap.String("backend", cfg.Backend.String()),
		zap.String("working_dir", cfg.WorkingDir),
		zap.Bool("resumed", cfg.ResumeID != ""))

	if strings.TrimSpace(req.Prompt) != "" || len(req.Images) > 0 {
		if err := s.SendInput(ctx, adapter.Input{Text: req.Prompt, Images: req.Images}); err != nil {
			return s.Info(), err
		}
	}
	return s.Info(), nil
}

// sessionConfig merges req with stored metadata and configured defaults.
func (o *Orchestrator) sessionConfig(ctx context.Context, req StartRequest) (session.Config, error) {
	cfg := session.Config{
		ID:               req.ID,
		Backend:          req.Backend,
		WorkingDir:       req.WorkingDir,
		Model:            req.Model,
		PlanMode:         req.PlanMode,
		HistorySize:      o.opts.Session.HistorySize,
		SubscriberBuffer: o.opts.Session.SubscriberBuffer,
		QueueDelivery:    o.queue,
		TerminateGrace:   o.grace,
	}

	prev, err := o.previous(ctx, req.ID)
	if err != nil {
		return cfg, err
	}
	if prev != nil {
		if cfg.Backend != "" && cfg.Backend.String() != prev.Backend {
			return cfg, apperrors.BadRequest(fmt.Sprintf("session %s runs on %s, not %s", req.ID, prev.Backend, cfg.Backend))
		}
		cfg.Backend = agent.Backend(prev.Backend)
		if cfg.WorkingDir == "" {
			cfg.WorkingDir = prev.WorkingDir
		}
		if cfg.Model == "" {
			cfg.Model = prev.Model
		}
		cfg.PlanMode = cfg.PlanMode || prev.PlanMode
		cfg.ResumeID = prev.AgentSessionID
		cfg.CreatedAt = prev.CreatedAt
	}

	if cfg.Backend == "" {
		cfg.Backend = agent.Backend(o.opts.Agents.Default)
	}
	if !cfg.Backend.IsValid() {
		return cfg, apperrors.BadRequest(fmt.Sprintf("unknown backend %q", cfg.Backend))
	}
	cfg.Launch = o.opts.Agents.For(cfg.Backend.String())
	if req.Model != "" {
		if err := o.checkModel(cfg.Backend, req.Model); err != nil {
			return cfg, err
		}
	}
	if cfg.Model == "" {
		cfg.Model = cfg.Launch.Model
	}
	if cfg.WorkingDir == "" {
		return cfg, apperrors.BadRequest("working_dir is required")
	}
	if st, err := os.Stat(cfg.WorkingDir); err != nil || !st.IsDir() {
		return cfg, apperrors.BadRequest(fmt.Sprintf("working_dir %s is not a directory", cfg.WorkingDir))
	}
	return cfg, nil
}

// previous returns what is known about an earlier run of id: its stored
// record, or the terminated in-memory session.
func (o *Orchestrator) previous(ctx context.Context, id string) (*storage.SessionRecord, error) {
	o.mu.RLock()
	old := o.byID[id]
	o.mu.RUnlock()
	if old != nil {
		info := old.Info()
		switch info.Lifecycle {
		case session.LifecycleTerminated:
		case session.LifecycleReplaying:
			return nil, apperrors.ReplayReadOnly(id, "start_session")
		default:
			return nil, apperrors.Conflict(fmt.Sprintf("session %s is already running", id))
		}
	}

	if o.opts.Store != nil {
		rec, err := o.opts.Store.Get(ctx, id)
		switch {
		case err == nil:
			return rec, nil
		case !errors.Is(err, apperrors.ErrNotFound):
			return nil, apperrors.InternalError("load session metadata", err)
		}
	}
	if old != nil {
		info := old.Info()
		return &storage.SessionRecord{
			ID:             info.ID,
			Backend:        info.Backend,
			WorkingDir:     info.WorkingDir,
			Model:          info.Model,
			PlanMode:       info.PlanMode,
			AgentSessionID: info.AgentSessionID,
			CreatedAt:      info.CreatedAt,
		}, nil
	}
	return nil, nil
}

// register adds s. replace allows a terminated session with the same id to
// be superseded.
func (o *Orchestrator) register(s *session.Session, replace bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return apperrors.Conflict("orchestrator is shutting down")
	}
	id := s.ID()
	if old, ok := o.byID[id]; ok {
		if !replace || old.Info().Lifecycle != session.LifecycleTerminated {
			return apperrors.Conflict(fmt.Sprintf("session %s already exists", id))
		}
	} else {
		o.order = append(o.order, id)
	}
	o.byID[id] = s
	return nil
}

func (o *Orchestrator) lookup(id string) (*session.Session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.byID[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return s, nil
}

// mutable returns the session for a live action, rejecting replaying
// sessions before they are reached.
func (o *Orchestrator) mutable(id, action string) (*session.Session, error) {
	s, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	switch s.Info().Lifecycle {
	case session.LifecycleReplaying:
		return nil, apperrors.ReplayReadOnly(id, action)
	case session.LifecycleTerminated:
		if action != "stop_session" {
			return nil, apperrors.NotRunning(id)
		}
	}
	return s, nil
}

// SendInput forwards a user message, queueing it while a turn runs.
func (o *Orchestrator) SendInput(ctx context.Context, id string, in adapter.Input) error {
	s, err := o.mutable(id, "send_input")
	if err != nil {
		return err
	}
	return s.SendInput(ctx, in)
}

// StopSession terminates the session's backend. Stopping a terminated
// session is a no-op.
func (o *Orchestrator) StopSession(ctx context.Context, id string) error {
	s, err := o.mutable(id, "stop_session")
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

// UpdateRequest changes a session's settings before its first run. Nil
// and empty fields are left unchanged; an empty Model selects the
// backend's configured default.
type UpdateRequest struct {
	Backend  agent.Backend `json:"backend,omitempty"`
	Model    *string       `json:"model,omitempty"`
	PlanMode *bool         `json:"plan_mode,omitempty"`
}

// UpdateSession changes the backend, model or plan mode of an idle
// session whose backend conversation has not started yet. Switching
// backend without a model selects the new backend's default model.
func (o *Orchestrator) UpdateSession(ctx context.Context, id string, req UpdateRequest) (session.Info, error) {
	if o.opts.ReadOnly {
		return session.Info{}, apperrors.ReplayReadOnly(id, "update_session")
	}
	s, err := o.mutable(id, "update_session")
	if err != nil {
		return session.Info{}, err
	}

	u := session.Update{PlanMode: req.PlanMode}
	backend := agent.Backend(s.Info().Backend)
	if req.Backend != "" && req.Backend != backend {
		if !req.Backend.IsValid() {
			return session.Info{}, apperrors.BadRequest(fmt.Sprintf("unknown backend %q", req.Backend))
		}
		a, err := o.opts.NewAdapter(req.Backend)
		if err != nil {
			return session.Info{}, apperrors.BadRequest(err.Error())
		}
		backend = req.Backend
		u.Backend, u.Adapter, u.Launch = backend, a, o.opts.Agents.For(backend.String())
	}
	if req.Model != nil {
		model := *req.Model
		if model == "" {
			model = o.opts.Agents.For(backend.String()).Model
		} else if err := o.checkModel(backend, model); err != nil {
			return session.Info{}, err
		}
		u.Model = &model
	}

	if err := s.Update(ctx, u); err != nil {
		return session.Info{}, err
	}
	info := s.Info()
	o.logger.Info("session updated",
		zap.String("session_id", id),
		zap.String("backend", info.Backend),
		zap.String("model", info.Model),
		zap.Bool("plan_mode", info.PlanMode))
	return info, nil
}

// checkModel rejects model ids that are malformed or not configured for
// backend.
func (o *Orchestrator) checkModel(backend agent.Backend, model string) error {
	if strings.HasPrefix(model, "-") || strings.ContainsFunc(model, unicode.IsSpace) {
		return apperrors.BadRequest(fmt.Sprintf("invalid model %q", model))
	}
	launch := o.opts.Agents.For(backend.String())
	if !launch.AllowsModel(model) {
		return apperrors.BadRequest(fmt.Sprintf("invalid model %q for backend %s", model, backend))
	}
	return nil
}

// RespondToControl answers a pending tool approval request.
func (o *Orchestrator) RespondToControl(ctx context.Context, id, requestID string, allow bool) error {
	s, err := o.mutable(id, "respond_to_control")
	if err != nil {
		return err
	}
	return s.RespondToControl(ctx, requestID, allow)
}

// Subscribe delivers the session's events from now on.
func (o *Orchestrator) Subscribe(ctx context.Context, id string) (*session.Subscription, error) {
	s, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.Subscribe(ctx)
}

// Unsubscribe ends a subscription and closes its channel.
func (o *Orchestrator) Unsubscribe(ctx context.Context, id string, sub *session.Subscription) error {
	s, err := o.lookup(id)
	if err != nil {
		return err
	}
	return s.Unsubscribe(ctx, sub)
}

// Get returns a snapshot of one session.
func (o *Orchestrator) Get(id string) (session.Info, error) {
	s, err := o.lookup(id)
	if err != nil {
		return session.Info{}, err
	}
	return s.Info(), nil
}

// List returns snapshots of every session in creation order.
func (o *Orchestrator) List() []session.Info {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]session.Info, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.byID[id].Info())
	}
	return out
}

// Stored returns the persisted metadata of every session, including those
// of earlier runs.
func (o *Orchestrator) Stored(ctx context.Context) ([]*storage.SessionRecord, error) {
	if o.opts.Store == nil {
		return nil, nil
	}
	return o.opts.Store.List(ctx)
}

// History returns the session's retained events.
func (o *Orchestrator) History(ctx context.Context, id string) ([]events.Event, error) {
	s, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.History(ctx)
}

// AttachReplay creates a replaying session. Unless the orchestrator is
// read-only the session gets an adapter and spawner so it can later go
// live. Replayed sessions are never recorded.
func (o *Orchestrator) AttachReplay(ctx context.Context, spec ReplaySpec) (*session.Session, error) {
	if spec.ID == "" {
		return nil, apperrors.BadRequest("replayed session without id")
	}
	deps := session.Deps{
		Clock:    o.opts.Clock,
		Logger:   o.opts.Logger,
		OnChange: o.notify.onChange,
	}
	if !o.opts.ReadOnly && spec.Backend.IsValid() {
		a, err := o.opts.NewAdapter(spec.Backend)
		if err != nil {
			return nil, apperrors.BadRequest(err.Error())
		}
		deps.Adapter = a
		deps.Spawner = o.opts.Spawner
	}
	s := session.New(session.Config{
		ID:               spec.ID,
		Backend:          spec.Backend,
		WorkingDir:       spec.WorkingDir,
		Model:            spec.Model,
		PlanMode:         spec.PlanMode,
		Launch:           o.opts.Agents.For(spec.Backend.String()),
		HistorySize:      o.opts.Session.HistorySize,
		SubscriberBuffer: o.opts.Session.SubscriberBuffer,
		QueueDelivery:    o.queue,
		TerminateGrace:   o.grace,
		Replaying:        true,
		CreatedAt:        spec.CreatedAt,
	}, deps)
	if err := o.register(s, false); err != nil {
		return nil, err
	}
	s.Start(o.ctx)
	o.logger.Info("replay session attached", zap.String("session_id", spec.ID), zap.String("backend", spec.Backend.String()))
	return s, nil
}

// Shutdown stops every session and waits for them to terminate. Live
// sessions end with their turn outcome, replaying ones as abandoned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	sessions := make([]*session.Session, 0, len(o.byID))
	for _, s := range o.byID {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID() < sessions[j].ID() })

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			var err error
			if s.Info().Lifecycle == session.LifecycleReplaying {
				err = s.Close(gctx)
			} else {
				err = s.Stop(gctx)
			}
			if err != nil {
				return fmt.Errorf("stop session %s: %w", s.ID(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	o.cancel()
	o.logger.Info("orchestrator shut down", zap.Int("sessions", len(sessions)))
	return err
}
