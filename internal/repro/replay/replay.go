// Package replay feeds a recorded tape back through sessions. Entries go
// through the same state update and fan-out path as live output, paced by
// their recorded timestamps, and nothing is recorded again.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BoozeLee/conduit/internal/agent/events"
	"github.com/BoozeLee/conduit/internal/common/clock"
	apperrors "github.com/BoozeLee/conduit/internal/common/errors"
	"github.com/BoozeLee/conduit/internal/common/logger"
	"github.com/BoozeLee/conduit/internal/orchestrator"
	"github.com/BoozeLee/conduit/internal/repro/tape"
	"github.com/BoozeLee/conduit/pkg/agent"
)

// Session is the replay surface of a session.
type Session interface {
	ReplayInput(ctx context.Context, in tape.InputRecord) error
	ReplayEvent(ctx context.Context, ev events.Event) error
	GoLive(ctx context.Context) error
}

// Target creates replaying sessions.
type Target interface {
	Attach(ctx context.Context, spec orchestrator.ReplaySpec) (Session, error)
}

// OrchestratorTarget adapts an orchestrator to Target.
type OrchestratorTarget struct {
	Orchestrator *orchestrator.Orchestrator
}

func (t OrchestratorTarget) Attach(ctx context.Context, spec orchestrator.ReplaySpec) (Session, error) {
	s, err := t.Orchestrator.AttachReplay(ctx, spec)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Options tune a replay.
type Options struct {
	// Speed scales recorded delays: 2 replays twice as fast. Zero or
	// less replays without delays.
	Speed float64
	// ContinueLive hands every session to its live backend once the tape
	// is drained.
	ContinueLive bool
	Clock        clock.Clock
	Logger       *logger.Logger
}

// Result summarizes a replay.
type Result struct {
	Sessions []string `json:"sessions"`
	// Replayed counts entries fed to sessions; Total counts entries the
	// tape held, including unreadable ones.
	Replayed int  `json:"replayed"`
	Total    int  `json:"total"`
	WentLive bool `json:"went_live"`
}

// Replayer drives tapes into a Target.
type Replayer struct {
	target Target
	opts   Options
	logger *logger.Logger
}

// New creates a Replayer.
func New(target Target, opts Options) *Replayer {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &Replayer{
		target: target,
		opts:   opts,
		logger: opts.Logger.WithFields(zap.String("component", "replayer")),
	}
}

// ReplayFile replays the tape at path. See Replay.
func (r *Replayer) ReplayFile(ctx context.Context, path string) (*Result, error) {
	t, err := tape.ReadFile(path)
	if t == nil {
		if err == nil {
			err = errors.New("empty tape")
		}
		var corrupt *tape.CorruptionError
		if errors.As(err, &corrupt) {
			return &Result{Total: corrupt.Total}, apperrors.TapeCorruption("tape header is unreadable", err)
		}
		return nil, fmt.Errorf("read tape: %w", err)
	}
	var corrupt *tape.CorruptionError
	if err != nil && !errors.As(err, &corrupt) {
		return nil, fmt.Errorf("read tape: %w", err)
	}
	return r.Replay(ctx, t, corrupt)
}

// Replay feeds the entries of t into sessions created through the target.
// When corrupt is non-nil the recovered entries are replayed and a
// TAPE_CORRUPT error wrapping it is returned.
func (r *Replayer) Replay(ctx context.Context, t *tape.Tape, corrupt *tape.CorruptionError) (*Result, error) {
	res := &Result{Total: len(t.Entries)}
	if corrupt != nil {
		res.Total = corrupt.Total
	}
	specs := r.specs(t)
	sessions := make(map[string]Session)

	var lastAt int64
	for i := range t.Entries {
		e := &t.Entries[i]
		if err := r.wait(ctx, e.At-lastAt); err != nil {
			return res, err
		}
		lastAt = e.At

		s, ok := sessions[e.SessionID]
		if !ok {
			var err error
			s, err = r.target.Attach(ctx, specs[e.SessionID])
			if err != nil {
				return res, fmt.Errorf("attach replay session %s: %w", e.SessionID, err)
			}
			sessions[e.SessionID] = s
			res.Sessions = append(res.Sessions, e.SessionID)
		}

		if err := r.feed(ctx, s, e); err != nil {
			var decode *decodeError
			if !errors.As(err, &decode) {
				return res, err
			}
			ce := &tape.CorruptionError{Line: i + 2, Recovered: res.Replayed, Total: res.Total, Err: decode.err}
			r.logger.Error("tape entry unreadable, replay halted", zap.Int("line", ce.Line), zap.Error(decode.err))
			return res, apperrors.TapeCorruption(r.corruptionMessage(ce), ce)
		}
		res.Replayed++
	}

	if corrupt != nil {
		r.logger.Error("tape corrupt, replay halted",
			zap.Int("line", corrupt.Line),
			zap.Int("recovered", corrupt.Recovered),
			zap.Int("total", corrupt.Total),
			zap.Error(corrupt.Err))
		return res, apperrors.TapeCorruption(r.corruptionMessage(corrupt), corrupt)
	}

	if r.opts.ContinueLive {
		for _, id := range res.Sessions {
			if err := sessions[id].GoLive(ctx); err != nil {
				return res, fmt.Errorf("continue session %s live: %w", id, err)
			}
		}
		res.WentLive = true
	}
	r.logger.Info("replay finished",
		zap.Int("sessions", len(res.Sessions)),
		zap.Int("entries", res.Replayed),
		zap.Bool("continued_live", res.WentLive))
	return res, nil
}

func (r *Replayer) corruptionMessage(ce *tape.CorruptionError) string {
	return fmt.Sprintf("replay halted at line %d: %d of %d entries recovered", ce.Line, ce.Recovered, ce.Total)
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return e.err.Error() }

func (r *Replayer) feed(ctx context.Context, s Session, e *tape.Entry) error {
	switch e.Kind {
	case tape.KindAgentInput:
		in, err := e.Input()
		if err != nil {
			return &decodeError{err}
		}
		return s.ReplayInput(ctx, in)
	case tape.KindAgentEvent:
		ev, err := e.Event()
		if err != nil {
			return &decodeError{err}
		}
		return s.ReplayEvent(ctx, ev)
	}
	return &decodeError{fmt.Errorf("entry %d has unknown kind %q", e.Seq, e.Kind)}
}

// wait sleeps for a recorded gap of deltaMs scaled by the speed.
func (r *Replayer) wait(ctx context.Context, deltaMs int64) error {
	if r.opts.Speed <= 0 || deltaMs <= 0 {
		return ctx.Err()
	}
	d := time.Duration(float64(deltaMs) * float64(time.Millisecond) / r.opts.Speed)
	select {
	case <-r.opts.Clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// specs derives each session's binding from the first input that names a
// backend.
func (r *Replayer) specs(t *tape.Tape) map[string]orchestrator.ReplaySpec {
	out := make(map[string]orchestrator.ReplaySpec)
	for _, e := range t.Entries {
		spec, seen := out[e.SessionID]
		if !seen {
			spec = orchestrator.ReplaySpec{
				ID:        e.SessionID,
				CreatedAt: t.Header.StartedAt.Add(time.Duration(e.At) * time.Millisecond),
			}
		}
		if spec.Backend == "" && e.Kind == tape.KindAgentInput {
			if in, err := e.Input(); err == nil && in.Backend != "" {
				spec.Backend = agent.Backend(in.Backend)
				spec.WorkingDir = in.WorkingDir
				spec.Model = in.Model
				spec.PlanMode = in.PlanMode
			}
		}
		out[e.SessionID] = spec
	}
	return out
}
