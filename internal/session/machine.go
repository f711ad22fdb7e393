package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BoozeLee/conduit/internal/agent/adapter"
	"github.com/BoozeLee/conduit/internal/agent/events"
)

// Phase is the turn state of a session.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseAwaitingModel Phase = "awaiting_model"
	PhaseExecutingTool Phase = "executing_tool"
	PhaseDraining      Phase = "draining"
)

// Running reports whether a turn is in progress.
func (p Phase) Running() bool { return p != PhaseIdle }

// QueueDelivery controls how inputs queued during a turn are delivered.
type QueueDelivery string

const (
	// DeliverSequential starts one turn per queued input.
	DeliverSequential QueueDelivery = "sequential"
	// DeliverConcat merges every queued input into one turn.
	DeliverConcat QueueDelivery = "concat"
	// DeliverNumbered merges queued inputs under "[Queued i of n]" headers.
	DeliverNumbered QueueDelivery = "numbered"
)

// ParseQueueDelivery maps a config value to a QueueDelivery. Empty selects
// DeliverSequential.
func ParseQueueDelivery(s string) (QueueDelivery, error) {
	switch QueueDelivery(s) {
	case "", DeliverSequential:
		return DeliverSequential, nil
	case DeliverConcat, DeliverNumbered:
		return QueueDelivery(s), nil
	}
	return "", fmt.Errorf("unknown queue delivery mode %q", s)
}

// Effect tells the session what an applied event changed.
type Effect struct {
	// Suppress is set for events that must not reach history or
	// subscribers, such as a repeated SessionInit.
	Suppress bool
	// TurnEnded is set when the event closed the running turn.
	TurnEnded bool
	// Orphan is set when a ToolCompleted matched no open invocation.
	Orphan bool
}

// Machine is the per-session turn state machine. It performs no I/O and
// is driven only by the session loop.
type Machine struct {
	phase    Phase
	open     map[string]events.ToolStarted
	queue    []adapter.Input
	delivery QueueDelivery

	agentSessionID string
	usage          events.Usage
	turnUsage      events.Usage
	turns          int
	lastTurnFailed bool
}

// NewMachine returns an idle machine.
func NewMachine(delivery QueueDelivery) *Machine {
	if delivery == "" {
		delivery = DeliverSequential
	}
	return &Machine{
		phase:    PhaseIdle,
		open:     make(map[string]events.ToolStarted),
		delivery: delivery,
	}
}

func (m *Machine) Phase() Phase { return m.phase }

func (m *Machine) Running() bool { return m.phase.Running() }

// BeginTurn moves an idle machine to AwaitingModel.
func (m *Machine) BeginTurn() {
	m.phase = PhaseAwaitingModel
	m.turnUsage = events.Usage{}
	m.lastTurnFailed = false
}

// Drain marks the running turn as being stopped. It returns false when no
// turn is running.
func (m *Machine) Drain() bool {
	if !m.Running() {
		return false
	}
	m.phase = PhaseDraining
	return true
}

// Enqueue holds an input until the running turn ends.
func (m *Machine) Enqueue(in adapter.Input) {
	m.queue = append(m.queue, in)
}

// Queued returns the number of held inputs.
func (m *Machine) Queued() int { return len(m.queue) }

// Dequeue returns the input for the next turn according to the delivery
// mode.
func (m *Machine) Dequeue() (adapter.Input, bool) {
	if len(m.queue) == 0 {
		return adapter.Input{}, false
	}
	if m.delivery == DeliverSequential || len(m.queue) == 1 {
		in := m.queue[0]
		m.queue = m.queue[1:]
		return in, true
	}

	n := len(m.queue)
	texts := make([]string, 0, n)
	var images []string
	for i, in := range m.queue {
		text := in.Text
		if m.delivery == DeliverNumbered {
			text = fmt.Sprintf("[Queued %d of %d]\n%s", i+1, n, in.Text)
		}
		texts = append(texts, text)
		images = append(images, in.Images...)
	}
	m.queue = nil
	return adapter.Input{Text: strings.Join(texts, "\n\n"), Images: images}, true
}

// Apply updates the machine for ev. It may set ev.ToolCompleted.Orphan.
func (m *Machine) Apply(ev *events.Event) Effect {
	var eff Effect
	switch ev.Type {
	case events.TypeSessionInit:
		if id := ev.SessionInit.SessionID; id != "" && id == m.agentSessionID {
			eff.Suppress = true
		}
		m.agentSessionID = ev.SessionInit.SessionID

	case events.TypeToolStarted:
		m.open[ev.ToolStarted.ToolID] = *ev.ToolStarted
		if m.phase == PhaseAwaitingModel {
			m.phase = PhaseExecutingTool
		}

	case events.TypeToolCompleted:
		id := ev.ToolCompleted.ToolID
		if _, ok := m.open[id]; !ok {
			ev.ToolCompleted.Orphan = true
			eff.Orphan = true
			break
		}
		delete(m.open, id)
		if m.phase == PhaseExecutingTool && len(m.open) == 0 {
			m.phase = PhaseAwaitingModel
		}

	case events.TypeTokenUsage:
		m.turnUsage = *ev.TokenUsage

	case events.TypeTurnCompleted:
		m.usage = m.usage.Add(ev.TurnCompleted.Usage)
		m.turnUsage = ev.TurnCompleted.Usage
		eff.TurnEnded = m.endTurn(false)

	case events.TypeError:
		if ev.Error.IsFatal {
			eff.TurnEnded = m.endTurn(true)
		}
	}
	return eff
}

func (m *Machine) endTurn(failed bool) bool {
	wasRunning := m.Running()
	m.phase = PhaseIdle
	clear(m.open)
	if wasRunning {
		m.turns++
		m.lastTurnFailed = failed
	}
	return wasRunning
}

// OpenTools returns the ids of unresolved tool invocations, sorted.
func (m *Machine) OpenTools() []string {
	ids := make([]string, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AgentSessionID is the backend's own session id from the last
// SessionInit.
func (m *Machine) AgentSessionID() string { return m.agentSessionID }

// Usage returns the session totals and the current turn's snapshot.
func (m *Machine) Usage() (total, turn events.Usage) { return m.usage, m.turnUsage }

func (m *Machine) Turns() int { return m.turns }

func (m *Machine) LastTurnFailed() bool { return m.lastTurnFailed }
