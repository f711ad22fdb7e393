package session

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BoozeLee/conduit/internal/agent/events"
	"github.com/BoozeLee/conduit/internal/common/logger"
)

// Subscription is one consumer of a session's live events. The channel is
// closed when the subscription ends or the session terminates.
type Subscription struct {
	id      uint64
	ch      chan events.Event
	dropped atomic.Uint64
}

// ID identifies the subscription within its session.
func (s *Subscription) ID() uint64 { return s.id }

// Events yields events in emission order.
func (s *Subscription) Events() <-chan events.Event { return s.ch }

// Dropped counts events this subscriber missed because its buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// fanout delivers events to subscribers without ever blocking the
// producer. Only the session loop touches subs.
type fanout struct {
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	dropped atomic.Uint64
	logger  *logger.Logger
}

func newFanout(buffer int, log *logger.Logger) *fanout {
	if buffer <= 0 {
		buffer = 256
	}
	return &fanout{subs: make(map[uint64]*Subscription), buffer: buffer, logger: log}
}

func (f *fanout) subscribe() *Subscription {
	f.nextID++
	sub := &Subscription{id: f.nextID, ch: make(chan events.Event, f.buffer)}
	f.subs[sub.id] = sub
	return sub
}

func (f *fanout) unsubscribe(id uint64) bool {
	sub, ok := f.subs[id]
	if !ok {
		return false
	}
	delete(f.subs, id)
	close(sub.ch)
	return true
}

func (f *fanout) publish(ev events.Event) {
	for _, sub := range f.subs {
		select {
		case sub.ch <- ev:
		default:
			n := sub.dropped.Add(1)
			f.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				f.logger.Warn("subscriber lagging, dropping live events",
					zap.Uint64("subscription", sub.id),
					zap.Uint64("dropped", n),
					zap.String("event_type", string(ev.Type)))
			}
		}
	}
}

func (f *fanout) closeAll() {
	for id := range f.subs {
		f.unsubscribe(id)
	}
}

func (f *fanout) count() int { return len(f.subs) }
