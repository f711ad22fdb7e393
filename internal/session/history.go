package session

import "github.com/BoozeLee/conduit/internal/agent/events"

// History is the bounded in-memory event log of one session. Streaming
// CommandOutput chunks for the same command are coalesced into a single
// entry while the command is live; the tape keeps every chunk.
type History struct {
	buf   []events.Event
	head  int
	size  int
	total uint64
	live  map[string]uint64
}

// NewHistory returns a History holding at most capacity entries.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1000
	}
	return &History{
		buf:  make([]events.Event, capacity),
		live: make(map[string]uint64),
	}
}

// Add appends ev, or merges it into the live entry for its command.
func (h *History) Add(ev events.Event) {
	if co := ev.CommandOutput; co != nil {
		key := co.Key()
		if idx, ok := h.live[key]; ok {
			if prev := h.at(idx); prev != nil && co.IsStreaming {
				merged := *prev.CommandOutput
				merged.Output += co.Output
				if co.ExitCode != nil {
					merged.ExitCode = co.ExitCode
				}
				prev.CommandOutput = &merged
				return
			}
			delete(h.live, key)
		}
		if co.IsStreaming {
			h.live[key] = h.total
		}
	}
	h.push(ev)
}

func (h *History) push(ev events.Event) {
	capacity := len(h.buf)
	if h.size < capacity {
		h.buf[(h.head+h.size)%capacity] = ev
		h.size++
	} else {
		h.buf[h.head] = ev
		h.head = (h.head + 1) % capacity
	}
	h.total++
}

// at returns the entry with absolute index idx, or nil once evicted.
func (h *History) at(idx uint64) *events.Event {
	oldest := h.total - uint64(h.size)
	if idx < oldest || idx >= h.total {
		return nil
	}
	return &h.buf[(h.head+int(idx-oldest))%len(h.buf)]
}

// Len returns the number of retained entries.
func (h *History) Len() int { return h.size }

// Snapshot copies the retained entries, oldest first.
func (h *History) Snapshot() []events.Event {
	out := make([]events.Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, h.buf[(h.head+i)%len(h.buf)])
	}
	return out
}
