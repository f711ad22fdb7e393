package session

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BoozeLee/conduit/internal/agent/events"
)

func chunk(id, out string, streaming bool) events.Event {
	return events.NewCommandOutput(events.CommandOutput{CommandID: id, Command: "make", Output: out, IsStreaming: streaming})
}

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Add(events.NewAssistantMessage(strconv.Itoa(i), true))
	}
	got := h.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "2", got[0].AssistantMessage.Text)
	assert.Equal(t, "4", got[2].AssistantMessage.Text)
}

func TestHistoryCoalescesStreamingOutput(t *testing.T) {
	h := NewHistory(10)
	first := chunk("c1", "a", true)
	h.Add(first)
	h.Add(chunk("c2", "x", true))
	h.Add(chunk("c1", "b", true))
	h.Add(chunk("c1", "c", true))

	got := h.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "abc", got[0].CommandOutput.Output)
	assert.Equal(t, "x", got[1].CommandOutput.Output)
	assert.Equal(t, "a", first.CommandOutput.Output, "published events are not mutated")

	// A final chunk ends the live entry.
	h.Add(chunk("c1", "done", false))
	h.Add(chunk("c1", "again", true))
	assert.Equal(t, 4, h.Len())
}

func TestHistoryEvictedLiveEntry(t *testing.T) {
	h := NewHistory(2)
	h.Add(chunk("c1", "a", true))
	h.Add(events.NewAssistantMessage("1", true))
	h.Add(events.NewAssistantMessage("2", true))
	h.Add(chunk("c1", "b", true))

	got := h.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].CommandOutput.Output)
}
