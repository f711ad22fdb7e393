package tape

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BoozeLee/conduit/internal/agent/events"
	"github.com/BoozeLee/conduit/internal/common/clock"
	apperrors "github.com/BoozeLee/conduit/internal/common/errors"
	"github.com/BoozeLee/conduit/internal/common/logger"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openRecorder(t *testing.T, dir string, clk clock.Clock) *Recorder {
	t.Helper()
	r, err := Open(dir, clk, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRecorderWritesHeaderAndEntries(t *testing.T) {
	dir := t.TempDir()
	clk := clock.Fake(epoch)
	r := openRecorder(t, dir, clk)

	require.NoError(t, r.RecordInput("s1", InputRecord{Text: "hi", Backend: "claude", WorkingDir: "/w"}))
	clk.Advance(1500 * time.Millisecond)
	require.NoError(t, r.RecordEvent("s1", events.NewTurnStarted()))
	clk.Advance(20 * time.Millisecond)
	require.NoError(t, r.RecordEvent("s2", events.NewAssistantMessage("yo", true)))
	require.NoError(t, r.Close())

	data, err := os.ReadFile(Path(dir))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"type":"header"`)
	assert.Contains(t, lines[0], `"schema_version":1`)

	tp, err := ReadFile(Path(dir))
	require.NoError(t, err)
	assert.True(t, tp.Header.StartedAt.Equal(epoch))
	require.Len(t, tp.Entries, 3)

	assert.Equal(t, []int64{0, 1500, 1520}, []int64{tp.Entries[0].At, tp.Entries[1].At, tp.Entries[2].At})
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{tp.Entries[0].Seq, tp.Entries[1].Seq, tp.Entries[2].Seq})

	in, err := tp.Entries[0].Input()
	require.NoError(t, err)
	assert.Equal(t, "hi", in.Text)
	assert.Equal(t, "claude", in.Backend)

	ev, err := tp.Entries[2].Event()
	require.NoError(t, err)
	assert.Equal(t, "yo", ev.AssistantMessage.Text)
	assert.Equal(t, "s2", tp.Entries[2].SessionID)

	_, err = tp.Entries[0].Event()
	assert.Error(t, err)
}

func TestRecorderResumesExistingTape(t *testing.T) {
	dir := t.TempDir()
	clk := clock.Fake(epoch)

	r, err := Open(dir, clk, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.RecordEvent("s1", events.NewTurnStarted()))
	clk.Advance(time.Second)
	require.NoError(t, r.RecordEvent("s1", events.NewTurnCompleted(events.Usage{})))
	require.NoError(t, r.Close())

	clk.Advance(time.Minute)
	r = openRecorder(t, dir, clk)
	assert.Equal(t, 2, r.Entries())
	require.NoError(t, r.RecordEvent("s1", events.NewTurnStarted()))
	require.NoError(t, r.Close())

	tp, err := ReadFile(Path(dir))
	require.NoError(t, err)
	require.Len(t, tp.Entries, 3)
	assert.Equal(t, uint64(3), tp.Entries[2].Seq)
	assert.Equal(t, int64(61000), tp.Entries[2].At)
}

func TestRecorderSingleWriter(t *testing.T) {
	dir := t.TempDir()
	_ = openRecorder(t, dir, nil)

	_, err := Open(dir, nil, logger.NewNop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestRecorderDropsTornTail(t *testing.T) {
	dir := t.TempDir()
	clk := clock.Fake(epoch)
	r, err := Open(dir, clk, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.RecordEvent("s1", events.NewTurnStarted()))
	require.NoError(t, r.Close())

	f, err := os.OpenFile(Path(dir), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"entry","seq":2,"at":5,"sess`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r = openRecorder(t, dir, clk)
	require.NoError(t, r.RecordEvent("s1", events.NewTurnCompleted(events.Usage{})))
	require.NoError(t, r.Close())

	tp, err := ReadFile(Path(dir))
	require.NoError(t, err)
	require.Len(t, tp.Entries, 2)
	assert.Equal(t, events.TypeTurnCompleted, mustEvent(t, tp.Entries[1]).Type)
}

func mustEvent(t *testing.T, e Entry) events.Event {
	t.Helper()
	ev, err := e.Event()
	require.NoError(t, err)
	return ev
}

const header = `{"type":"header","schema_version":1,"started_at":"2026-03-01T12:00:00Z"}`

func entryLine(seq int, at int) string {
	return `{"type":"entry","seq":` + strconv.Itoa(seq) + `,"at":` + strconv.Itoa(at) +
		`,"session_id":"s1","kind":"AgentEvent","payload":{"type":"turn_started"}}`
}

func TestParseReportsCorruption(t *testing.T) {
	data := strings.Join([]string{
		header,
		entryLine(1, 0),
		entryLine(2, 10),
		`{"type":"entry","seq":3,`,
		entryLine(4, 30),
		"",
	}, "\n")

	tp, err := Parse([]byte(data))
	require.Error(t, err)
	require.NotNil(t, tp)
	assert.Len(t, tp.Entries, 2)

	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 4, ce.Line)
	assert.Equal(t, 2, ce.Recovered)
	assert.Equal(t, 4, ce.Total)
	assert.True(t, errors.Is(err, apperrors.ErrTapeCorrupt))
}

func TestParseRejectsOutOfOrderEntries(t *testing.T) {
	data := header + "\n" + entryLine(1, 50) + "\n" + entryLine(2, 40) + "\n"
	tp, err := Parse([]byte(data))
	require.Error(t, err)
	assert.Len(t, tp.Entries, 1)
}

func TestParseBadHeader(t *testing.T) {
	tp, err := Parse([]byte(entryLine(1, 0) + "\n"))
	assert.Nil(t, tp)
	require.Error(t, err)

	_, err = Parse(nil)
	assert.Error(t, err)
}

func TestParseIgnoresTornFinalRecord(t *testing.T) {
	data := header + "\n" + entryLine(1, 0) + "\n" + `{"type":"entry","se`
	tp, err := Parse([]byte(data))
	require.NoError(t, err)
	assert.Len(t, tp.Entries, 1)
}

func TestCursorFollowsAppends(t *testing.T) {
	dir := t.TempDir()
	clk := clock.Fake(epoch)
	r := openRecorder(t, dir, clk)
	c := NewCursor(Path(dir))

	got, err := c.Next()
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NotNil(t, c.Header())

	require.NoError(t, r.RecordEvent("s1", events.NewTurnStarted()))
	require.NoError(t, r.RecordEvent("s1", events.NewAssistantMessage("a", true)))
	got, err = c.Next()
	require.NoError(t, err)
	require.Len(t, got, 2)
	offset := c.Offset()

	// A half-written record is not consumed.
	f, err := os.OpenFile(Path(dir), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	line := entryLine(3, 0)
	_, err = f.WriteString(line[:20])
	require.NoError(t, err)

	got, err = c.Next()
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, offset, c.Offset())

	_, err = f.WriteString(line[20:] + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err = c.Next()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].Seq)
}
