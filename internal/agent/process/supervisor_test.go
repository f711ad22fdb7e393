//go:build unix

package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BoozeLee/conduit/internal/agent/stream"
	"github.com/BoozeLee/conduit/internal/common/logger"
)

func newTestSupervisor() *Supervisor {
	return NewSupervisor(0, logger.NewNop())
}

func drain(t *testing.T, h *Handle) []stream.Message {
	t.Helper()
	var out []stream.Message
	timeout := time.After(10 * time.Second)
	for {
		select {
		case m, ok := <-h.Messages():
			if !ok {
				return out
			}
			out = append(out, m)
		case <-timeout:
			t.Fatal("timed out draining messages")
		}
	}
}

func TestSpawn_DecodesStdoutAndExitCode(t *testing.T) {
	h, err := newTestSupervisor().Spawn(context.Background(), Spec{
		Path: "/bin/sh",
		Args: []string{"-c", `printf '{"type":"tool_use","name":"Read","input":{}}\nnot json\n'; echo oops >&2; exit 1`},
	})
	require.NoError(t, err)
	assert.Positive(t, h.Pid())

	msgs := drain(t, h)
	require.Len(t, msgs, 2)
	assert.Equal(t, stream.KindJSON, msgs[0].Kind)
	assert.Equal(t, stream.KindText, msgs[1].Kind)

	exit := h.Exit()
	assert.Equal(t, 1, exit.Code)
	assert.False(t, exit.Terminated)
	assert.Equal(t, []string{"oops"}, h.StderrTail())
}

func TestSpawn_StdinRoundTrip(t *testing.T) {
	h, err := newTestSupervisor().Spawn(context.Background(), Spec{Path: "cat"})
	require.NoError(t, err)

	require.NoError(t, h.SendInput([]byte("{\"n\":1}\n")))
	require.NoError(t, h.CloseInput())
	assert.Error(t, h.SendInput([]byte("late\n")))

	msgs := drain(t, h)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"n":1}`, string(msgs[0].Raw))
	assert.True(t, h.Exit().Success())
}

func TestSpawn_BinaryNotFound(t *testing.T) {
	_, err := newTestSupervisor().Spawn(context.Background(), Spec{Path: "conduit-no-such-binary"})
	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, ReasonBinaryNotFound, spawnErr.Reason)
}

func TestSpawn_PermissionDenied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644))

	_, err := newTestSupervisor().Spawn(context.Background(), Spec{Path: path})
	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, ReasonPermissionDenied, spawnErr.Reason)
}

func TestTerminate_EscalatesAndReaps(t *testing.T) {
	h, err := newTestSupervisor().Spawn(context.Background(), Spec{
		Path: "/bin/sh",
		Args: []string{"-c", `trap '' TERM; echo '{"ready":true}'; while :; do sleep 1; done`},
	})
	require.NoError(t, err)

	first := <-h.Messages()
	assert.JSONEq(t, `{"ready":true}`, string(first.Raw))

	go func() {
		for range h.Messages() {
		}
	}()

	start := time.Now()
	exit := h.Terminate(200 * time.Millisecond)
	assert.True(t, exit.Terminated)
	assert.False(t, exit.Success())
	assert.Less(t, time.Since(start), 8*time.Second)

	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Terminate")
	}

	// Idempotent.
	assert.Equal(t, exit, h.Terminate(time.Millisecond))
}

func TestTerminate_AfterNaturalExit(t *testing.T) {
	h, err := newTestSupervisor().Spawn(context.Background(), Spec{Path: "/bin/sh", Args: []string{"-c", "exit 0"}})
	require.NoError(t, err)
	drain(t, h)
	<-h.Done()

	exit := h.Terminate(0)
	assert.True(t, exit.Success())
}

func TestStderrRing(t *testing.T) {
	r := newStderrRing(2)
	_, _ = r.Write([]byte("one\n\x1b[31mtwo\x1b[0m\nthr"))
	_, _ = r.Write([]byte("ee\nfour"))
	assert.Equal(t, []string{"two", "three", "four"}, r.lines())

	_, _ = r.Write([]byte("\nbad \xff byte\n"))
	assert.Equal(t, []string{"four", "bad \uFFFD byte"}, r.lines())
}
