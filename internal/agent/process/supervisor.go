// Package process supervises backend agent subprocesses: spawning them in
// their own process group, decoding their stdout, capturing stderr and
// terminating them with SIGTERM escalating to SIGKILL.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BoozeLee/conduit/internal/agent/stream"
	"github.com/BoozeLee/conduit/internal/common/logger"
)

const (
	// DefaultGrace is the SIGTERM to SIGKILL delay.
	DefaultGrace = 2 * time.Second

	// waitDelay bounds how long Wait keeps copying output after exit when
	// a grandchild still holds the pipes open.
	waitDelay = 2 * time.Second

	messageBuffer = 64
)

// Spec describes how to launch a backend.
type Spec struct {
	Path string
	Args []string
	// Env is appended to the supervisor's own environment.
	Env []string
	Dir string
}

func (s Spec) String() string {
	return strings.TrimSpace(s.Path + " " + strings.Join(s.Args, " "))
}

// SpawnReason classifies a spawn failure.
type SpawnReason string

const (
	ReasonBinaryNotFound   SpawnReason = "binary_not_found"
	ReasonPermissionDenied SpawnReason = "permission_denied"
	ReasonStartFailed      SpawnReason = "start_failed"
)

// SpawnError is returned when a process could not be started. No process
// exists when it is returned.
type SpawnError struct {
	Binary string
	Reason SpawnReason
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %s: %v", e.Binary, e.Reason, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func classifySpawn(binary string, err error) *SpawnError {
	reason := ReasonStartFailed
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		reason = ReasonBinaryNotFound
	case errors.Is(err, fs.ErrPermission):
		reason = ReasonPermissionDenied
	}
	return &SpawnError{Binary: binary, Reason: reason, Err: err}
}

// Exit describes how a process ended.
type Exit struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
	// Terminated is set when the exit followed a Terminate call.
	Terminated bool `json:"terminated"`
}

// Success reports a zero exit code.
func (e Exit) Success() bool { return e.Code == 0 }

// Supervisor spawns processes. It holds no per-process state.
type Supervisor struct {
	maxLine int
	logger  *logger.Logger
}

// NewSupervisor creates a Supervisor decoding lines up to maxLine bytes.
func NewSupervisor(maxLine int, log *logger.Logger) *Supervisor {
	return &Supervisor{maxLine: maxLine, logger: log.WithFields(zap.String("component", "process-supervisor"))}
}

// Handle is one running process.
type Handle struct {
	pid    int
	spec   Spec
	cmd    *exec.Cmd
	logger *logger.Logger

	stdinMu sync.Mutex
	stdin   io.WriteCloser
	closed  bool

	messages chan stream.Message
	stderr   *stderrRing

	cancelDecode context.CancelFunc
	decodeDone   chan struct{}
	done         chan struct{}
	exit         Exit

	terminateOnce sync.Once
	terminated    chan struct{}
}

// Spawn starts spec. Failures before the process exists are *SpawnError.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resolved, err := exec.LookPath(spec.Path)
	if err != nil {
		return nil, classifySpawn(spec.Path, err)
	}

	cmd := exec.Command(resolved, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.WaitDelay = waitDelay
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, classifySpawn(spec.Path, err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	ring := newStderrRing(defaultStderrLines)
	cmd.Stderr = ring

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = pw.Close()
		return nil, classifySpawn(spec.Path, err)
	}

	decodeCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		pid:          cmd.Process.Pid,
		spec:         spec,
		cmd:          cmd,
		logger:       s.logger.WithFields(zap.Int("pid", cmd.Process.Pid), zap.String("binary", spec.Path)),
		stdin:        stdin,
		messages:     make(chan stream.Message, messageBuffer),
		stderr:       ring,
		cancelDecode: cancel,
		decodeDone:   make(chan struct{}),
		done:         make(chan struct{}),
		terminated:   make(chan struct{}),
	}

	go h.decode(decodeCtx, pr, stream.NewDecoder(s.maxLine))
	go h.wait(pw)

	h.logger.Info("process started", zap.String("command", spec.String()), zap.String("dir", spec.Dir))
	return h, nil
}

func (h *Handle) decode(ctx context.Context, r *io.PipeReader, d *stream.Decoder) {
	defer close(h.decodeDone)
	defer close(h.messages)
	if err := stream.Decode(ctx, r, d, h.messages); err != nil {
		h.logger.Warn("stdout decode stopped", zap.Error(err))
		// Unblock the exec copy goroutine.
		_ = r.CloseWithError(err)
	}
}

func (h *Handle) wait(pw *io.PipeWriter) {
	err := h.cmd.Wait()
	_ = pw.Close()
	<-h.decodeDone

	exit := Exit{Code: -1}
	if ps := h.cmd.ProcessState; ps != nil {
		exit.Code = ps.ExitCode()
		exit.Description = ps.String()
	} else if err != nil {
		exit.Description = err.Error()
	}
	select {
	case <-h.terminated:
		exit.Terminated = true
	default:
	}
	h.exit = exit
	h.logger.Info("process exited", zap.Int("exit_code", exit.Code), zap.String("status", exit.Description))
	close(h.done)
}

// Pid returns the process id.
func (h *Handle) Pid() int { return h.pid }

// Messages yields decoded stdout lines. It is closed before Done.
func (h *Handle) Messages() <-chan stream.Message { return h.messages }

// Done is closed once the process has been reaped and Messages closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exit returns the exit status. Valid after Done is closed.
func (h *Handle) Exit() Exit {
	<-h.done
	return h.exit
}

// StderrTail returns the most recent stderr lines, ANSI codes stripped.
func (h *Handle) StderrTail() []string { return h.stderr.lines() }

// SendInput writes p to the process stdin.
func (h *Handle) SendInput(p []byte) error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.closed {
		return fmt.Errorf("stdin closed")
	}
	if _, err := h.stdin.Write(p); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// CloseInput closes stdin, signalling end of input to the backend.
func (h *Handle) CloseInput() error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.stdin.Close()
}

// Terminate stops the process group: SIGTERM, then SIGKILL after grace.
// It always reaps the process and closes Messages. Safe to call more than
// once and after the process has exited on its own.
func (h *Handle) Terminate(grace time.Duration) Exit {
	if grace <= 0 {
		grace = DefaultGrace
	}
	h.terminateOnce.Do(func() {
		close(h.terminated)
		_ = h.CloseInput()

		select {
		case <-h.done:
			return
		default:
		}

		if err := terminateProcessGroup(h.pid); err != nil {
			h.logger.Debug("SIGTERM to process group failed", zap.Error(err))
		}
		select {
		case <-h.done:
			return
		case <-time.After(grace):
		}

		h.logger.Warn("process ignored SIGTERM, killing", zap.Duration("grace", grace))
		if err := killProcessGroup(h.pid); err != nil {
			h.logger.Debug("SIGKILL to process group failed", zap.Error(err))
			_ = h.cmd.Process.Kill()
		}
		select {
		case <-h.done:
		case <-time.After(waitDelay + grace):
			// Nobody is draining Messages; stop decoding so Wait can finish.
			h.cancelDecode()
		}
	})
	return h.Exit()
}
