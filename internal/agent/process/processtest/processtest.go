// Package processtest provides scripted stand-ins for backend processes.
package processtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/BoozeLee/conduit/internal/agent/process"
	"github.com/BoozeLee/conduit/internal/agent/stream"
)

// ErrStdinClosed is returned by SendInput after the process exited.
var ErrStdinClosed = errors.New("stdin closed")

// Process is a backend whose stdout is written by the test.
type Process struct {
	Spec process.Spec

	pid    int
	msgs   chan stream.Message
	done   chan struct{}
	inputs chan []byte
	once   sync.Once

	mu     sync.Mutex
	seq    int64
	exit   process.Exit
	stderr []string
}

// NewProcess returns a running process.
func NewProcess(pid int, spec process.Spec) *Process {
	return &Process{
		Spec:   spec,
		pid:    pid,
		msgs:   make(chan stream.Message, 64),
		done:   make(chan struct{}),
		inputs: make(chan []byte, 64),
	}
}

func (p *Process) Pid() int                        { return p.pid }
func (p *Process) Messages() <-chan stream.Message { return p.msgs }
func (p *Process) Done() <-chan struct{}           { return p.done }

// Exit blocks until the process has exited.
func (p *Process) Exit() process.Exit {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *Process) StderrTail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stderr...)
}

// SendInput records b. Inputs returns what was sent.
func (p *Process) SendInput(b []byte) error {
	select {
	case <-p.done:
		return ErrStdinClosed
	default:
	}
	p.inputs <- append([]byte(nil), b...)
	return nil
}

// Inputs yields every payload written to stdin.
func (p *Process) Inputs() <-chan []byte { return p.inputs }

// Terminate ends the process as if it had been signalled.
func (p *Process) Terminate(time.Duration) process.Exit {
	p.Finish(process.Exit{Code: -1, Terminated: true})
	return p.Exit()
}

// Emit writes one stdout line.
func (p *Process) Emit(line string) {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()
	p.msgs <- stream.Message{Seq: seq, Kind: stream.KindJSON, Raw: json.RawMessage(line), Size: len(line)}
}

// EmitText writes one stdout line that is not JSON.
func (p *Process) EmitText(line string) {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()
	p.msgs <- stream.Message{Seq: seq, Kind: stream.KindText, Text: line, Size: len(line)}
}

// EmitJSON encodes v as one stdout line.
func (p *Process) EmitJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	p.Emit(string(data))
}

// SetStderr sets the lines StderrTail reports.
func (p *Process) SetStderr(lines ...string) {
	p.mu.Lock()
	p.stderr = lines
	p.mu.Unlock()
}

// Finish closes stdout and reports exit. Later calls are ignored.
func (p *Process) Finish(exit process.Exit) {
	p.once.Do(func() {
		close(p.msgs)
		p.mu.Lock()
		p.exit = exit
		p.mu.Unlock()
		close(p.done)
	})
}

// ExitWith finishes the process with code.
func (p *Process) ExitWith(code int) { p.Finish(process.Exit{Code: code}) }

// Spawner hands out Processes and remembers them in spawn order.
type Spawner struct {
	mu      sync.Mutex
	err     error
	n       int
	spawned chan *Process
}

// NewSpawner returns a Spawner that succeeds until SetErr is called.
func NewSpawner() *Spawner {
	return &Spawner{spawned: make(chan *Process, 64)}
}

// SetErr makes later spawns fail with err. nil restores success.
func (s *Spawner) SetErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Spawn starts a Process for spec.
func (s *Spawner) Spawn(ctx context.Context, spec process.Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.n++
	p := NewProcess(1000+s.n, spec)
	s.spawned <- p
	return p, nil
}

// Next waits up to timeout for the next spawned process.
func (s *Spawner) Next(timeout time.Duration) (*Process, bool) {
	select {
	case p := <-s.spawned:
		return p, true
	case <-time.After(timeout):
		return nil, false
	}
}
