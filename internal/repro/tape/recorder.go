package tape

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BoozeLee/conduit/internal/agent/events"
	"github.com/BoozeLee/conduit/internal/common/clock"
	apperrors "github.com/BoozeLee/conduit/internal/common/errors"
	"github.com/BoozeLee/conduit/internal/common/logger"
)

// Recorder appends entries to one data directory's tape. It holds an
// exclusive lock on the directory for its lifetime. Safe for concurrent
// use by many sessions.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	lock   *fileLock
	clock  clock.Clock
	logger *logger.Logger

	path    string
	start   time.Time
	lastAt  int64
	seq     uint64
	entries int
}

// Open starts recording into dataDir. A new tape gets a header; an
// existing one is appended to, continuing its sequence and timeline.
func Open(dataDir string, clk clock.Clock, log *logger.Logger) (*Recorder, error) {
	if clk == nil {
		clk = clock.Real()
	}
	dir := filepath.Join(dataDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repro dir: %w", err)
	}

	lock, err := acquireLock(filepath.Join(dir, LockName))
	if err != nil {
		return nil, apperrors.Conflict(fmt.Sprintf("tape in %s already has a writer: %v", dataDir, err))
	}

	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lock.release()
		return nil, fmt.Errorf("open tape: %w", err)
	}

	r := &Recorder{
		file:   f,
		lock:   lock,
		clock:  clk,
		path:   path,
		logger: log.WithFields(zap.String("component", "recorder"), zap.String("tape", path)),
	}
	if err := r.init(); err != nil {
		_ = f.Close()
		lock.release()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) init() error {
	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("stat tape: %w", err)
	}
	complete := int64(0)
	if info.Size() > 0 {
		if complete, err = completeLength(r.path); err != nil {
			return err
		}
	}
	if complete < info.Size() {
		r.logger.Warn("dropping torn record at end of tape", zap.Int64("bytes", info.Size()-complete))
		if err := r.file.Truncate(complete); err != nil {
			return fmt.Errorf("drop torn record: %w", err)
		}
	}
	if complete == 0 {
		r.start = r.clock.Now().UTC()
		return r.writeLine(Header{Type: RecordHeader, SchemaVersion: SchemaVersion, StartedAt: r.start})
	}

	t, err := ReadFile(r.path)
	if t == nil {
		return fmt.Errorf("resume tape: %w", err)
	}
	if err != nil {
		r.logger.Warn("appending to a tape with unreadable entries", zap.Error(err))
	}
	r.start = t.Header.StartedAt
	r.entries = len(t.Entries)
	if n := len(t.Entries); n > 0 {
		r.seq = t.Entries[n-1].Seq
		r.lastAt = t.Entries[n-1].At
	}
	r.logger.Info("resuming tape", zap.Int("entries", r.entries), zap.Uint64("seq", r.seq))
	return nil
}

// completeLength returns the length of the tape up to and including its
// last newline.
func completeLength(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read tape: %w", err)
	}
	return int64(bytes.LastIndexByte(data, '\n') + 1), nil
}

// RecordInput appends an AgentInput entry.
func (r *Recorder) RecordInput(sessionID string, in InputRecord) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	return r.append(sessionID, KindAgentInput, payload)
}

// RecordEvent appends an AgentEvent entry.
func (r *Recorder) RecordEvent(sessionID string, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return r.append(sessionID, KindAgentEvent, payload)
}

func (r *Recorder) append(sessionID string, kind Kind, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return fmt.Errorf("recorder closed")
	}

	at := r.clock.Now().Sub(r.start).Milliseconds()
	if at < r.lastAt {
		at = r.lastAt
	}
	entry := Entry{
		Type:      RecordEntry,
		Seq:       r.seq + 1,
		At:        at,
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
	}
	if err := r.writeLine(entry); err != nil {
		return err
	}
	r.seq = entry.Seq
	r.lastAt = at
	r.entries++
	return nil
}

// writeLine issues exactly one write of a complete record.
func (r *Recorder) writeLine(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')
	if _, err := r.file.Write(line); err != nil {
		return fmt.Errorf("append to tape: %w", err)
	}
	return nil
}

// Path returns the tape file path.
func (r *Recorder) Path() string { return r.path }

// Entries returns how many entries the tape holds.
func (r *Recorder) Entries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries
}

// Close flushes the tape to disk and releases the directory lock.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	syncErr := r.file.Sync()
	closeErr := r.file.Close()
	r.file = nil
	r.lock.release()
	if syncErr != nil {
		return fmt.Errorf("sync tape: %w", syncErr)
	}
	return closeErr
}
