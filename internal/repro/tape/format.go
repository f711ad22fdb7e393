// Package tape implements the append-only record of everything sent to and
// emitted by agent sessions for one data directory.
//
// A tape is newline-delimited JSON: one header line followed by entries.
// Entries are only ever appended as complete newline-terminated records,
// so a reader that stops at the last newline never sees a torn write.
package tape

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/BoozeLee/conduit/internal/agent/events"
)

// SchemaVersion is written into every new tape header.
const SchemaVersion = 1

// On-disk layout under a data directory.
const (
	DirName  = "repro"
	FileName = "tape.jsonl"
	LockName = "tape.lock"
)

// Path returns the tape location for dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, DirName, FileName)
}

// Record types.
const (
	RecordHeader = "header"
	RecordEntry  = "entry"
)

// Kind distinguishes what an entry's payload holds.
type Kind string

const (
	// KindAgentInput is something the system sent to a backend.
	KindAgentInput Kind = "AgentInput"
	// KindAgentEvent is a unified event the pipeline emitted.
	KindAgentEvent Kind = "AgentEvent"
)

// Header is the first line of every tape.
type Header struct {
	Type          string    `json:"type"`
	SchemaVersion int       `json:"schema_version"`
	StartedAt     time.Time `json:"started_at"`
}

// Entry is one recorded input or event. At is milliseconds since the
// header's StartedAt and never decreases along the tape.
type Entry struct {
	Type      string          `json:"type"`
	Seq       uint64          `json:"seq"`
	At        int64           `json:"at"`
	SessionID string          `json:"session_id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// InputRecord is the AgentInput payload. The session's backend binding is
// carried on every input so a replay can rebuild sessions from the tape
// alone.
type InputRecord struct {
	Text       string           `json:"text,omitempty"`
	Images     []string         `json:"images,omitempty"`
	Backend    string           `json:"backend,omitempty"`
	WorkingDir string           `json:"working_dir,omitempty"`
	Model      string           `json:"model,omitempty"`
	PlanMode   bool             `json:"plan_mode,omitempty"`
	Control    *ControlDecision `json:"control,omitempty"`
}

// ControlDecision records an answer to a tool approval request.
type ControlDecision struct {
	RequestID string `json:"request_id"`
	Allow     bool   `json:"allow"`
}

// Input decodes an AgentInput payload.
func (e *Entry) Input() (InputRecord, error) {
	var in InputRecord
	if e.Kind != KindAgentInput {
		return in, fmt.Errorf("entry %d is %s, not %s", e.Seq, e.Kind, KindAgentInput)
	}
	if err := json.Unmarshal(e.Payload, &in); err != nil {
		return in, fmt.Errorf("decode input entry %d: %w", e.Seq, err)
	}
	return in, nil
}

// Event decodes an AgentEvent payload.
func (e *Entry) Event() (events.Event, error) {
	var ev events.Event
	if e.Kind != KindAgentEvent {
		return ev, fmt.Errorf("entry %d is %s, not %s", e.Seq, e.Kind, KindAgentEvent)
	}
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return ev, fmt.Errorf("decode event entry %d: %w", e.Seq, err)
	}
	if err := ev.Validate(); err != nil {
		return ev, fmt.Errorf("event entry %d: %w", e.Seq, err)
	}
	return ev, nil
}

func parseHeader(line []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return h, err
	}
	if h.Type != RecordHeader {
		return h, fmt.Errorf("first record has type %q, want %q", h.Type, RecordHeader)
	}
	if h.SchemaVersion < 1 || h.SchemaVersion > SchemaVersion {
		return h, fmt.Errorf("unsupported schema version %d", h.SchemaVersion)
	}
	return h, nil
}

func parseEntry(line []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return e, err
	}
	if e.Type != RecordEntry {
		return e, fmt.Errorf("record has type %q, want %q", e.Type, RecordEntry)
	}
	switch e.Kind {
	case KindAgentInput, KindAgentEvent:
	default:
		return e, fmt.Errorf("unknown entry kind %q", e.Kind)
	}
	if e.SessionID == "" {
		return e, fmt.Errorf("entry %d has no session_id", e.Seq)
	}
	return e, nil
}
