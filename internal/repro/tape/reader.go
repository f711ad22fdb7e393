package tape

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	apperrors "github.com/BoozeLee/conduit/internal/common/errors"
)

// Tape is a fully read tape.
type Tape struct {
	Header  Header
	Entries []Entry
}

// CorruptionError reports the first unreadable record. Entries before it
// were recovered; Total counts every entry line the tape held.
type CorruptionError struct {
	Line      int
	Recovered int
	Total     int
	Err       error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("tape corrupt at line %d: recovered %d of %d entries: %v", e.Line, e.Recovered, e.Total, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Is matches the TAPE_CORRUPT application error.
func (e *CorruptionError) Is(target error) bool {
	return target == apperrors.ErrTapeCorrupt
}

// ReadFile reads the tape at path. When a record is unreadable it returns
// the entries before it together with a *CorruptionError. A missing or
// unreadable header yields a nil Tape.
func ReadFile(path string) (*Tape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse reads a tape from memory. A torn final record without its newline
// is ignored. See ReadFile.
func Parse(data []byte) (*Tape, error) {
	lines := splitLines(data)
	if n := len(lines); n > 0 && !lines[n-1].terminated {
		lines = lines[:n-1]
	}
	if len(lines) == 0 {
		return nil, &CorruptionError{Line: 1, Err: errors.New("empty tape")}
	}
	header, err := parseHeader(lines[0].text)
	if err != nil {
		return nil, &CorruptionError{Line: lines[0].number, Total: len(lines) - 1, Err: fmt.Errorf("header: %w", err)}
	}

	t := &Tape{Header: header}
	var lastSeq uint64
	var lastAt int64
	for _, l := range lines[1:] {
		e, err := parseEntry(l.text)
		if err == nil {
			err = checkOrder(e, lastSeq, lastAt)
		}
		if err != nil {
			return t, &CorruptionError{Line: l.number, Recovered: len(t.Entries), Total: len(lines) - 1, Err: err}
		}
		lastSeq, lastAt = e.Seq, e.At
		t.Entries = append(t.Entries, e)
	}
	return t, nil
}

func checkOrder(e Entry, lastSeq uint64, lastAt int64) error {
	if e.Seq <= lastSeq {
		return fmt.Errorf("entry seq %d does not follow %d", e.Seq, lastSeq)
	}
	if e.At < lastAt {
		return fmt.Errorf("entry %d goes back in time (%d < %d)", e.Seq, e.At, lastAt)
	}
	return nil
}

type line struct {
	number     int
	text       []byte
	terminated bool
}

// splitLines returns the non-blank lines of data with their 1-based line
// numbers.
func splitLines(data []byte) []line {
	var out []line
	number := 0
	for len(data) > 0 {
		number++
		i := bytes.IndexByte(data, '\n')
		var text []byte
		terminated := i >= 0
		if terminated {
			text, data = data[:i], data[i+1:]
		} else {
			text, data = data, nil
		}
		text = bytes.TrimRight(text, "\r")
		if len(bytes.TrimSpace(text)) == 0 {
			continue
		}
		out = append(out, line{number: number, text: text, terminated: terminated})
	}
	return out
}

// Cursor reads a tape that may still be growing. It tracks its own byte
// offset and only consumes complete newline-terminated records, so it can
// run alongside the Recorder without coordination.
type Cursor struct {
	path   string
	offset int64
	line   int
	header *Header
	seq    uint64
	at     int64
}

// NewCursor returns a Cursor positioned at the start of the tape at path.
func NewCursor(path string) *Cursor {
	return &Cursor{path: path}
}

// Offset is the number of bytes consumed so far.
func (c *Cursor) Offset() int64 { return c.offset }

// Header returns the tape header once it has been read.
func (c *Cursor) Header() *Header { return c.header }

// Next returns the entries appended since the previous call. A trailing
// partial record is left for a later call. On a corrupt record the entries
// before it are returned with a *CorruptionError and the cursor moves past
// the bad line.
func (c *Cursor) Next() ([]Entry, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(c.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek tape: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read tape: %w", err)
	}
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, nil
	}
	data = data[:end+1]

	var out []Entry
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		text := bytes.TrimSpace(data[:i])
		data = data[i+1:]
		c.offset += int64(i + 1)
		c.line++
		if len(text) == 0 {
			continue
		}

		if c.header == nil {
			h, err := parseHeader(text)
			if err != nil {
				return out, &CorruptionError{Line: c.line, Err: fmt.Errorf("header: %w", err)}
			}
			c.header = &h
			continue
		}
		e, err := parseEntry(text)
		if err == nil {
			err = checkOrder(e, c.seq, c.at)
		}
		if err != nil {
			return out, &CorruptionError{Line: c.line, Recovered: len(out), Total: len(out) + 1, Err: err}
		}
		c.seq, c.at = e.Seq, e.At
		out = append(out, e)
	}
	return out, nil
}
