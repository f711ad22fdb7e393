// Package stream splits a backend's stdout into newline-delimited JSON
// documents.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLineBytes matches the scanner buffer used for Claude Code
// output; single tool results can be several megabytes.
const DefaultMaxLineBytes = 10 * 1024 * 1024

const readChunkSize = 32 * 1024

// Kind classifies a decoded line.
type Kind int

const (
	// KindJSON is a complete line holding exactly one JSON document.
	KindJSON Kind = iota
	// KindText is a non-empty line that is not valid JSON.
	KindText
	// KindOversized is a line longer than the decoder maximum. Only its
	// prefix is kept.
	KindOversized
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindText:
		return "text"
	case KindOversized:
		return "oversized"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one decoded line.
type Message struct {
	// Seq numbers emitted messages from 1 in arrival order.
	Seq  int64
	Kind Kind
	// Raw holds the document for KindJSON.
	Raw json.RawMessage
	// Text holds the line for KindText and the truncated prefix plus a
	// marker for KindOversized. It is always valid UTF-8.
	Text string
	// Size is the original line length in bytes, without the newline.
	Size int
}

// Decoder assembles lines from arbitrarily chunked input. It is not safe
// for concurrent use.
type Decoder struct {
	maxLine  int
	buf      []byte
	overflow int
	seq      int64
}

// NewDecoder returns a Decoder that keeps at most maxLine bytes of any one
// line. Non-positive values select DefaultMaxLineBytes.
func NewDecoder(maxLine int) *Decoder {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &Decoder{maxLine: maxLine}
}

// Feed consumes p and returns every line it completed, in order.
func (d *Decoder) Feed(p []byte) []Message {
	var out []Message
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			d.appendPartial(p)
			break
		}
		d.appendPartial(p[:i])
		out = d.finishLine(out)
		p = p[i+1:]
	}
	return out
}

// Flush completes a trailing line that had no newline. Call it at EOF.
func (d *Decoder) Flush() []Message {
	if len(d.buf) == 0 && d.overflow == 0 {
		return nil
	}
	return d.finishLine(nil)
}

func (d *Decoder) appendPartial(b []byte) {
	room := d.maxLine - len(d.buf)
	if room >= len(b) {
		d.buf = append(d.buf, b...)
		return
	}
	if room > 0 {
		d.buf = append(d.buf, b[:room]...)
	}
	d.overflow += len(b) - max(room, 0)
}

func (d *Decoder) finishLine(out []Message) []Message {
	defer func() {
		d.buf = d.buf[:0]
		d.overflow = 0
	}()

	if d.overflow > 0 {
		d.seq++
		prefix := cutIncompleteRune(d.buf)
		dropped := d.overflow + len(d.buf) - len(prefix)
		return append(out, Message{
			Seq:  d.seq,
			Kind: KindOversized,
			Text: ValidText(prefix) + fmt.Sprintf("…[truncated %d bytes]", dropped),
			Size: len(d.buf) + d.overflow,
		})
	}

	line := bytes.TrimSuffix(d.buf, []byte{'\r'})
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return out
	}

	d.seq++
	msg := Message{Seq: d.seq, Size: len(d.buf)}
	if json.Valid(trimmed) {
		msg.Kind = KindJSON
		msg.Raw = append(json.RawMessage(nil), trimmed...)
	} else {
		msg.Kind = KindText
		msg.Text = ValidText(line)
	}
	return append(out, msg)
}

// Decode reads r until EOF, sending each decoded line to out in order. It
// returns nil at EOF, ctx.Err() if cancelled, or the read error.
func Decode(ctx context.Context, r io.Reader, d *Decoder, out chan<- Message) error {
	chunk := make([]byte, readChunkSize)
	send := func(msgs []Message) error {
		for _, m := range msgs {
			select {
			case out <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if sendErr := send(d.Feed(chunk[:n])); sendErr != nil {
				return sendErr
			}
		}
		if err != nil {
			if flushErr := send(d.Flush()); flushErr != nil {
				return flushErr
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
