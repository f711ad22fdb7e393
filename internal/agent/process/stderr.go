package process

import (
	"bytes"
	"regexp"
	"strings"
	"sync"
)

const (
	defaultStderrLines  = 50
	maxStderrLineLength = 4096
)

var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// stderrRing keeps the last N stderr lines. It is the process's Stderr
// writer.
type stderrRing struct {
	mu      sync.Mutex
	max     int
	partial []byte
	buf     []string
}

func newStderrRing(n int) *stderrRing {
	return &stderrRing{max: n}
}

func (r *stderrRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			r.partial = append(r.partial, p...)
			if len(r.partial) > maxStderrLineLength {
				r.push(r.partial[:maxStderrLineLength])
				r.partial = r.partial[:0]
			}
			break
		}
		r.partial = append(r.partial, p[:i]...)
		r.push(r.partial)
		r.partial = r.partial[:0]
		p = p[i+1:]
	}
	return n, nil
}

func (r *stderrRing) push(line []byte) {
	clean := strings.ToValidUTF8(stripANSI(string(bytes.TrimRight(line, "\r"))), "\uFFFD")
	if clean == "" {
		return
	}
	if len(clean) > maxStderrLineLength {
		clean = strings.ToValidUTF8(clean[:maxStderrLineLength], "")
	}
	if len(r.buf) >= r.max {
		r.buf = r.buf[1:]
	}
	r.buf = append(r.buf, clean)
}

func (r *stderrRing) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.buf)+1)
	out = append(out, r.buf...)
	if len(r.partial) > 0 {
		out = append(out, strings.ToValidUTF8(stripANSI(string(r.partial)), "\uFFFD"))
	}
	return out
}
