// Package agent provides shared types for agent backends.
package agent

import "fmt"

// Backend names an external coding-agent CLI family.
type Backend string

const (
	// BackendClaude is Claude Code (stream-json over stdin/stdout, one
	// long-lived process per session).
	BackendClaude Backend = "claude"
	// BackendCodex is `codex exec --json`, one process per turn with
	// thread resume.
	BackendCodex Backend = "codex"
	// BackendGemini is Gemini CLI stream-json, one process per turn.
	BackendGemini Backend = "gemini"
)

// All lists the supported backends.
var All = []Backend{BackendClaude, BackendCodex, BackendGemini}

// String returns the string representation of the backend.
func (b Backend) String() string {
	return string(b)
}

// IsValid returns true if the backend is known.
func (b Backend) IsValid() bool {
	switch b {
	case BackendClaude, BackendCodex, BackendGemini:
		return true
	default:
		return false
	}
}

// Parse converts a name into a Backend.
func Parse(name string) (Backend, error) {
	b := Backend(name)
	if !b.IsValid() {
		return "", fmt.Errorf("unknown backend %q", name)
	}
	return b, nil
}
