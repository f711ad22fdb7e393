// Package events names the lifecycle notifications conduit publishes and
// builds the configured bus.
package events

import "strings"

// Event types for sessions
const (
	SessionStarted   = "session.started"
	SessionUpdated   = "session.updated"
	SessionReplaying = "session.replaying"
	SessionWentLive  = "session.went_live"
	SessionEnded     = "session.ended"
)

// SessionSubjectPrefix is the subject root for session notifications.
const SessionSubjectPrefix = "conduit.session"

// AllSessions matches every session notification.
const AllSessions = SessionSubjectPrefix + ".>"

// SessionSubject returns the subject notifications about one session are
// published on. Dots in the id are replaced so it stays a single token.
func SessionSubject(sessionID string) string {
	return SessionSubjectPrefix + "." + strings.ReplaceAll(sessionID, ".", "_")
}
