package ws

import (
	"log/slog"
	"time"

	"github.com/pliu/devfusion/internal/store"
)

// SessionTracker records one session per connection for usage analytics.
// It never fails the connection: every store error is logged and dropped.
type SessionTracker struct {
	store store.SessionStore
	now   func() time.Time
}

func NewSessionTracker(s store.SessionStore, now func() time.Time) *SessionTracker {
	if now == nil {
		now = time.Now
	}
	return &SessionTracker{store: s, now: now}
}

// Open starts a session and returns its id, or "" if it could not be stored.
func (t *SessionTracker) Open(projectID, userID string) string {
	id, err := t.store.OpenSession(projectID, userID, t.now())
	if err != nil {
		slog.Warn("Failed to open session", "project_id", projectID, "user_id", userID, "error", err)
		return ""
	}
	return id
}

// Close stamps the logout time and duration in seconds on an open session.
func (t *SessionTracker) Close(sessionID string) {
	if sessionID == "" {
		return
	}

	sess, err := t.store.GetSession(sessionID)
	if err != nil {
		slog.Warn("Failed to load session on disconnect", "session_id", sessionID, "error", err)
		return
	}

	logout := t.now()
	duration := logout.Sub(sess.LoginTime).Seconds()
	if err := t.store.CloseSession(sessionID, logout, duration); err != nil {
		slog.Warn("Failed to close session", "session_id", sessionID, "error", err)
		return
	}
	slog.Debug("Session closed", "session_id", sessionID, "user_id", sess.UserID, "duration", duration)
}
