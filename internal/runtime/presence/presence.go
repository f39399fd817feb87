// Package presence tracks which sessions are reachable per scope. Each
// runtime owns its local view and reconciles through periodic heartbeats; a
// session is unreachable after two missed heartbeat intervals.
package presence

import (
	"context"
	"sync"
	"time"
)

// Session is one live entry in the tracker.
type Session struct {
	SessionID string
	UserID    string
	LastSeen  time.Time
}

// Options tunes the tracker.
type Options struct {
	// Now is a clock hook for tests.
	Now func() time.Time
}

// Tracker is the eventually-consistent local presence view.
type Tracker struct {
	interval time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]Session
}

// NewTracker creates a tracker for the given heartbeat interval.
func NewTracker(interval time.Duration, opts Options) *Tracker {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		interval: interval,
		now:      now,
		sessions: make(map[string]Session),
	}
}

// Heartbeat records a sighting of the given session.
func (t *Tracker) Heartbeat(sessionID, userID string) {
	t.mu.Lock()
	t.sessions[sessionID] = Session{
		SessionID: sessionID,
		UserID:    userID,
		LastSeen:  t.now(),
	}
	t.mu.Unlock()
}

// cutoff is the oldest LastSeen still considered reachable: two consecutive
// missed intervals mark a session unreachable.
func (t *Tracker) cutoff() time.Time {
	return t.now().Add(-2 * t.interval)
}

// SessionReachable reports whether the session heartbeated recently enough.
func (t *Tracker) SessionReachable(sessionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[sessionID]
	return ok && s.LastSeen.After(t.cutoff())
}

// UserReachable reports whether any of the user's sessions is reachable.
func (t *Tracker) UserReachable(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cutoff := t.cutoff()
	for _, s := range t.sessions {
		if s.UserID == userID && s.LastSeen.After(cutoff) {
			return true
		}
	}
	return false
}

// PeerReachable reports whether the user has a reachable session other than
// the given one. The caller's own heartbeat keeps its session live, so
// cross-canvas routing asks for a peer, not just any session.
func (t *Tracker) PeerReachable(userID, exceptSessionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cutoff := t.cutoff()
	for _, s := range t.sessions {
		if s.SessionID == exceptSessionID {
			continue
		}
		if s.UserID == userID && s.LastSeen.After(cutoff) {
			return true
		}
	}
	return false
}

// LiveSessions returns a snapshot of the currently reachable sessions.
func (t *Tracker) LiveSessions() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cutoff := t.cutoff()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		if s.LastSeen.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// prune drops entries stale for ten intervals so the map stays bounded.
func (t *Tracker) prune() {
	floor := t.now().Add(-10 * t.interval)
	t.mu.Lock()
	for id, s := range t.sessions {
		if s.LastSeen.Before(floor) {
			delete(t.sessions, id)
		}
	}
	t.mu.Unlock()
}

// Run announces this session's own heartbeat at every interval and prunes
// stale entries, until ctx is cancelled. announce sends the heartbeat over
// whatever scope the runtime wired.
func (t *Tracker) Run(ctx context.Context, announce func()) {
	announce()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			announce()
			t.prune()
		}
	}
}
