// Package presence maps a user identity to the set of currently-open
// realtime sessions. It is the only structure mutated by multiple concurrent
// sessions, so all access goes through one RWMutex.
package presence

import (
	"sync"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/telemetry"
)

// Session is a live delivery channel for one connection. Send is best-effort:
// it returns false when the event could not be enqueued (queue closed). No
// ordering is guaranteed across a user's multiple sessions.
type Session interface {
	ID() string
	UserID() string
	Send(ev models.Event) bool
}

// Registry is a concurrent-safe user -> sessions map. A user may have zero,
// one, or many live sessions (multi-device, multi-tab).
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Session
}

func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]map[string]Session)}
}

// Register adds a session to its user's set.
func (r *Registry) Register(s Session) {
	r.mu.Lock()
	set, ok := r.byUser[s.UserID()]
	if !ok {
		set = make(map[string]Session)
		r.byUser[s.UserID()] = set
	}
	set[s.ID()] = s
	r.mu.Unlock()
	telemetry.SessionsLive.Inc()
	logger.Info("session_registered", "user", s.UserID(), "session", s.ID())
}

// Unregister removes a session. Idempotent: removing an absent session is a
// no-op.
func (r *Registry) Unregister(s Session) {
	r.mu.Lock()
	set, ok := r.byUser[s.UserID()]
	if ok {
		if _, present := set[s.ID()]; present {
			delete(set, s.ID())
			if len(set) == 0 {
				delete(r.byUser, s.UserID())
			}
			r.mu.Unlock()
			telemetry.SessionsLive.Dec()
			logger.Info("session_unregistered", "user", s.UserID(), "session", s.ID())
			return
		}
	}
	r.mu.Unlock()
}

// SessionsFor returns the user's live sessions; possibly empty. The returned
// slice is a copy safe to iterate while sessions come and go.
func (r *Registry) SessionsFor(userID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// Users returns the ids of all users with at least one live session.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	return out
}
