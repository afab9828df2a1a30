package models

import "encoding/json"

// Event types pushed over the realtime transport. Ordering is derived from
// server-side causality within a thread; there is no wire sequence number.
const (
	EventMessageCreated      = "message.created"
	EventParticipantsChanged = "thread.participants_changed"
	EventNotificationCreated = "notification.created"
	EventUnreadSnapshot      = "unread.snapshot"
)

// Event is the envelope every realtime push travels in.
type Event struct {
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event envelope. Marshal failures are
// treated as programmer error and yield an empty payload.
func NewEvent(typ string, ts int64, payload any) Event {
	b, err := json.Marshal(payload)
	if err != nil {
		b = nil
	}
	return Event{Type: typ, TS: ts, Payload: b}
}

// ParticipantsChanged is the payload of thread.participants_changed.
type ParticipantsChanged struct {
	Thread       string        `json:"thread"`
	Actor        string        `json:"actor,omitempty"`
	Joined       []Participant `json:"joined,omitempty"`
	Left         []string      `json:"left,omitempty"`
	Participants []Participant `json:"participants"`
}

// UnreadSnapshot is the payload of unread.snapshot: the authoritative
// aggregate a client replaces its optimistic state with.
type UnreadSnapshot struct {
	UserID  string         `json:"user_id"`
	Threads map[string]int `json:"threads"`
	Total   int            `json:"total"`
}
