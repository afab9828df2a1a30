package models

// Role tags an identity. Role affects notification routing only; delivery
// mechanics are identical for all roles.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleStaff  Role = "STAFF"
	RoleClient Role = "CLIENT"
)

// ThreadKind separates client-visible conversations from staff-internal ones.
type ThreadKind string

const (
	ThreadMain  ThreadKind = "MAIN"
	ThreadStaff ThreadKind = "STAFF"
)

// Participant is an opaque identity bound to a thread.
type Participant struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

type Thread struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// Project is the owning project id (clients manage meaning)
	Project string     `json:"project,omitempty"`
	Kind    ThreadKind `json:"kind"`
	// Participants is the current membership; a STAFF thread never admits
	// a CLIENT-role participant.
	Participants []Participant `json:"participants"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	// Updated timestamp (ns) - last time metadata or thread activity changed
	UpdatedTS int64 `json:"updated_ts,omitempty"`
}

// HasParticipant reports whether userID is currently a member.
func (t *Thread) HasParticipant(userID string) bool {
	for _, p := range t.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
