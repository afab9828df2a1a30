package presence

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
)

type stubSession struct {
	id     string
	userID string
}

func (s *stubSession) ID() string                { return s.id }
func (s *stubSession) UserID() string            { return s.userID }
func (s *stubSession) Send(ev models.Event) bool { return true }

func TestRegisterAndLookup(t *testing.T) {
	logger.InitWithLevel("error")
	r := NewRegistry()

	a := &stubSession{id: "a", userID: "u1"}
	b := &stubSession{id: "b", userID: "u1"}
	c := &stubSession{id: "c", userID: "u2"}
	r.Register(a)
	r.Register(b)
	r.Register(c)

	if got := r.SessionsFor("u1"); len(got) != 2 {
		t.Fatalf("u1 sessions = %d, want 2", len(got))
	}
	if got := r.SessionsFor("u2"); len(got) != 1 || got[0].ID() != "c" {
		t.Fatalf("u2 sessions = %v", got)
	}
	if got := r.SessionsFor("nobody"); got != nil {
		t.Fatalf("absent user sessions = %v, want nil", got)
	}

	users := r.Users()
	sort.Strings(users)
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Fatalf("users = %v", users)
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	logger.InitWithLevel("error")
	r := NewRegistry()
	s := &stubSession{id: "a", userID: "u1"}
	r.Register(s)

	r.Unregister(s)
	if got := r.SessionsFor("u1"); got != nil {
		t.Fatalf("sessions after unregister = %v", got)
	}
	if len(r.Users()) != 0 {
		t.Fatalf("user lingered after last session left")
	}

	// removing again, or removing something never registered, is a no-op
	r.Unregister(s)
	r.Unregister(&stubSession{id: "ghost", userID: "u9"})
}

// The returned slice is a snapshot: mutating the registry while iterating a
// previous result must be safe.
func TestSessionsForReturnsCopy(t *testing.T) {
	logger.InitWithLevel("error")
	r := NewRegistry()
	a := &stubSession{id: "a", userID: "u1"}
	b := &stubSession{id: "b", userID: "u1"}
	r.Register(a)
	r.Register(b)

	snap := r.SessionsFor("u1")
	r.Unregister(a)
	r.Unregister(b)
	if len(snap) != 2 {
		t.Fatalf("snapshot mutated by unregister: %v", snap)
	}
}

func TestConcurrentRegistration(t *testing.T) {
	logger.InitWithLevel("error")
	r := NewRegistry()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &stubSession{id: fmt.Sprintf("s%d", i), userID: fmt.Sprintf("u%d", i%4)}
			r.Register(s)
			_ = r.SessionsFor(s.UserID())
			if i%2 == 0 {
				r.Unregister(s)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, u := range r.Users() {
		total += len(r.SessionsFor(u))
	}
	if total != n/2 {
		t.Fatalf("live sessions = %d, want %d", total, n/2)
	}
}
