package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/presence"
	"chatrelay/pkg/store"
	"chatrelay/pkg/unread"
)

// memSession records delivered events in memory.
type memSession struct {
	id     string
	userID string

	mu     sync.Mutex
	events []models.Event
	closed bool
}

func (s *memSession) ID() string     { return s.id }
func (s *memSession) UserID() string { return s.userID }

func (s *memSession) Send(ev models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func (s *memSession) delivered(eventType string) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func setup(t *testing.T) (*Router, *presence.Registry, *unread.Engine) {
	t.Helper()
	logger.InitWithLevel("error")
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg := presence.NewRegistry()
	engine := unread.NewEngine(unread.StoreGateway{})
	return NewRouter(reg, engine, nil), reg, engine
}

func saveThread(t *testing.T, id string, users ...string) {
	t.Helper()
	th := models.Thread{ID: id, Kind: models.ThreadMain}
	for _, u := range users {
		th.Participants = append(th.Participants, models.Participant{UserID: u, Role: models.RoleStaff})
	}
	if err := store.SaveThread(th); err != nil {
		t.Fatalf("save thread: %v", err)
	}
}

// User u1 sends "hello" to a thread shared with u2; u2 has a live session.
// The persisted message comes back synchronously, u2's session receives one
// message.created event with the body, and u2's unread count rises by one.
func TestSendMessageDeliversToOtherParticipants(t *testing.T) {
	r, reg, engine := setup(t)
	saveThread(t, "th1", "u1", "u2")

	s1 := &memSession{id: "s1", userID: "u1"}
	s2 := &memSession{id: "s2", userID: "u2"}
	reg.Register(s1)
	reg.Register(s2)

	m, err := r.SendMessage(context.Background(), "th1", "u1", "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.ID == "" || m.Position == "" || m.Body != "hello" {
		t.Fatalf("persisted message incomplete: %+v", m)
	}

	got := s2.delivered(models.EventMessageCreated)
	if len(got) != 1 {
		t.Fatalf("u2 received %d events, want 1", len(got))
	}
	var payload models.Message
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Body != "hello" || payload.ID != m.ID {
		t.Fatalf("payload = %+v", payload)
	}

	// sender's own sessions stay silent
	if len(s1.delivered(models.EventMessageCreated)) != 0 {
		t.Fatalf("sender received own message")
	}

	if got := engine.Snapshot("u2").Threads["th1"]; got != 1 {
		t.Fatalf("u2 unread = %d, want 1", got)
	}
	if got := engine.Total("u1"); got != 0 {
		t.Fatalf("u1 unread = %d, want 0", got)
	}
}

func TestSendMessageRejectsNonParticipant(t *testing.T) {
	r, _, _ := setup(t)
	saveThread(t, "th1", "u1")

	if _, err := r.SendMessage(context.Background(), "th1", "intruder", "hi", nil); !errors.Is(err, models.ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
	msgs, _ := store.ListMessages("th1")
	if len(msgs) != 0 {
		t.Fatalf("rejected send persisted %d messages", len(msgs))
	}
}

// A disconnected recipient misses the push but the durable record covers
// them: the authoritative count reflects the message with no session at all.
func TestOfflineRecipientReconcilesByPull(t *testing.T) {
	r, _, _ := setup(t)
	saveThread(t, "th1", "u1", "u2")

	if _, err := r.SendMessage(context.Background(), "th1", "u1", "missed me?", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	// u2 "reconnects later" and polls
	counts, err := store.CountUnread("u2")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["th1"] != 1 {
		t.Fatalf("unread = %d, want 1", counts["th1"])
	}
}

// Events reach a live session in persistence order within one thread, even
// with many concurrent senders.
func TestPerThreadDeliveryOrder(t *testing.T) {
	r, reg, _ := setup(t)
	saveThread(t, "th1", "u1", "u2")

	s2 := &memSession{id: "s2", userID: "u2"}
	reg.Register(s2)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.SendMessage(context.Background(), "th1", "u1", "m", nil); err != nil {
				t.Errorf("send: %v", err)
			}
		}()
	}
	wg.Wait()

	events := s2.delivered(models.EventMessageCreated)
	if len(events) != n {
		t.Fatalf("delivered %d events, want %d", len(events), n)
	}
	var prev string
	for i, ev := range events {
		var m models.Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			t.Fatalf("decode event %d: %v", i, err)
		}
		if m.Position <= prev {
			t.Fatalf("event %d out of order: %s after %s", i, m.Position, prev)
		}
		prev = m.Position
	}
}

func TestUpdateParticipantsNotifiesLeavers(t *testing.T) {
	r, reg, _ := setup(t)
	saveThread(t, "th1", "u1", "u2")

	s2 := &memSession{id: "s2", userID: "u2"}
	s3 := &memSession{id: "s3", userID: "u3"}
	reg.Register(s2)
	reg.Register(s3)

	th, err := r.UpdateParticipants(context.Background(), "th1", "admin",
		[]models.Participant{{UserID: "u3", Role: models.RoleStaff}}, []string{"u2"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if th.HasParticipant("u2") || !th.HasParticipant("u3") {
		t.Fatalf("membership not applied: %+v", th.Participants)
	}

	// both the leaver and the joiner hear about the change
	if len(s2.delivered(models.EventParticipantsChanged)) != 1 {
		t.Fatalf("leaver not notified")
	}
	if len(s3.delivered(models.EventParticipantsChanged)) != 1 {
		t.Fatalf("joiner not notified")
	}
}

func TestUpdateParticipantsKeepsStaffThreadInvariant(t *testing.T) {
	r, _, _ := setup(t)
	th := models.Thread{ID: "th-staff", Kind: models.ThreadStaff,
		Participants: []models.Participant{{UserID: "s1", Role: models.RoleStaff}}}
	if err := store.SaveThread(th); err != nil {
		t.Fatalf("save: %v", err)
	}

	_, err := r.UpdateParticipants(context.Background(), "th-staff", "admin",
		[]models.Participant{{UserID: "c1", Role: models.RoleClient}}, nil)
	if !errors.Is(err, models.ErrClientInStaffThread) {
		t.Fatalf("expected ErrClientInStaffThread, got %v", err)
	}
	// membership unchanged
	got, _ := store.GetThread("th-staff")
	if got.HasParticipant("c1") {
		t.Fatalf("client admitted to staff thread")
	}
}

func TestPushSnapshotReachesAllSessions(t *testing.T) {
	r, reg, _ := setup(t)
	a := &memSession{id: "a", userID: "u1"}
	b := &memSession{id: "b", userID: "u1"}
	reg.Register(a)
	reg.Register(b)

	r.PushSnapshot("u1", models.UnreadSnapshot{UserID: "u1", Threads: map[string]int{"th1": 2}, Total: 2})

	for _, s := range []*memSession{a, b} {
		if len(s.delivered(models.EventUnreadSnapshot)) != 1 {
			t.Fatalf("session %s missed snapshot", s.id)
		}
	}
}
