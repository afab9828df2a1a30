package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/presence"
	"chatrelay/pkg/store"
)

type recordingSession struct {
	id     string
	userID string

	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSession) ID() string     { return s.id }
func (s *recordingSession) UserID() string { return s.userID }

func (s *recordingSession) Send(ev models.Event) bool {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return true
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *presence.Registry) {
	t.Helper()
	logger.InitWithLevel("error")
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg := presence.NewRegistry()
	return NewDispatcher(reg, nil), reg
}

func TestDispatchPersistsAndPushesToOwnerOnly(t *testing.T) {
	d, reg := newTestDispatcher(t)
	owner := &recordingSession{id: "s1", userID: "owner1"}
	other := &recordingSession{id: "s2", userID: "bystander"}
	reg.Register(owner)
	reg.Register(other)

	n, err := d.Dispatch(context.Background(), "owner1", "PO_APPROVED", "PO approved", "order #7 approved", models.RoleStaff)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n.ID == "" || n.Read {
		t.Fatalf("notification not persisted unread: %+v", n)
	}

	if len(owner.events) != 1 {
		t.Fatalf("owner received %d events, want 1", len(owner.events))
	}
	if len(other.events) != 0 {
		t.Fatalf("bystander received a single-recipient notification")
	}

	var payload struct {
		models.Notification
		Destination Destination `json:"destination"`
	}
	if err := json.Unmarshal(owner.events[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ID != n.ID || payload.Destination != "/staff/procurement" {
		t.Fatalf("payload = %+v", payload)
	}

	if d.Unread("owner1") != 1 {
		t.Fatalf("unread = %d, want 1", d.Unread("owner1"))
	}

	// durable record survives independent of the push
	list, err := store.ListNotifications("owner1", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v (%v)", list, err)
	}
}

func TestDispatchWithoutSessionsStillPersists(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if _, err := d.Dispatch(context.Background(), "sleeper", "INVOICE_PAID", "Invoice paid", "", models.RoleClient); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n, _ := store.CountUnreadNotifications("sleeper"); n != 1 {
		t.Fatalf("durable unread = %d, want 1", n)
	}
}

func TestDispatchCancelledContext(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Dispatch(ctx, "owner1", "X", "t", "b", models.RoleAdmin); !models.IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if n, _ := store.CountUnreadNotifications("owner1"); n != 0 {
		t.Fatalf("cancelled dispatch persisted state")
	}
}

func TestMarkReadDecrementsAndRollsBack(t *testing.T) {
	d, _ := newTestDispatcher(t)
	n, err := d.Dispatch(context.Background(), "owner1", "PROJECT_UPDATE", "t", "", models.RoleStaff)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if err := d.MarkRead("owner1", n.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if d.Unread("owner1") != 0 {
		t.Fatalf("unread = %d, want 0", d.Unread("owner1"))
	}

	// a missing id fails durably and restores the optimistic count
	if _, err := d.Dispatch(context.Background(), "owner1", "X", "t", "", models.RoleStaff); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := d.MarkRead("owner1", "ntf-missing"); err == nil {
		t.Fatalf("expected failure for missing notification")
	}
	if d.Unread("owner1") != 1 {
		t.Fatalf("unread after rollback = %d, want 1", d.Unread("owner1"))
	}
}

// A caller who learned someone else's notification id cannot flip it: the
// durable row stays unread and neither party's aggregate moves.
func TestMarkReadRejectsForeignOwner(t *testing.T) {
	d, _ := newTestDispatcher(t)
	n, err := d.Dispatch(context.Background(), "victim", "INVOICE_PAID", "t", "", models.RoleClient)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if err := d.MarkRead("attacker", n.ID); !store.IsNotFound(err) {
		t.Fatalf("expected not-found for foreign owner, got %v", err)
	}
	if c, _ := store.CountUnreadNotifications("victim"); c != 1 {
		t.Fatalf("victim durable unread = %d, want 1", c)
	}
	if d.Unread("victim") != 1 {
		t.Fatalf("victim aggregate = %d, want 1", d.Unread("victim"))
	}
	if d.Unread("attacker") != 0 {
		t.Fatalf("attacker aggregate = %d, want 0", d.Unread("attacker"))
	}
}

func TestMarkAllReadAndReconcile(t *testing.T) {
	d, _ := newTestDispatcher(t)
	for i := 0; i < 3; i++ {
		if _, err := d.Dispatch(context.Background(), "owner1", "INVOICE_PAID", "t", "", models.RoleClient); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	n, err := d.MarkAllRead("owner1")
	if err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if n != 3 || d.Unread("owner1") != 0 {
		t.Fatalf("marked %d, unread %d", n, d.Unread("owner1"))
	}

	// reconciliation replaces whatever the optimistic aggregate drifted to
	if _, err := store.CreateNotification("owner1", "X", "missed push", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := d.Reconcile("owner1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got != 1 || d.Unread("owner1") != 1 {
		t.Fatalf("reconciled = %d, unread = %d, want 1", got, d.Unread("owner1"))
	}
}
