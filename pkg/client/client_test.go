package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// realtimeStub accepts the handshake when the token matches and pushes one
// unread.snapshot to every accepted connection.
func realtimeStub(t *testing.T, wantToken string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != wantToken {
			http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		snap := models.NewEvent(models.EventUnreadSnapshot, time.Now().UnixMilli(),
			models.UnreadSnapshot{UserID: "u1", Threads: map[string]int{"th1": 2}, Total: 2})
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
		// hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime"
}

func TestRunConnectsAndDispatches(t *testing.T) {
	logger.InitWithLevel("error")
	srv := realtimeStub(t, "good-token")

	m := New(wsURL(srv), "good-token", Options{BaseDelay: 10 * time.Millisecond})
	snaps := make(chan models.Event, 1)
	m.On(models.EventUnreadSnapshot, func(ev models.Event) { snaps <- ev })

	var connects atomic.Int32
	m.OnConnect(func() { connects.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	select {
	case ev := <-snaps:
		if ev.Type != models.EventUnreadSnapshot {
			t.Fatalf("event type = %s", ev.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no snapshot received")
	}
	if m.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN", m.State())
	}
	if connects.Load() != 1 {
		t.Fatalf("connect hooks fired %d times, want 1", connects.Load())
	}

	m.Close()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after Close")
	}
	if m.State() != StateClosed {
		t.Fatalf("state after close = %s", m.State())
	}
}

func TestRunRejectedCredentialIsFatal(t *testing.T) {
	logger.InitWithLevel("error")
	srv := realtimeStub(t, "good-token")

	m := New(wsURL(srv), "wrong-token", Options{BaseDelay: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Run(ctx); !errors.Is(err, ErrBadCredential) {
		t.Fatalf("expected ErrBadCredential, got %v", err)
	}
	if m.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", m.State())
	}
}

// A dropped transport is not an error: the manager re-enters RECONNECTING and
// dials again with the same credential, and the reconnect fires the
// on-connect hooks again (that is where the reconcile pull lives).
func TestRunReconnectsAfterTransportLoss(t *testing.T) {
	logger.InitWithLevel("error")

	var accepted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := accepted.Add(1)
		if n == 1 {
			// first connection dies immediately
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	m := New(wsURL(srv), "any", Options{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})

	states := make(chan State, 16)
	m.Observe(func(s State) { states <- s })

	var connects atomic.Int32
	reconnected := make(chan struct{})
	m.OnConnect(func() {
		if connects.Add(1) == 2 {
			close(reconnected)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatalf("client never reconnected; %d connections accepted", accepted.Load())
	}

	sawReconnecting := false
drain:
	for {
		select {
		case s := <-states:
			if s == StateReconnecting {
				sawReconnecting = true
			}
		default:
			break drain
		}
	}
	if !sawReconnecting {
		t.Fatalf("RECONNECTING state never observed")
	}
	m.Close()
}

func TestSetCredentialForcesRebind(t *testing.T) {
	logger.InitWithLevel("error")

	tokens := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	m := New(wsURL(srv), "cred-1", Options{BaseDelay: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	select {
	case tok := <-tokens:
		if tok != "cred-1" {
			t.Fatalf("first handshake token = %q", tok)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no initial connection")
	}

	m.SetCredential("cred-2")
	select {
	case tok := <-tokens:
		if tok != "cred-2" {
			t.Fatalf("rebind token = %q, want cred-2", tok)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reconnect after credential replacement")
	}
	m.Close()
}
