package session

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
)

func ev(n int) models.Event {
	return models.NewEvent(models.EventMessageCreated, time.Now().UnixMilli(),
		map[string]int{"n": n})
}

func drain(s *Session) []models.Event {
	var out []models.Event
	for {
		select {
		case e := <-s.out:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestSendEnqueues(t *testing.T) {
	logger.InitWithLevel("error")
	s := New("u1", nil, Options{QueueCapacity: 4})
	if s.State() != StateConnecting {
		t.Fatalf("initial state = %s", s.State())
	}
	if !s.Send(ev(1)) || !s.Send(ev(2)) {
		t.Fatalf("send on open queue refused")
	}
	got := drain(s)
	if len(got) != 2 {
		t.Fatalf("queued %d events, want 2", len(got))
	}
}

// When the queue is full the oldest pending event is evicted, never the
// newest: a reconnecting client resynchronizes by pulling the snapshot, so
// recent events are worth more than stale ones.
func TestSendDropsOldestWhenFull(t *testing.T) {
	logger.InitWithLevel("error")
	s := New("u1", nil, Options{QueueCapacity: 3})

	for i := 1; i <= 5; i++ {
		if !s.Send(ev(i)) {
			t.Fatalf("send %d refused", i)
		}
	}

	got := drain(s)
	if len(got) != 3 {
		t.Fatalf("queue holds %d, want capacity 3", len(got))
	}
	want := []int{3, 4, 5}
	for i, e := range got {
		var p map[string]int
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p["n"] != want[i] {
			t.Fatalf("slot %d = event %d, want %d", i, p["n"], want[i])
		}
	}
}

func TestObserverSeesEvictions(t *testing.T) {
	logger.InitWithLevel("error")
	s := New("u1", nil, Options{QueueCapacity: 1})

	var dropped int
	s.Observe(func(event string) {
		if event == "dropped" {
			dropped++
		}
	})

	s.Send(ev(1))
	s.Send(ev(2))
	s.Send(ev(3))
	if dropped != 2 {
		t.Fatalf("observed %d drops, want 2", dropped)
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	logger.InitWithLevel("error")
	seen := make(map[string]bool)
	for i := 0; i < 8; i++ {
		s := New(fmt.Sprintf("u%d", i), nil, Options{})
		if s.ID() == "" || seen[s.ID()] {
			t.Fatalf("duplicate or empty session id %q", s.ID())
		}
		seen[s.ID()] = true
	}
}

func TestOptionsDefaults(t *testing.T) {
	var o Options
	o.fill()
	if o.QueueCapacity != defaultQueueCap || o.PongWait != defaultPongWait ||
		o.WriteWait != defaultWriteWait || o.MaxMessageSize != defaultMaxMsg {
		t.Fatalf("defaults not applied: %+v", o)
	}

	o = Options{QueueCapacity: 8, PongWait: time.Second}
	o.fill()
	if o.QueueCapacity != 8 || o.PongWait != time.Second {
		t.Fatalf("explicit values overwritten: %+v", o)
	}
}
