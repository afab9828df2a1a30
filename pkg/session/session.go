// Package session implements one realtime connection's server-side
// lifecycle: identity binding, the bounded outbound delivery queue, and the
// websocket read/write pumps.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the session liveness state. RECONNECTING lives on the client side
// (see pkg/client); a server session is gone the moment its transport is.
type State string

const (
	StateConnecting State = "CONNECTING"
	StateOpen       State = "OPEN"
	StateClosed     State = "CLOSED"
)

// Options tunes transport behavior. Zero values fall back to defaults.
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	QueueCapacity  int
	MaxMessageSize int64
}

const (
	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 60 * time.Second
	defaultQueueCap  = 256
	defaultMaxMsg    = 4096
)

func (o *Options) fill() {
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = defaultQueueCap
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMsg
	}
}

// Session is one live transport connection bound to an authenticated user.
// Events are enqueued by Send and written by the write pump; beyond queue
// capacity the oldest pending event is dropped, since every pushed event is
// supersedable by a reconcile pull after reconnect.
type Session struct {
	id     string
	userID string
	conn   *websocket.Conn
	opts   Options

	out      chan models.Event
	done     chan struct{}
	closing  sync.Once
	state    atomic.Value // State
	lastPong atomic.Int64

	obsMu     sync.RWMutex
	observers []func(event string)
}

// New wraps an upgraded websocket connection for the given user.
func New(userID string, conn *websocket.Conn, opts Options) *Session {
	opts.fill()
	s := &Session{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		opts:   opts,
		out:    make(chan models.Event, opts.QueueCapacity),
		done:   make(chan struct{}),
	}
	s.state.Store(StateConnecting)
	s.lastPong.Store(time.Now().UnixNano())
	return s
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// State returns the current liveness state.
func (s *Session) State() State { return s.state.Load().(State) }

// LastPong returns the last heartbeat time observed from the peer.
func (s *Session) LastPong() time.Time { return time.Unix(0, s.lastPong.Load()) }

// Observe registers a diagnostics listener, decoupled from the delivery
// path. Listeners receive coarse lifecycle events ("open", "closed",
// "dropped") and must not block.
func (s *Session) Observe(fn func(event string)) {
	s.obsMu.Lock()
	s.observers = append(s.observers, fn)
	s.obsMu.Unlock()
}

func (s *Session) notify(event string) {
	s.obsMu.RLock()
	obs := s.observers
	s.obsMu.RUnlock()
	for _, fn := range obs {
		fn(event)
	}
}

// Send enqueues an event for delivery. When the queue is full the oldest
// pending event is dropped to make room (drop-oldest). Returns false only
// when the session is closed.
func (s *Session) Send(ev models.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- ev:
		return true
	default:
	}
	// full: evict the oldest pending event, then retry once
	select {
	case old := <-s.out:
		telemetry.EventsDropped.WithLabelValues(old.Type).Inc()
		logger.Debug("session_queue_evict", "session", s.id, "type", old.Type)
		s.notify("dropped")
	default:
	}
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// Close tears the session down. Safe to call more than once and from any
// goroutine; the core tolerates a session disappearing at any time.
func (s *Session) Close() {
	s.closing.Do(func() {
		s.state.Store(StateClosed)
		close(s.done)
		_ = s.conn.Close()
		s.notify("closed")
		logger.Info("session_closed", "user", s.userID, "session", s.id)
	})
}

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// ReadPump consumes the inbound side of the transport: it exists to observe
// pongs and peer-initiated closes. Client-originated operations arrive over
// the REST surface, not the socket.
func (s *Session) ReadPump() {
	defer s.Close()
	s.conn.SetReadLimit(s.opts.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixNano())
		return s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			logger.Debug("session_read_closed", "session", s.id, "error", err)
			return
		}
	}
}

// WritePump drains the outbound queue onto the transport, interleaving
// pings. A write failure closes the session; the durable record remains the
// source of truth for anything undelivered.
func (s *Session) WritePump() {
	pingPeriod := (s.opts.PongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	s.state.Store(StateOpen)
	s.notify("open")

	for {
		select {
		case ev := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				logger.Debug("session_write_failed", "session", s.id, "error", err)
				return
			}
			telemetry.EventsFanned.WithLabelValues(ev.Type).Inc()
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
