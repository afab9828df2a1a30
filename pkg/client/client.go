// Package client is the connection-manager side of the realtime transport:
// one Manager per authenticated identity owns the socket lifecycle
// (open/close/reconnect) and hands events to registered consumers. Consumers
// hold a reference to the Manager instead of sharing a hidden global
// connection, so multi-session behavior stays explicit.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"

	"github.com/codeGROOVE-dev/retry"
	"github.com/gorilla/websocket"
)

// State is the client-visible connection state.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateOpen         State = "OPEN"
	StateReconnecting State = "RECONNECTING"
	StateClosed       State = "CLOSED"
)

// Options tunes the reconnect policy. Zero values fall back to defaults.
type Options struct {
	DialTimeout time.Duration // per-attempt bound
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (o *Options) fill() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 2 * time.Minute
	}
}

// Manager owns one logical realtime connection. On transport loss it
// reconnects indefinitely with exponential backoff, re-authenticating with
// the same credential; each successful reopen is a new delivery channel, so
// an OnConnect hook is provided for the reconcile pull.
type Manager struct {
	endpoint string
	opts     Options

	credMu     sync.Mutex
	credential string

	state atomic.Value // State

	mu        sync.Mutex
	conn      *websocket.Conn
	handlers  map[string][]func(models.Event)
	onConnect []func()
	observers []func(State)

	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Manager for the given realtime endpoint (ws:// or wss://) and
// bearer credential. Run must be called to start the connection loop.
func New(endpoint, credential string, opts Options) *Manager {
	opts.fill()
	m := &Manager{
		endpoint:   endpoint,
		credential: credential,
		opts:       opts,
		handlers:   make(map[string][]func(models.Event)),
		done:       make(chan struct{}),
	}
	m.state.Store(StateConnecting)
	return m
}

// State returns the current connection state.
func (m *Manager) State() State { return m.state.Load().(State) }

// On registers a consumer for one event type. Not safe to call concurrently
// with Run; register consumers before starting the loop.
func (m *Manager) On(eventType string, fn func(models.Event)) {
	m.handlers[eventType] = append(m.handlers[eventType], fn)
}

// OnConnect registers a hook invoked after every successful (re)connect.
// This is where the reconcile pull belongs: push delivery during an outage
// window is not replayed, the client refetches unread counts and latest
// messages instead.
func (m *Manager) OnConnect(fn func()) {
	m.onConnect = append(m.onConnect, fn)
}

// Observe registers a diagnostics listener for state transitions, decoupled
// from the delivery path. Listeners must not block.
func (m *Manager) Observe(fn func(State)) {
	m.observers = append(m.observers, fn)
}

func (m *Manager) setState(s State) {
	m.state.Store(s)
	for _, fn := range m.observers {
		fn(s)
	}
}

// SetCredential replaces the credential (re-login) and tears down the live
// transport; the run loop reconnects with the new credential. At most one
// transport-to-credential binding is live at a time.
func (m *Manager) SetCredential(credential string) {
	m.credMu.Lock()
	m.credential = credential
	m.credMu.Unlock()
	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.mu.Unlock()
	logger.Info("client_credential_replaced")
}

func (m *Manager) currentCredential() string {
	m.credMu.Lock()
	defer m.credMu.Unlock()
	return m.credential
}

// Close stops the run loop and closes the transport.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		if m.conn != nil {
			_ = m.conn.Close()
		}
		m.mu.Unlock()
		m.setState(StateClosed)
	})
}

// ErrBadCredential is returned by Run when the server rejects the handshake;
// retrying with the same credential is pointless.
var ErrBadCredential = errors.New("credential rejected at handshake")

// Run drives the connect/read/reconnect loop until ctx is done or Close is
// called. It returns ErrBadCredential on a handshake rejection and nil on
// orderly shutdown. Transport loss never returns: the loop re-enters
// RECONNECTING and dials again with exponential backoff, indefinitely.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-m.done:
			return nil
		case <-ctx.Done():
			m.Close()
			return nil
		default:
		}
		if attempt > 0 {
			m.setState(StateReconnecting)
		}

		conn, err := m.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrBadCredential) {
				m.Close()
				return ErrBadCredential
			}
			// ctx cancelled mid-backoff
			if ctx.Err() != nil {
				m.Close()
				return nil
			}
			attempt++
			continue
		}
		attempt++

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.setState(StateOpen)
		logger.Info("client_connected", "attempt", attempt)
		for _, fn := range m.onConnect {
			fn()
		}

		m.readLoop(conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		select {
		case <-m.done:
			return nil
		default:
		}
	}
}

// dial performs one bounded handshake attempt inside an unbounded
// exponential-backoff retry. A 401 response is unrecoverable.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := retry.Do(
		func() error {
			u, err := url.Parse(m.endpoint)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			q := u.Query()
			q.Set("token", m.currentCredential())
			u.RawQuery = q.Encode()

			dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
			defer cancel()
			c, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
			if err != nil {
				if resp != nil && resp.StatusCode == http.StatusUnauthorized {
					return retry.Unrecoverable(ErrBadCredential)
				}
				return err
			}
			conn = c
			return nil
		},
		retry.Attempts(0), // until success or ctx done
		retry.Delay(m.opts.BaseDelay),
		retry.MaxDelay(m.opts.MaxDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("client_dial_retry", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrBadCredential) {
			return nil, ErrBadCredential
		}
		return nil, err
	}
	return conn, nil
}

// readLoop decodes event envelopes and dispatches them to consumers until
// the transport drops.
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("client_read_closed", "error", err)
			_ = conn.Close()
			return
		}
		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Warn("client_bad_event", "error", err)
			continue
		}
		for _, fn := range m.handlers[ev.Type] {
			fn(ev)
		}
	}
}
