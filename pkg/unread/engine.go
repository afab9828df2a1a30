// Package unread keeps per-(user, thread) and per-user aggregate unread
// counts accurate despite concurrent mark-read actions from multiple devices
// and a live push stream. It follows an optimistic-update-with-reconciliation
// pattern: mutations apply locally first, the durable write follows, a failed
// write rolls the local mutation back, and a periodic authoritative snapshot
// replaces the optimistic state outright.
package unread

import (
	"sync"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
	"chatrelay/pkg/telemetry"
)

// Gateway is the durable side of the engine. All operations are atomic at
// the single-row level; UpsertReadMarker is monotonic (newer position wins).
type Gateway interface {
	UpsertReadMarker(userID, threadID, position, messageID string) (models.ReadMarker, error)
	CountUnread(userID string) (map[string]int, error)
	MarkAllRead(userID string) ([]string, error)
}

// StoreGateway adapts the pebble store to the Gateway interface.
type StoreGateway struct{}

func (StoreGateway) UpsertReadMarker(userID, threadID, position, messageID string) (models.ReadMarker, error) {
	return store.UpsertReadMarker(userID, threadID, position, messageID)
}

func (StoreGateway) CountUnread(userID string) (map[string]int, error) {
	return store.CountUnread(userID)
}

func (StoreGateway) MarkAllRead(userID string) ([]string, error) {
	return store.MarkAllRead(userID)
}

// Engine is safe for concurrent use. Two writers touch the counts: local
// optimistic mutations and the reconciliation fetch; reconciliation always
// wins.
type Engine struct {
	gw Gateway

	mu     sync.Mutex
	counts map[string]map[string]int // user -> thread -> count
}

func NewEngine(gw Gateway) *Engine {
	return &Engine{gw: gw, counts: make(map[string]map[string]int)}
}

func (e *Engine) userCounts(userID string) map[string]int {
	c, ok := e.counts[userID]
	if !ok {
		c = make(map[string]int)
		e.counts[userID] = c
	}
	return c
}

// Increment applies the optimistic +1 for a freshly pushed message.
func (e *Engine) Increment(userID, threadID string) {
	e.mu.Lock()
	e.userCounts(userID)[threadID]++
	e.mu.Unlock()
}

// Decrement applies an optimistic -1, clamped at zero. Concurrent decrement
// attempts can race; the clamp keeps the observable count non-negative.
func (e *Engine) Decrement(userID, threadID string) {
	e.mu.Lock()
	c := e.userCounts(userID)
	if c[threadID] > 0 {
		c[threadID]--
	}
	e.mu.Unlock()
}

// Snapshot returns a copy of the user's per-thread counts and their total.
func (e *Engine) Snapshot(userID string) models.UnreadSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	src := e.counts[userID]
	threads := make(map[string]int, len(src))
	total := 0
	for t, n := range src {
		if n <= 0 {
			continue
		}
		threads[t] = n
		total += n
	}
	return models.UnreadSnapshot{UserID: userID, Threads: threads, Total: total}
}

// Total returns the user's aggregate unread count.
func (e *Engine) Total(userID string) int {
	return e.Snapshot(userID).Total
}

// MarkThreadRead zeroes the thread's count optimistically, then issues the
// durable marker upsert. On failure the optimistic mutation is rolled back
// (messages that arrived while the write was in flight are preserved) and
// the error is surfaced as transient and retryable.
func (e *Engine) MarkThreadRead(userID, threadID, position, messageID string) error {
	e.mu.Lock()
	prev := e.userCounts(userID)[threadID]
	e.userCounts(userID)[threadID] = 0
	e.mu.Unlock()

	if _, err := e.gw.UpsertReadMarker(userID, threadID, position, messageID); err != nil {
		e.mu.Lock()
		e.userCounts(userID)[threadID] += prev
		e.mu.Unlock()
		telemetry.UnreadRollbacks.Inc()
		logger.Warn("mark_read_rolled_back", "user", userID, "thread", threadID, "error", err)
		return err
	}
	return nil
}

// MarkAllRead zeroes every count optimistically and issues the bulk marker
// upsert. The durable operation has a logical snapshot instant: messages
// persisted after it remain unread and reappear via increments or the next
// reconciliation. Rollback restores the pre-action counts on failure.
func (e *Engine) MarkAllRead(userID string) error {
	e.mu.Lock()
	prev := make(map[string]int)
	for t, n := range e.userCounts(userID) {
		prev[t] = n
		e.userCounts(userID)[t] = 0
	}
	e.mu.Unlock()

	if _, err := e.gw.MarkAllRead(userID); err != nil {
		e.mu.Lock()
		c := e.userCounts(userID)
		for t, n := range prev {
			c[t] += n
		}
		e.mu.Unlock()
		telemetry.UnreadRollbacks.Inc()
		logger.Warn("mark_all_read_rolled_back", "user", userID, "error", err)
		return err
	}
	return nil
}

// Reconcile fetches the authoritative aggregate and replaces the optimistic
// local value. This bounds drift: optimistic state is never trusted for more
// than one poll interval plus in-flight push latency.
func (e *Engine) Reconcile(userID string) (models.UnreadSnapshot, error) {
	fresh, err := e.gw.CountUnread(userID)
	if err != nil {
		return models.UnreadSnapshot{}, err
	}
	e.mu.Lock()
	e.counts[userID] = fresh
	e.mu.Unlock()
	telemetry.Reconciliations.Inc()
	return e.Snapshot(userID), nil
}
