// Package notify converts selected domain events (procurement status
// changes, invoice events, off-screen thread activity) into persisted,
// routed Notification records and pushes them to the owner's live sessions.
// Unlike chat messages, notifications are single-recipient.
package notify

import (
	"context"
	"sync"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/presence"
	"chatrelay/pkg/store"
	"chatrelay/pkg/telemetry"
)

// Publisher mirrors dispatched notifications to an external broker. Nil
// disables mirroring.
type Publisher interface {
	Publish(ctx context.Context, key string, ev models.Event) error
}

// Dispatcher persists notifications, fans them out to the owner only, and
// tracks the per-owner unread-notification aggregate with the same
// optimistic-update-with-reconciliation shape as thread unread counts.
type Dispatcher struct {
	reg    *presence.Registry
	bridge Publisher

	mu     sync.Mutex
	unread map[string]int // owner -> optimistic unread notification count
}

func NewDispatcher(reg *presence.Registry, bridge Publisher) *Dispatcher {
	return &Dispatcher{reg: reg, bridge: bridge, unread: make(map[string]int)}
}

// Dispatch persists a Notification row and pushes notification.created to the
// owner's live sessions. Persistence failure aborts the whole operation;
// push failures are counted and swallowed. The returned notification carries
// its resolved destination in the event payload.
func (d *Dispatcher) Dispatch(ctx context.Context, ownerID, typeTag, title, body string, role models.Role) (models.Notification, error) {
	if err := ctx.Err(); err != nil {
		return models.Notification{}, &models.PersistenceError{Op: "create_notification", Err: err}
	}
	n, err := store.CreateNotification(ownerID, typeTag, title, body)
	if err != nil {
		telemetry.PersistFailures.WithLabelValues("create_notification").Inc()
		return n, err
	}

	d.mu.Lock()
	d.unread[ownerID]++
	d.mu.Unlock()

	ev := models.NewEvent(models.EventNotificationCreated, n.TS, struct {
		models.Notification
		Destination Destination `json:"destination"`
	}{n, Route(typeTag, role)})

	for _, s := range d.reg.SessionsFor(ownerID) {
		if !s.Send(ev) {
			telemetry.EventsDropped.WithLabelValues(ev.Type).Inc()
		}
	}
	if d.bridge != nil {
		if err := d.bridge.Publish(ctx, "notification.created."+ownerID, ev); err != nil {
			logger.Warn("bridge_publish_failed", "owner", ownerID, "error", err)
		}
	}
	logger.Info("notification_dispatched", "owner", ownerID, "type", typeTag, "id", n.ID)
	return n, nil
}

// MarkRead flips one notification's read flag: optimistic decrement first,
// durable write second, rollback on failure.
func (d *Dispatcher) MarkRead(ownerID, notificationID string) error {
	d.mu.Lock()
	decremented := false
	if d.unread[ownerID] > 0 {
		d.unread[ownerID]--
		decremented = true
	}
	d.mu.Unlock()

	if err := store.MarkNotificationRead(ownerID, notificationID); err != nil {
		if decremented {
			d.mu.Lock()
			d.unread[ownerID]++
			d.mu.Unlock()
		}
		telemetry.UnreadRollbacks.Inc()
		logger.Warn("notification_mark_read_rolled_back", "owner", ownerID, "id", notificationID, "error", err)
		return err
	}
	return nil
}

// MarkAllRead zeroes the owner's aggregate optimistically and issues the
// bulk durable write. Notifications created after the write's snapshot
// instant stay unread.
func (d *Dispatcher) MarkAllRead(ownerID string) (int, error) {
	d.mu.Lock()
	prev := d.unread[ownerID]
	d.unread[ownerID] = 0
	d.mu.Unlock()

	n, err := store.MarkAllNotificationsRead(ownerID)
	if err != nil {
		d.mu.Lock()
		d.unread[ownerID] += prev
		d.mu.Unlock()
		telemetry.UnreadRollbacks.Inc()
		logger.Warn("notification_mark_all_read_rolled_back", "owner", ownerID, "error", err)
		return 0, err
	}
	return n, nil
}

// Unread returns the optimistic unread-notification count, clamped at zero.
func (d *Dispatcher) Unread(ownerID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.unread[ownerID]; n > 0 {
		return n
	}
	return 0
}

// Reconcile replaces the optimistic aggregate with the authoritative count.
func (d *Dispatcher) Reconcile(ownerID string) (int, error) {
	n, err := store.CountUnreadNotifications(ownerID)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.unread[ownerID] = n
	d.mu.Unlock()
	telemetry.Reconciliations.Inc()
	return n, nil
}
