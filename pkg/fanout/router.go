// Package fanout turns a single domain action (send message, membership
// change) into a durable write followed by a best-effort push to every
// participant's live sessions. Persisting always happens before pushing;
// the durable record is the source of truth and any client that misses a
// push reconciles by pull.
package fanout

import (
	"context"
	"sync"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/presence"
	"chatrelay/pkg/store"
	"chatrelay/pkg/telemetry"
	"chatrelay/pkg/unread"
)

// Publisher mirrors fanned-out events to an external broker. Optional; a nil
// publisher disables mirroring.
type Publisher interface {
	Publish(ctx context.Context, key string, ev models.Event) error
}

// Router serializes persist+fanout per thread so events reach a session in
// the same order they were persisted.
type Router struct {
	reg    *presence.Registry
	engine *unread.Engine
	bridge Publisher

	locks sync.Map // threadID -> *sync.Mutex
}

func NewRouter(reg *presence.Registry, engine *unread.Engine, bridge Publisher) *Router {
	return &Router{reg: reg, engine: engine, bridge: bridge}
}

func (r *Router) threadLock(threadID string) *sync.Mutex {
	v, _ := r.locks.LoadOrStore(threadID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// SendMessage validates membership, persists the message, then pushes
// message.created to every other participant's live sessions. Persistence
// failure aborts the whole operation and nothing is pushed; push failures
// are expected steady state and never surfaced to the sender.
func (r *Router) SendMessage(ctx context.Context, threadID, senderID, body string, att *models.Attachment) (models.Message, error) {
	var m models.Message
	th, err := store.GetThread(threadID)
	if err != nil {
		telemetry.PersistFailures.WithLabelValues("get_thread").Inc()
		return m, err
	}
	if !th.HasParticipant(senderID) {
		return m, models.ErrNotAParticipant
	}

	lk := r.threadLock(threadID)
	lk.Lock()
	defer lk.Unlock()

	if err := ctx.Err(); err != nil {
		return m, &models.PersistenceError{Op: "create_message", Err: err}
	}

	// durability boundary
	m, err = store.CreateMessage(threadID, senderID, body, att)
	if err != nil {
		telemetry.PersistFailures.WithLabelValues("create_message").Inc()
		return m, err
	}

	// membership is read fresh: admin join/leave can change it between sends
	parts, err := store.ListParticipants(threadID)
	if err != nil {
		// the message is durable; recipients will see it on their next pull
		logger.Warn("fanout_participants_unavailable", "thread", threadID, "error", err)
		return m, nil
	}

	ev := models.NewEvent(models.EventMessageCreated, m.TS, m)
	for _, p := range parts {
		if p.UserID == senderID {
			continue
		}
		r.engine.Increment(p.UserID, threadID)
		r.push(p.UserID, ev)
	}
	store.MarkFannedOut(m)
	r.mirror(ctx, "message.created."+threadID, ev)
	return m, nil
}

// UpdateParticipants applies an admin join/leave to a thread and fans out
// thread.participants_changed so other participants' views reflect who is
// present. It grants no retroactive access to prior messages.
func (r *Router) UpdateParticipants(ctx context.Context, threadID, actor string, joined []models.Participant, left []string) (models.Thread, error) {
	lk := r.threadLock(threadID)
	lk.Lock()
	defer lk.Unlock()

	th, err := store.GetThread(threadID)
	if err != nil {
		return th, err
	}

	// union of membership before and after, so leaving users hear about it
	audience := make(map[string]struct{}, len(th.Participants)+len(joined))
	for _, p := range th.Participants {
		audience[p.UserID] = struct{}{}
	}

	leaving := make(map[string]struct{}, len(left))
	for _, id := range left {
		leaving[id] = struct{}{}
	}
	next := th.Participants[:0:0]
	for _, p := range th.Participants {
		if _, gone := leaving[p.UserID]; !gone {
			next = append(next, p)
		}
	}
	for _, p := range joined {
		already := false
		for _, q := range next {
			if q.UserID == p.UserID {
				already = true
				break
			}
		}
		if !already {
			next = append(next, p)
		}
		audience[p.UserID] = struct{}{}
	}
	th.Participants = next

	if err := store.SaveThread(th); err != nil {
		telemetry.PersistFailures.WithLabelValues("save_thread").Inc()
		return th, err
	}

	ts, _ := store.NextPosition()
	ev := models.NewEvent(models.EventParticipantsChanged, ts, models.ParticipantsChanged{
		Thread:       threadID,
		Actor:        actor,
		Joined:       joined,
		Left:         left,
		Participants: th.Participants,
	})
	for userID := range audience {
		r.push(userID, ev)
	}
	r.mirror(ctx, "thread.participants_changed."+threadID, ev)
	logger.Info("participants_changed", "thread", threadID, "actor", actor, "joined", len(joined), "left", len(left))
	return th, nil
}

// PushSnapshot delivers an authoritative unread snapshot to every live
// session of the user. Used by the reconciliation sweep and on-connect.
func (r *Router) PushSnapshot(userID string, snap models.UnreadSnapshot) {
	ts, _ := store.NextPosition()
	r.push(userID, models.NewEvent(models.EventUnreadSnapshot, ts, snap))
}

// push is fire-and-forget: a user with no live session simply gets nothing,
// and a full queue already counted the drop.
func (r *Router) push(userID string, ev models.Event) {
	for _, s := range r.reg.SessionsFor(userID) {
		if !s.Send(ev) {
			telemetry.EventsDropped.WithLabelValues(ev.Type).Inc()
		}
	}
}

func (r *Router) mirror(ctx context.Context, key string, ev models.Event) {
	if r.bridge == nil {
		return
	}
	if err := r.bridge.Publish(ctx, key, ev); err != nil {
		logger.Warn("bridge_publish_failed", "key", key, "error", err)
	}
}
