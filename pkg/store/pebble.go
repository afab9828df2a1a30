package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/utils"

	"github.com/cockroachdb/pebble"
)

var db *pebble.DB

var dbPath string

// seq provides a small counter to reduce position collisions when multiple
// messages share the same nanosecond timestamp.
var seq uint64

// Key layout:
//
//	threadmeta:<threadID>                 -> Thread JSON
//	thread:<threadID>:msg:<position>      -> Message JSON
//	thread:<threadID>:read:<userID>       -> ReadMarker JSON
//	notif:<ownerID>:<position>            -> Notification JSON
//	notifidx:<notificationID>             -> owner row key (lookup index)
//
// Thread metadata and the notification id index live in their own namespaces
// so per-owner and per-thread scans never walk foreign rows. <position> is
// "%020d-%06d" (ns timestamp, global counter), so byte order equals
// persistence order within a thread.

// Open opens (or creates) a Pebble database at the given path and keeps a
// global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

func notOpen() error {
	return &models.PersistenceError{Op: "store", Err: fmt.Errorf("pebble not opened; call store.Open first")}
}

// IsNotFound reports whether err stems from a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, pebble.ErrNotFound)
}

// NextPosition returns a fresh sortable storage position.
func NextPosition() (int64, string) {
	ts := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&seq, 1)
	return ts, fmt.Sprintf("%020d-%06d", ts, s)
}

// --- Threads ---

// SaveThread stores thread metadata, enforcing the staff-thread membership
// invariant.
func SaveThread(th models.Thread) error {
	if db == nil {
		return notOpen()
	}
	if th.Kind == models.ThreadStaff {
		for _, p := range th.Participants {
			if p.Role == models.RoleClient {
				return models.ErrClientInStaffThread
			}
		}
	}
	data, err := json.Marshal(th)
	if err != nil {
		return &models.PersistenceError{Op: "save_thread", Err: err}
	}
	key := []byte("threadmeta:" + th.ID)
	if err := db.Set(key, data, pebble.Sync); err != nil {
		logger.Error("save_thread_failed", "thread", th.ID, "error", err)
		return &models.PersistenceError{Op: "save_thread", Err: err}
	}
	logger.Info("thread_saved", "thread", th.ID, "kind", string(th.Kind))
	return nil
}

// GetThread returns the stored thread metadata for a given thread ID.
func GetThread(threadID string) (models.Thread, error) {
	var th models.Thread
	if db == nil {
		return th, notOpen()
	}
	key := []byte("threadmeta:" + threadID)
	v, closer, err := db.Get(key)
	if err != nil {
		return th, &models.PersistenceError{Op: "get_thread", Err: err}
	}
	if closer != nil {
		defer closer.Close()
	}
	if err := json.Unmarshal(v, &th); err != nil {
		return th, &models.PersistenceError{Op: "get_thread", Err: err}
	}
	return th, nil
}

// ListParticipants resolves the thread's current participant set. Always read
// fresh: membership can change between sends.
func ListParticipants(threadID string) ([]models.Participant, error) {
	th, err := GetThread(threadID)
	if err != nil {
		return nil, err
	}
	return th.Participants, nil
}

// ListThreadsFor returns all threads the user currently participates in.
func ListThreadsFor(userID string) ([]models.Thread, error) {
	if db == nil {
		return nil, notOpen()
	}
	prefix := []byte("threadmeta:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, &models.PersistenceError{Op: "list_threads", Err: err}
	}
	defer iter.Close()
	var out []models.Thread
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var th models.Thread
		if json.Unmarshal(iter.Value(), &th) != nil {
			continue
		}
		if th.HasParticipant(userID) {
			out = append(out, th)
		}
	}
	return out, iter.Error()
}

// --- Messages ---

// CreateMessage persists a new message in a thread, assigning the canonical
// id, timestamp and storage position. This is the durability boundary of the
// "send message" protocol.
func CreateMessage(threadID, senderID, body string, att *models.Attachment) (models.Message, error) {
	var m models.Message
	if db == nil {
		return m, notOpen()
	}
	ts, pos := NextPosition()
	m = models.Message{
		ID:         utils.GenID(),
		Thread:     threadID,
		Sender:     senderID,
		TS:         ts,
		Body:       body,
		Position:   pos,
		Attachment: att,
		State:      models.DeliveryPersisted,
	}
	data, err := json.Marshal(m)
	if err != nil {
		return m, &models.PersistenceError{Op: "create_message", Err: err}
	}
	key := fmt.Sprintf("thread:%s:msg:%s", threadID, pos)
	if err := db.Set([]byte(key), data, pebble.Sync); err != nil {
		logger.Error("create_message_failed", "thread", threadID, "key", key, "error", err)
		return m, &models.PersistenceError{Op: "create_message", Err: err}
	}
	// bump thread activity timestamp; best-effort
	if th, terr := GetThread(threadID); terr == nil {
		th.UpdatedTS = ts
		if nb, merr := json.Marshal(th); merr == nil {
			_ = db.Set([]byte("threadmeta:"+threadID), nb, pebble.Sync)
		}
	}
	logger.Info("message_created", "thread", threadID, "id", m.ID, "pos", pos)
	return m, nil
}

// MarkFannedOut advances a message's delivery state after push. Best-effort:
// failures are logged, not surfaced, since the durable record already exists.
func MarkFannedOut(m models.Message) {
	if db == nil || m.Thread == "" || m.Position == "" {
		return
	}
	m.State = models.DeliveryFannedOut
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	key := fmt.Sprintf("thread:%s:msg:%s", m.Thread, m.Position)
	if err := db.Set([]byte(key), data, pebble.NoSync); err != nil {
		logger.Warn("mark_fanned_out_failed", "thread", m.Thread, "id", m.ID, "error", err)
	}
}

// ListMessages returns messages for a thread in persistence order. A positive
// limit keeps only the newest entries.
func ListMessages(threadID string, limit ...int) ([]models.Message, error) {
	if db == nil {
		return nil, notOpen()
	}
	prefix := []byte("thread:" + threadID + ":msg:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, &models.PersistenceError{Op: "list_messages", Err: err}
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("list_messages_bad_row", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, &models.PersistenceError{Op: "list_messages", Err: err}
	}
	if len(limit) > 0 && limit[0] > 0 && limit[0] < len(out) {
		out = out[len(out)-limit[0]:]
	}
	return out, nil
}

// --- Read markers ---

func readMarkerKey(userID, threadID string) []byte {
	return []byte("thread:" + threadID + ":read:" + userID)
}

// markerLocks serializes the read-compare-write of the marker merge per
// (user, thread); without it two devices acknowledging concurrently could
// both read the old marker and let the older position's write land last.
var markerLocks [64]sync.Mutex

func markerLock(userID, threadID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(threadID))
	return &markerLocks[h.Sum32()%uint32(len(markerLocks))]
}

// GetReadMarker returns the stored marker, or a zero marker when the user has
// never read the thread.
func GetReadMarker(userID, threadID string) (models.ReadMarker, error) {
	var rm models.ReadMarker
	if db == nil {
		return rm, notOpen()
	}
	v, closer, err := db.Get(readMarkerKey(userID, threadID))
	if err == pebble.ErrNotFound {
		return models.ReadMarker{UserID: userID, Thread: threadID}, nil
	}
	if err != nil {
		return rm, &models.PersistenceError{Op: "get_read_marker", Err: err}
	}
	if closer != nil {
		defer closer.Close()
	}
	if err := json.Unmarshal(v, &rm); err != nil {
		return rm, &models.PersistenceError{Op: "get_read_marker", Err: err}
	}
	return rm, nil
}

// UpsertReadMarker applies "newer position wins" semantics: a marker strictly
// newer than the stored one replaces it; older or equal is a no-op. Position
// strings sort bytewise in persistence order, so the merge is commutative and
// idempotent regardless of arrival order.
func UpsertReadMarker(userID, threadID, position, messageID string) (models.ReadMarker, error) {
	if db == nil {
		return models.ReadMarker{}, notOpen()
	}
	lk := markerLock(userID, threadID)
	lk.Lock()
	defer lk.Unlock()

	cur, err := GetReadMarker(userID, threadID)
	if err != nil {
		return cur, err
	}
	if position <= cur.Position {
		return cur, nil
	}
	rm := models.ReadMarker{
		UserID:    userID,
		Thread:    threadID,
		Position:  position,
		MessageID: messageID,
		TS:        time.Now().UTC().UnixNano(),
	}
	data, merr := json.Marshal(rm)
	if merr != nil {
		return cur, &models.PersistenceError{Op: "upsert_read_marker", Err: merr}
	}
	if err := db.Set(readMarkerKey(userID, threadID), data, pebble.Sync); err != nil {
		logger.Error("upsert_read_marker_failed", "user", userID, "thread", threadID, "error", err)
		return cur, &models.PersistenceError{Op: "upsert_read_marker", Err: err}
	}
	logger.Debug("read_marker_upserted", "user", userID, "thread", threadID, "pos", position)
	return rm, nil
}

// countUnreadInThread counts messages past the marker, excluding the user's
// own messages (sending never raises the sender's badge).
func countUnreadInThread(userID, threadID string) (int, error) {
	marker, err := GetReadMarker(userID, threadID)
	if err != nil {
		return 0, err
	}
	prefix := []byte("thread:" + threadID + ":msg:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, &models.PersistenceError{Op: "count_unread", Err: err}
	}
	defer iter.Close()
	start := prefix
	if marker.Position != "" {
		// seek just past the acknowledged position
		start = append(append([]byte(nil), prefix...), []byte(marker.Position+"\x00")...)
	}
	n := 0
	for iter.SeekGE(start); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if json.Unmarshal(iter.Value(), &m) != nil {
			continue
		}
		if m.Sender == userID {
			continue
		}
		n++
	}
	return n, iter.Error()
}

// CountUnread computes the authoritative per-thread unread counts for a user
// across all threads they participate in. This is the reconciliation source
// of truth for the unread engine.
func CountUnread(userID string) (map[string]int, error) {
	if db == nil {
		return nil, notOpen()
	}
	threads, err := ListThreadsFor(userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(threads))
	for _, th := range threads {
		n, err := countUnreadInThread(userID, th.ID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out[th.ID] = n
		}
	}
	return out, nil
}

// MarkAllRead upserts read markers for every thread with outstanding unread
// messages as of the call instant. Messages persisted after a thread's latest
// position was observed stay unread; the snapshot does not chase a moving
// target. Returns the thread ids that were marked.
func MarkAllRead(userID string) ([]string, error) {
	if db == nil {
		return nil, notOpen()
	}
	threads, err := ListThreadsFor(userID)
	if err != nil {
		return nil, err
	}
	var marked []string
	for _, th := range threads {
		msgs, err := ListMessages(th.ID)
		if err != nil {
			return marked, err
		}
		if len(msgs) == 0 {
			continue
		}
		last := msgs[len(msgs)-1]
		cur, err := GetReadMarker(userID, th.ID)
		if err != nil {
			return marked, err
		}
		if last.Position <= cur.Position {
			continue
		}
		if _, err := UpsertReadMarker(userID, th.ID, last.Position, last.ID); err != nil {
			return marked, err
		}
		marked = append(marked, th.ID)
	}
	logger.Info("mark_all_read", "user", userID, "threads", len(marked))
	return marked, nil
}

// --- Notifications ---

// CreateNotification persists a routed notification row for a single owner.
func CreateNotification(ownerID, typeTag, title, body string) (models.Notification, error) {
	var n models.Notification
	if db == nil {
		return n, notOpen()
	}
	ts, pos := NextPosition()
	n = models.Notification{
		ID:      utils.GenNotificationID(),
		OwnerID: ownerID,
		TypeTag: typeTag,
		Title:   title,
		Body:    body,
		TS:      ts,
	}
	data, err := json.Marshal(n)
	if err != nil {
		return n, &models.PersistenceError{Op: "create_notification", Err: err}
	}
	rowKey := "notif:" + ownerID + ":" + pos
	if err := db.Set([]byte(rowKey), data, pebble.Sync); err != nil {
		logger.Error("create_notification_failed", "owner", ownerID, "error", err)
		return n, &models.PersistenceError{Op: "create_notification", Err: err}
	}
	if err := db.Set([]byte("notifidx:"+n.ID), []byte(rowKey), pebble.Sync); err != nil {
		logger.Error("create_notification_index_failed", "id", n.ID, "error", err)
		return n, &models.PersistenceError{Op: "create_notification", Err: err}
	}
	logger.Info("notification_created", "owner", ownerID, "id", n.ID, "type", typeTag)
	return n, nil
}

// ListNotifications returns the owner's notifications, newest first. A
// positive limit truncates the result.
func ListNotifications(ownerID string, limit ...int) ([]models.Notification, error) {
	if db == nil {
		return nil, notOpen()
	}
	prefix := []byte("notif:" + ownerID + ":")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, &models.PersistenceError{Op: "list_notifications", Err: err}
	}
	defer iter.Close()
	var out []models.Notification
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var n models.Notification
		if json.Unmarshal(iter.Value(), &n) != nil {
			continue
		}
		out = append(out, n)
	}
	if err := iter.Error(); err != nil {
		return nil, &models.PersistenceError{Op: "list_notifications", Err: err}
	}
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(limit) > 0 && limit[0] > 0 && limit[0] < len(out) {
		out = out[:limit[0]]
	}
	return out, nil
}

// MarkNotificationRead flips the read flag of one of the owner's
// notifications. A foreign owner gets not-found, never a hint that the id
// exists. Idempotent: marking an already-read notification is a no-op.
func MarkNotificationRead(ownerID, id string) error {
	if db == nil {
		return notOpen()
	}
	v, closer, err := db.Get([]byte("notifidx:" + id))
	if err != nil {
		return &models.PersistenceError{Op: "mark_notification_read", Err: err}
	}
	rowKey := append([]byte(nil), v...)
	if closer != nil {
		closer.Close()
	}
	rv, rcloser, err := db.Get(rowKey)
	if err != nil {
		return &models.PersistenceError{Op: "mark_notification_read", Err: err}
	}
	var n models.Notification
	uerr := json.Unmarshal(rv, &n)
	if rcloser != nil {
		rcloser.Close()
	}
	if uerr != nil {
		return &models.PersistenceError{Op: "mark_notification_read", Err: uerr}
	}
	if n.OwnerID != ownerID {
		logger.Warn("notification_owner_mismatch", "id", id, "caller", ownerID)
		return &models.PersistenceError{Op: "mark_notification_read", Err: pebble.ErrNotFound}
	}
	if n.Read {
		return nil
	}
	n.Read = true
	data, merr := json.Marshal(n)
	if merr != nil {
		return &models.PersistenceError{Op: "mark_notification_read", Err: merr}
	}
	if err := db.Set(rowKey, data, pebble.Sync); err != nil {
		return &models.PersistenceError{Op: "mark_notification_read", Err: err}
	}
	return nil
}

// MarkAllNotificationsRead flips every unread notification for the owner and
// returns how many rows changed.
func MarkAllNotificationsRead(ownerID string) (int, error) {
	if db == nil {
		return 0, notOpen()
	}
	prefix := []byte("notif:" + ownerID + ":")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, &models.PersistenceError{Op: "mark_all_notifications_read", Err: err}
	}
	defer iter.Close()
	changed := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var n models.Notification
		if json.Unmarshal(iter.Value(), &n) != nil || n.Read {
			continue
		}
		n.Read = true
		data, merr := json.Marshal(n)
		if merr != nil {
			continue
		}
		k := append([]byte(nil), iter.Key()...)
		if err := db.Set(k, data, pebble.Sync); err != nil {
			return changed, &models.PersistenceError{Op: "mark_all_notifications_read", Err: err}
		}
		changed++
	}
	if err := iter.Error(); err != nil {
		return changed, &models.PersistenceError{Op: "mark_all_notifications_read", Err: err}
	}
	logger.Info("notifications_marked_read", "owner", ownerID, "count", changed)
	return changed, nil
}

// CountUnreadNotifications returns the owner's unread-notification aggregate.
func CountUnreadNotifications(ownerID string) (int, error) {
	if db == nil {
		return 0, notOpen()
	}
	prefix := []byte("notif:" + ownerID + ":")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, &models.PersistenceError{Op: "count_unread_notifications", Err: err}
	}
	defer iter.Close()
	n := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var ntf models.Notification
		if json.Unmarshal(iter.Value(), &ntf) != nil {
			continue
		}
		if !ntf.Read {
			n++
		}
	}
	return n, iter.Error()
}
