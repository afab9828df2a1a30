package handlers

import (
	"encoding/json"
	"net/http"

	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterReadState registers the read-marker and unread-count routes. GET
// /unread is the polling fallback for clients without a live session.
func RegisterReadState(r *mux.Router) {
	r.HandleFunc("/threads/{id}/read", markThreadRead).Methods(http.MethodPost)
	r.HandleFunc("/read-all", markAllRead).Methods(http.MethodPost)
	r.HandleFunc("/unread", getUnread).Methods(http.MethodGet)
}

// markThreadRead handles POST /threads/{id}/read. The body may carry an
// explicit position/message id (the message being acknowledged); when absent
// the thread's newest message is used. The marker upsert is monotonic, so a
// stale acknowledgment from a lagging device is a harmless no-op.
func markThreadRead(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	threadID := mux.Vars(r)["id"]
	th, err := store.GetThread(threadID)
	if err != nil {
		if store.IsNotFound(err) {
			utils.JSONError(w, http.StatusNotFound, "thread not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !th.HasParticipant(id.UserID) {
		utils.JSONError(w, http.StatusForbidden, "not a participant")
		return
	}

	var body struct {
		Position  string `json:"position"`
		MessageID string `json:"message_id"`
	}
	// empty body is fine: mark the whole thread read
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Position == "" {
		msgs, err := store.ListMessages(threadID, 1)
		if err != nil {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(msgs) == 0 {
			_ = utils.JSONWrite(w, http.StatusOK, deps.Engine.Snapshot(id.UserID))
			return
		}
		body.Position = msgs[len(msgs)-1].Position
		body.MessageID = msgs[len(msgs)-1].ID
	}

	if err := deps.Engine.MarkThreadRead(id.UserID, threadID, body.Position, body.MessageID); err != nil {
		// transient: the optimistic decrement was rolled back, caller may retry
		utils.JSONError(w, http.StatusServiceUnavailable, "mark read failed, retry")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, deps.Engine.Snapshot(id.UserID))
}

// markAllRead handles POST /read-all: bulk marker upsert with a logical
// snapshot instant. Messages persisted after it stay unread.
func markAllRead(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if err := deps.Engine.MarkAllRead(id.UserID); err != nil {
		utils.JSONError(w, http.StatusServiceUnavailable, "mark all read failed, retry")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, deps.Engine.Snapshot(id.UserID))
}

// getUnread handles GET /unread: the authoritative aggregate, recomputed from
// the store so a reconnecting client replaces its optimistic state with it.
func getUnread(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	snap, err := deps.Engine.Reconcile(id.UserID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	notifUnread, err := deps.Dispatcher.Reconcile(id.UserID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		models.UnreadSnapshot
		Notifications int `json:"notifications"`
	}{snap, notifUnread})
}
