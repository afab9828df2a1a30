package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterThreads registers thread and thread-scoped message routes.
func RegisterThreads(r *mux.Router) {
	r.HandleFunc("/threads", createThread).Methods(http.MethodPost)
	r.HandleFunc("/threads", listThreads).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", getThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/participants", updateParticipants).Methods(http.MethodPut)
	r.HandleFunc("/threads/{id}/messages", createThreadMessage).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/messages", listThreadMessages).Methods(http.MethodGet)
}

// createThread handles POST /threads. The creator becomes a participant
// automatically; a STAFF thread refuses CLIENT participants.
func createThread(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var t models.Thread
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if t.ID == "" {
		t.ID = utils.GenThreadID()
	}
	if t.Kind == "" {
		t.Kind = models.ThreadMain
	}
	if !t.HasParticipant(id.UserID) {
		t.Participants = append(t.Participants, models.Participant{UserID: id.UserID, Role: id.Role})
	}
	if t.CreatedTS == 0 {
		t.CreatedTS = time.Now().UTC().UnixNano()
	}
	if t.UpdatedTS == 0 {
		t.UpdatedTS = t.CreatedTS
	}
	if err := store.SaveThread(t); err != nil {
		if errors.Is(err, models.ErrClientInStaffThread) {
			utils.JSONError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, t)
}

// listThreads handles GET /threads: the caller's threads only.
func listThreads(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	out, err := store.ListThreadsFor(id.UserID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Threads []models.Thread `json:"threads"`
	}{Threads: out})
}

// getThread handles GET /threads/{id}; participants only.
func getThread(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	th, err := store.GetThread(mux.Vars(r)["id"])
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
	_ = utils.JSONWrite(w, http.StatusOK, th)
}

// updateParticipants handles PUT /threads/{id}/participants: admin join/leave
// as a participant-set mutation fanned out to the before/after audience.
func updateParticipants(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if id.Role != models.RoleAdmin && r.Header.Get("X-Role-Name") != "backend" {
		utils.JSONError(w, http.StatusForbidden, "admin role required")
		return
	}
	var body struct {
		Joined []models.Participant `json:"joined"`
		Left   []string             `json:"left"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	th, err := deps.Fanout.UpdateParticipants(r.Context(), mux.Vars(r)["id"], id.UserID, body.Joined, body.Left)
	if err != nil {
		switch {
		case store.IsNotFound(err):
			utils.JSONError(w, http.StatusNotFound, "thread not found")
		case errors.Is(err, models.ErrClientInStaffThread):
			utils.JSONError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, th)
}

// createThreadMessage handles POST /threads/{id}/messages: the send-message
// protocol. The persisted message is returned to the sender synchronously;
// delivery to other participants is push, fire-and-forget.
func createThreadMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var body struct {
		Body       string             `json:"body"`
		Attachment *models.Attachment `json:"attachment,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Body == "" && body.Attachment == nil {
		utils.JSONError(w, http.StatusBadRequest, "empty message")
		return
	}
	m, err := deps.Fanout.SendMessage(r.Context(), mux.Vars(r)["id"], id.UserID, body.Body, body.Attachment)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotAParticipant):
			utils.JSONError(w, http.StatusForbidden, "not a participant")
		case store.IsNotFound(err):
			utils.JSONError(w, http.StatusNotFound, "thread not found")
		default:
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, m)
}

// listThreadMessages handles GET /threads/{id}/messages?limit=N.
func listThreadMessages(w http.ResponseWriter, r *http.Request) {
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
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := store.ListMessages(threadID, limit)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Thread   string           `json:"thread"`
		Messages []models.Message `json:"messages"`
	}{Thread: threadID, Messages: msgs})
}
