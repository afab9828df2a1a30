package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"chatrelay/pkg/models"
	"chatrelay/pkg/notify"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterNotifications registers the notification routes plus the
// domain-event ingestion endpoint used by backend producers.
func RegisterNotifications(r *mux.Router) {
	r.HandleFunc("/notifications", listNotifications).Methods(http.MethodGet)
	r.HandleFunc("/notifications/read-all", markAllNotificationsRead).Methods(http.MethodPost)
	r.HandleFunc("/notifications/{id}/read", markNotificationRead).Methods(http.MethodPost)
	r.HandleFunc("/events", ingestEvent).Methods(http.MethodPost)
}

// listNotifications handles GET /notifications?limit=N, newest first.
func listNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	out, err := store.ListNotifications(id.UserID, limit)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Notifications []models.Notification `json:"notifications"`
		Unread        int                   `json:"unread"`
	}{Notifications: out, Unread: deps.Dispatcher.Unread(id.UserID)})
}

// markNotificationRead handles POST /notifications/{id}/read. Idempotent.
func markNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	nid := mux.Vars(r)["id"]
	if err := deps.Dispatcher.MarkRead(id.UserID, nid); err != nil {
		if store.IsNotFound(err) {
			utils.JSONError(w, http.StatusNotFound, "notification not found")
			return
		}
		utils.JSONError(w, http.StatusServiceUnavailable, "mark read failed, retry")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"unread": deps.Dispatcher.Unread(id.UserID)})
}

// markAllNotificationsRead handles POST /notifications/read-all.
func markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	n, err := deps.Dispatcher.MarkAllRead(id.UserID)
	if err != nil {
		utils.JSONError(w, http.StatusServiceUnavailable, "mark all read failed, retry")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"marked": n, "unread": deps.Dispatcher.Unread(id.UserID)})
}

// ingestEvent handles POST /events: backend domain-event producers
// (procurement, invoicing, project services) submit typed events here and the
// dispatcher turns them into routed notifications.
func ingestEvent(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Role-Name") != "backend" && r.Header.Get("X-Role-Name") != "admin" {
		utils.JSONError(w, http.StatusForbidden, "backend key required")
		return
	}
	var body struct {
		Owner string      `json:"owner"`
		Role  models.Role `json:"role"`
		Type  string      `json:"type"`
		Title string      `json:"title"`
		Body  string      `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Owner == "" || body.Type == "" {
		utils.JSONError(w, http.StatusBadRequest, "owner and type required")
		return
	}
	n, err := deps.Dispatcher.Dispatch(r.Context(), body.Owner, body.Type, body.Title, body.Body, body.Role)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, struct {
		models.Notification
		Destination notify.Destination `json:"destination"`
	}{n, notify.Route(body.Type, body.Role)})
}
