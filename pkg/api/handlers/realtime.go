package handlers

import (
	"net/http"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/session"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// origin policy is enforced by the gateway middleware before upgrade
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterRealtime registers the websocket handshake route.
func RegisterRealtime(r *mux.Router) {
	r.HandleFunc("/realtime", openRealtime).Methods(http.MethodGet)
}

// openRealtime handles GET /realtime?token=<credential>: verifies the signed
// credential before upgrading (a bad credential leaves no partial state),
// binds a Session, registers it for fanout and runs the pumps. The first
// event on a fresh session is an authoritative unread snapshot so the client
// reconciles without an extra pull.
func openRealtime(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	id, err := auth.VerifyCredential(tok)
	if err != nil {
		utils.JSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		logger.Warn("realtime_upgrade_failed", "user", id.UserID, "error", err)
		return
	}

	s := session.New(id.UserID, conn, deps.Realtime)
	deps.Registry.Register(s)
	go s.WritePump()

	if snap, rerr := deps.Engine.Reconcile(id.UserID); rerr == nil {
		ts, _ := store.NextPosition()
		s.Send(models.NewEvent(models.EventUnreadSnapshot, ts, snap))
	}

	s.ReadPump()
	deps.Registry.Unregister(s)
}
