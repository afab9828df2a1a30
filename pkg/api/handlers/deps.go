package handlers

import (
	"net/http"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/fanout"
	"chatrelay/pkg/notify"
	"chatrelay/pkg/presence"
	"chatrelay/pkg/session"
	"chatrelay/pkg/unread"
	"chatrelay/pkg/utils"
)

// Deps carries the wired core components handlers operate on.
type Deps struct {
	Fanout     *fanout.Router
	Engine     *unread.Engine
	Dispatcher *notify.Dispatcher
	Registry   *presence.Registry
	Realtime   session.Options
}

var deps Deps

// Init stores the wired dependencies for all handler functions. Called once
// at router construction.
func Init(d Deps) { deps = d }

// requireIdentity resolves the verified end-user identity or writes a 401.
func requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id := auth.IdentityFromContext(r.Context())
	if id.UserID == "" {
		utils.JSONError(w, http.StatusUnauthorized, "user identity required")
		return id, false
	}
	return id, true
}
