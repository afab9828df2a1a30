// Package api exposes the REST surface: thread/message operations, the
// read-state and notification endpoints that double as the polling fallback
// for clients without a live session, and the realtime handshake.
package api

import (
	"net/http"

	"chatrelay/pkg/api/handlers"
	"chatrelay/pkg/auth"

	"github.com/gorilla/mux"
)

// Handler builds the full /v1 router. The gateway middleware (API keys,
// CORS, rate limiting) is applied by the caller around the returned handler;
// signed end-user identity is enforced here on the user-facing routes.
func Handler(deps handlers.Deps) http.Handler {
	handlers.Init(deps)

	r := mux.NewRouter()

	// the websocket handshake authenticates via its ?token= credential inside
	// the handler; browser WebSocket clients cannot attach identity headers,
	// so it must not sit behind the header-based middleware
	rt := r.PathPrefix("/v1").Subrouter()
	handlers.RegisterRealtime(rt)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(auth.RequireSignedUser)

	handlers.RegisterThreads(v1)
	handlers.RegisterReadState(v1)
	handlers.RegisterNotifications(v1)
	return r
}
