package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"chatrelay/pkg/config"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/utils"
)

// CallerRole represents the resolved API caller role for a request. Distinct
// from models.Role, which is the end-user identity role carried inside a
// signed credential.
type CallerRole int

const (
	CallerUnauth CallerRole = iota
	CallerFrontend
	CallerBackend
	CallerAdmin
)

// SecConfig mirrors the security-related configuration used to drive
// authentication, CORS and rate limiting behavior. Put here so limiter.go
// and gateway.go can reference the shared type.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	IPWhitelist    []string
	BackendKeys    map[string]struct{}
	FrontendKeys   map[string]struct{}
	AdminKeys      map[string]struct{}
}

// Identity is a verified end-user identity: opaque user id plus role tag.
type Identity struct {
	UserID string
	Role   models.Role
}

type ctxIdentityKey struct{}

// MintCredential produces the bearer credential a client presents at the
// realtime handshake: "userID:ROLE:hexsig" signed with one of the configured
// signing keys.
func MintCredential(userID string, role models.Role, signingKey string) string {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(userID + ":" + string(role)))
	return userID + ":" + string(role) + ":" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyCredential validates a bearer credential against the configured
// signing keys. A bad or expired credential is fatal to the connection
// attempt: ErrUnauthenticated, no partial state.
func VerifyCredential(token string) (Identity, error) {
	parts := strings.Split(strings.TrimSpace(token), ":")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return Identity{}, models.ErrUnauthenticated
	}
	userID, roleTag, sig := parts[0], parts[1], parts[2]
	switch models.Role(roleTag) {
	case models.RoleAdmin, models.RoleStaff, models.RoleClient:
	default:
		return Identity{}, models.ErrUnauthenticated
	}

	keys := config.GetSigningKeys()
	if len(keys) == 0 {
		logger.Error("no_signing_keys_configured")
		return Identity{}, models.ErrUnauthenticated
	}
	for k := range keys {
		mac := hmac.New(sha256.New, []byte(k))
		mac.Write([]byte(userID + ":" + roleTag))
		expected := hex.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return Identity{UserID: userID, Role: models.Role(roleTag)}, nil
		}
	}
	logger.Warn("invalid_credential_signature", "user", userID)
	return Identity{}, models.ErrUnauthenticated
}

// RequireSignedUser verifies the signed identity headers and injects the
// verified identity into the request context. Backend/admin callers may
// instead supply the identity directly via headers, unsigned.
func RequireSignedUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get("X-Role-Name")
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		roleTag := strings.TrimSpace(r.Header.Get("X-User-Role"))
		sig := strings.TrimSpace(r.Header.Get("X-User-Signature"))

		if caller == "backend" || caller == "admin" {
			if sig == "" {
				// trusted caller, identity taken from headers as-is
				if userID != "" {
					ctx := context.WithValue(r.Context(), ctxIdentityKey{}, Identity{UserID: userID, Role: models.Role(roleTag)})
					r = r.WithContext(ctx)
				}
				next.ServeHTTP(w, r)
				return
			}
			// signature present -> fall through to verification
		}

		if sig == "" || userID == "" {
			logger.Warn("missing_signature_headers", "path", r.URL.Path, "remote", r.RemoteAddr)
			utils.JSONError(w, http.StatusUnauthorized, "missing signature headers")
			return
		}

		id, err := VerifyCredential(userID + ":" + roleTag + ":" + sig)
		if err != nil {
			utils.JSONError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		ctx := context.WithValue(r.Context(), ctxIdentityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFromContext returns the verified identity or the zero Identity.
func IdentityFromContext(ctx context.Context) Identity {
	if v := ctx.Value(ctxIdentityKey{}); v != nil {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Identity{}
}
