package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatrelay/pkg/config"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
)

func setSigningKeys(t *testing.T, keys ...string) {
	t.Helper()
	logger.InitWithLevel("error")
	m := map[string]struct{}{}
	for _, k := range keys {
		m[k] = struct{}{}
	}
	config.SetRuntime(&config.RuntimeConfig{BackendKeys: m, SigningKeys: m})
	t.Cleanup(func() { config.SetRuntime(nil) })
}

func TestMintAndVerifyCredential(t *testing.T) {
	setSigningKeys(t, "key-a", "key-b")

	tok := MintCredential("u1", models.RoleStaff, "key-b")
	id, err := VerifyCredential(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u1" || id.Role != models.RoleStaff {
		t.Fatalf("identity = %+v", id)
	}
}

func TestVerifyCredentialRejectsBadInput(t *testing.T) {
	setSigningKeys(t, "key-a")

	cases := []string{
		"",
		"u1",
		"u1:staff",
		"u1:staff:",
		":staff:deadbeef",
		"u1:owner:deadbeef",                         // unknown role tag
		"u1:staff:deadbeef",                         // wrong signature
		MintCredential("u1", models.RoleStaff, "other-key"), // unknown key
	}
	for _, tok := range cases {
		if _, err := VerifyCredential(tok); !errors.Is(err, models.ErrUnauthenticated) {
			t.Fatalf("token %q: expected ErrUnauthenticated, got %v", tok, err)
		}
	}
}

func TestVerifyCredentialTamperedUser(t *testing.T) {
	setSigningKeys(t, "key-a")

	tok := MintCredential("u1", models.RoleClient, "key-a")
	forged := strings.Replace(tok, "u1:", "u2:", 1)
	if _, err := VerifyCredential(forged); !errors.Is(err, models.ErrUnauthenticated) {
		t.Fatalf("forged token accepted")
	}
}

func TestVerifyCredentialNoKeysConfigured(t *testing.T) {
	logger.InitWithLevel("error")
	config.SetRuntime(nil)
	if _, err := VerifyCredential("u1:staff:deadbeef"); !errors.Is(err, models.ErrUnauthenticated) {
		t.Fatalf("verification passed with no keys configured")
	}
}

func TestRequireSignedUserInjectsIdentity(t *testing.T) {
	setSigningKeys(t, "key-a")

	var got Identity
	h := RequireSignedUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = IdentityFromContext(r.Context())
	}))

	tok := MintCredential("u7", models.RoleClient, "key-a")
	parts := strings.SplitN(tok, ":", 3)

	req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	req.Header.Set("X-User-ID", parts[0])
	req.Header.Set("X-User-Role", parts[1])
	req.Header.Set("X-User-Signature", parts[2])
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if got.UserID != "u7" || got.Role != models.RoleClient {
		t.Fatalf("context identity = %+v", got)
	}
}

func TestRequireSignedUserRejectsMissingSignature(t *testing.T) {
	setSigningKeys(t, "key-a")

	h := RequireSignedUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler reached without signature")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("X-User-Role", "staff")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "error") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestRequireSignedUserTrustsBackendCaller(t *testing.T) {
	setSigningKeys(t, "key-a")

	var got Identity
	h := RequireSignedUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = IdentityFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/events", nil)
	req.Header.Set("X-Role-Name", "backend")
	req.Header.Set("X-User-ID", "svc-billing")
	req.Header.Set("X-User-Role", "staff")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got.UserID != "svc-billing" {
		t.Fatalf("backend-supplied identity missing: %+v", got)
	}
}
