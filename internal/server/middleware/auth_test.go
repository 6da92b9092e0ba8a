package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/virtpack/virtpack/internal/auth"
	"github.com/virtpack/virtpack/internal/config"
)

func testHandler(t *testing.T) (*Auth, *auth.JWTManager) {
	t.Helper()
	manager := auth.NewJWTManager(config.AuthConfig{
		JWTSecret:     "test-secret-key-at-least-32-bytes-long",
		TokenExpiry:   15 * time.Minute,
		RefreshExpiry: 24 * time.Hour,
	})
	return NewAuth(manager, zap.NewNop()), manager
}

func TestAuth_RejectsMissingToken(t *testing.T) {
	mw, _ := testHandler(t)
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler reached without a token")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/plans", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAuth_RejectsMalformedHeader(t *testing.T) {
	mw, manager := testHandler(t)
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler reached")
	}))

	tokens, err := manager.Generate("user-1", "operator")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/plans", nil)
	req.Header.Set("Authorization", tokens.AccessToken) // missing "Bearer "
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAuth_AcceptsValidToken(t *testing.T) {
	mw, manager := testHandler(t)

	var gotUser, gotRole string
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = GetUserID(r.Context())
		gotRole, _ = GetRole(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tokens, err := manager.Generate("user-1", "operator")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/plans", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotUser != "user-1" || gotRole != "operator" {
		t.Errorf("context carried user=%q role=%q", gotUser, gotRole)
	}
}

func TestAuth_PublicEndpointsSkipAuth(t *testing.T) {
	mw, _ := testHandler(t)
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/healthz", "/ready", "/live", "/api/v1/info"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("path %s: status = %d, want 200", path, rec.Code)
		}
	}
}
