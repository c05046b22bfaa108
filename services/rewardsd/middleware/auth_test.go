package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "rewards-test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func serve(t *testing.T, handler http.Handler, token string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res.Code
}

func TestAuthenticatorScopes(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "rewardsctl"}, nil)
	var subject string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	read := auth.Middleware(ScopeRead)(inner)
	admin := auth.Middleware(ScopeAdmin)(inner)
	exp := time.Now().Add(time.Hour).Unix()

	if code := serve(t, read, ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	writer := signToken(t, jwt.MapClaims{"iss": "rewardsctl", "sub": "ops", "exp": exp, "scope": ScopeWrite})
	if code := serve(t, read, writer); code != http.StatusOK {
		t.Fatalf("expected write scope to satisfy read, got %d", code)
	}
	if subject != "ops" {
		t.Fatalf("expected subject in context, got %q", subject)
	}
	if code := serve(t, admin, writer); code != http.StatusForbidden {
		t.Fatalf("expected 403 for admin route, got %d", code)
	}
	root := signToken(t, jwt.MapClaims{"iss": "rewardsctl", "exp": exp, "scope": []interface{}{ScopeAdmin}})
	if code := serve(t, admin, root); code != http.StatusOK {
		t.Fatalf("expected admin token to pass, got %d", code)
	}
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "rewardsctl"}, nil)
	handler := auth.Middleware(ScopeRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	exp := time.Now().Add(time.Hour).Unix()

	wrongIssuer := signToken(t, jwt.MapClaims{"iss": "other", "exp": exp, "scope": ScopeRead})
	if code := serve(t, handler, wrongIssuer); code != http.StatusUnauthorized {
		t.Fatalf("expected issuer mismatch to fail, got %d", code)
	}
	noExpiry := signToken(t, jwt.MapClaims{"iss": "rewardsctl", "scope": ScopeRead})
	if code := serve(t, handler, noExpiry); code != http.StatusUnauthorized {
		t.Fatalf("expected missing expiry to fail, got %d", code)
	}
	expired := signToken(t, jwt.MapClaims{"iss": "rewardsctl", "exp": time.Now().Add(-time.Hour).Unix(), "scope": ScopeRead})
	if code := serve(t, handler, expired); code != http.StatusUnauthorized {
		t.Fatalf("expected expired token to fail, got %d", code)
	}
	if code := serve(t, handler, "not-a-jwt"); code != http.StatusUnauthorized {
		t.Fatalf("expected garbage token to fail, got %d", code)
	}
}

func TestAuthenticatorDisabledPassesThrough(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	handler := auth.Middleware(ScopeAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	if code := serve(t, handler, ""); code != http.StatusOK {
		t.Fatalf("expected disabled auth to pass, got %d", code)
	}
}
