package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORSDefaultsAllowAnyOrigin(t *testing.T) {
	handler := CORS(CORSConfig{})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/v1/snapshot", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard origin, got %q", got)
	}
	headers := res.Header().Get("Access-Control-Allow-Headers")
	if strings.Contains(headers, "X-API-Key") {
		t.Fatalf("unexpected api key header in %q", headers)
	}
	if !strings.Contains(headers, "Authorization") {
		t.Fatalf("expected Authorization in %q", headers)
	}
}

func TestCORSRestrictsConfiguredOrigins(t *testing.T) {
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{"https://console.example", "https://ops.example"},
	})(okHandler())

	cases := []struct {
		origin string
		want   string
	}{
		{origin: "https://ops.example", want: "https://ops.example"},
		{origin: "https://console.example", want: "https://console.example"},
		{origin: "https://evil.example", want: ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodOptions, "/v1/accounts/x/claim", nil)
		req.Header.Set("Origin", tc.origin)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusNoContent {
			t.Fatalf("%s: expected preflight 204, got %d", tc.origin, res.Code)
		}
		if got := res.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
			t.Fatalf("%s: expected allow origin %q, got %q", tc.origin, tc.want, got)
		}
		if res.Header().Get("Vary") != "Origin" {
			t.Fatalf("%s: expected Vary: Origin", tc.origin)
		}
	}
}
