package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"rewardpool/crypto"
	"rewardpool/services/rewardsd/middleware"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]string
}

type fakeDaemon struct {
	mu       sync.Mutex
	requests []recorded
	status   int
}

func (f *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	rec := recorded{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Auth: r.Header.Get("Authorization")}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &rec.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	status := f.status
	f.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (f *fakeDaemon) last(t *testing.T) recorded {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func startDaemon(t *testing.T) (*fakeDaemon, string) {
	t.Helper()
	daemon := &fakeDaemon{}
	srv := httptest.NewServer(daemon)
	t.Cleanup(srv.Close)
	return daemon, srv.URL
}

func testAddress(b byte) crypto.Address {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{b}, 20))
}

func TestCommandsHitRoutes(t *testing.T) {
	daemon, url := startDaemon(t)
	addr := testAddress(0x01).String()
	dest := crypto.NewAddress(crypto.ModulePrefix, bytes.Repeat([]byte{0x09}, 20)).String()

	cases := []struct {
		args   []string
		method string
		path   string
		body   map[string]string
	}{
		{[]string{"state"}, http.MethodGet, "/v1/state", nil},
		{[]string{"share", addr}, http.MethodGet, "/v1/accounts/" + addr + "/share", nil},
		{[]string{"earned", addr}, http.MethodGet, "/v1/accounts/" + addr + "/earned", nil},
		{[]string{"checkpoint", addr}, http.MethodPost, "/v1/accounts/" + addr + "/checkpoint", nil},
		{[]string{"claim", addr}, http.MethodPost, "/v1/accounts/" + addr + "/claim", nil},
		{[]string{"deposit", addr, "100"}, http.MethodPost, "/v1/accounts/" + addr + "/deposit", map[string]string{"amount": "100"}},
		{[]string{"withdraw", addr, "40"}, http.MethodPost, "/v1/accounts/" + addr + "/withdraw", map[string]string{"amount": "40"}},
		{[]string{"harvest"}, http.MethodPost, "/v1/harvest", nil},
		{[]string{"fund", "ZNHB", "1000"}, http.MethodPost, "/v1/rewards/fund", map[string]string{"token": "ZNHB", "amount": "1000"}},
		{[]string{"sweep", "znhb", dest}, http.MethodPost, "/v1/reserves/ZNHB/sweep", map[string]string{"destination": dest}},
		{[]string{"journal", "export", "--type", "rewards.paid"}, http.MethodPost, "/v1/journal/export", map[string]string{"type": "rewards.paid"}},
	}
	for _, tc := range cases {
		t.Run(strings.Join(tc.args[:1], " "), func(t *testing.T) {
			out, err := execute(t, append([]string{"--server", url}, tc.args...)...)
			require.NoError(t, err)
			require.Contains(t, out, `"ok": true`)
			got := daemon.last(t)
			require.Equal(t, tc.method, got.Method)
			require.Equal(t, tc.path, got.Path)
			if tc.body != nil {
				require.Equal(t, tc.body, got.Body)
			}
		})
	}
}

func TestJournalListQuery(t *testing.T) {
	daemon, url := startDaemon(t)
	_, err := execute(t, "--server", url, "journal", "list", "--type", "rewards.paid", "--token", "znhb", "--limit", "5")
	require.NoError(t, err)
	got := daemon.last(t)
	require.Equal(t, "/v1/journal", got.Path)
	require.Equal(t, "limit=5&token=znhb&type=rewards.paid", got.Query)
}

func TestRejectsInvalidAddress(t *testing.T) {
	daemon, url := startDaemon(t)
	_, err := execute(t, "--server", url, "claim", "not-an-address")
	require.ErrorIs(t, err, crypto.ErrInvalidAddress)
	require.Empty(t, daemon.requests)
}

func TestServerErrorsAreReported(t *testing.T) {
	daemon, url := startDaemon(t)
	daemon.status = http.StatusBadGateway
	out, err := execute(t, "--server", url, "claim", testAddress(0x02).String())
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
	require.Contains(t, out, `"ok": true`)
}

func TestMintedTokenCarriesCommandScope(t *testing.T) {
	t.Setenv(defaultSecretEnv, "cli-secret")
	daemon, url := startDaemon(t)
	_, err := execute(t, "--server", url, "--mint", "fund", "ZNHB", "5")
	require.NoError(t, err)

	bearer := strings.TrimPrefix(daemon.last(t).Auth, "Bearer ")
	parsed, err := jwt.Parse(bearer, func(*jwt.Token) (any, error) { return []byte("cli-secret"), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	require.Equal(t, middleware.ScopeAdmin, claims["scope"])
	require.Equal(t, "rewardsctl", claims["iss"])
	require.Equal(t, "operator", claims["sub"])
}

func TestExplicitTokenWins(t *testing.T) {
	daemon, url := startDaemon(t)
	_, err := execute(t, "--server", url, "--token", "abc", "state")
	require.NoError(t, err)
	require.Equal(t, "Bearer abc", daemon.last(t).Auth)
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	t.Setenv(defaultSecretEnv, "cli-secret")
	out, err := execute(t, "token", "--scope", middleware.ScopeRead, "--scope", middleware.ScopeWrite)
	require.NoError(t, err)

	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: "cli-secret", Issuer: "rewardsctl"}, nil)
	handler := auth.Middleware(middleware.ScopeWrite)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/harvest", nil)
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(out))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}
