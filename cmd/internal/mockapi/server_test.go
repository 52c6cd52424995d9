package mockapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"arclink/cmd/internal/mockapi/signer"
)

var testKey = []byte(strings.Repeat("k", signer.MinKeyBytes))

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.OriginPatterns = nil
	if mutate != nil {
		mutate(&cfg)
	}

	sg, err := signer.New(testKey, cfg.Issuer)
	if err != nil {
		t.Fatalf("signer.New: %v", err)
	}
	s, err := New(cfg, sg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return s, hs
}

func postJSON(t *testing.T, url, bearer string, body any) *http.Response {
	t.Helper()

	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func getMe(t *testing.T, base, bearer string) (int, meResponse) {
	t.Helper()

	req, _ := http.NewRequest(http.MethodGet, base+"/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /auth/me: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var me meResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
			t.Fatalf("decode me: %v", err)
		}
	}
	return resp.StatusCode, me
}

func decodePair(t *testing.T, resp *http.Response) TokenPair {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status=%d body=%s", resp.StatusCode, b)
	}
	var p TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode pair: %v", err)
	}
	return p
}

func TestLoginMeRefresh(t *testing.T) {
	t.Parallel()
	s, hs := newTestServer(t, nil)

	p := decodePair(t, postJSON(t, hs.URL+"/auth/login", "", map[string]string{"username": "ada"}))
	if p.AccessToken == "" || p.RefreshToken == "" || p.TokenType != "bearer" {
		t.Fatalf("pair=%+v", p)
	}

	status, me := getMe(t, hs.URL, p.AccessToken)
	if status != http.StatusOK || me.Username != "ada" || me.SessionID == "" {
		t.Fatalf("me status=%d body=%+v", status, me)
	}

	next := decodePair(t, postJSON(t, hs.URL+"/auth/refresh", "", map[string]string{"refresh_token": p.RefreshToken}))
	if next.RefreshToken == p.RefreshToken || next.AccessToken == p.AccessToken {
		t.Fatalf("refresh did not rotate tokens")
	}
	if got := s.RefreshCount(); got != 1 {
		t.Fatalf("refreshes=%d want=1", got)
	}

	if status, _ := getMe(t, hs.URL, next.AccessToken); status != http.StatusOK {
		t.Fatalf("me with rotated token status=%d", status)
	}
}

func TestRefresh_ReuseRevokesSession(t *testing.T) {
	t.Parallel()
	_, hs := newTestServer(t, nil)

	p := decodePair(t, postJSON(t, hs.URL+"/auth/login", "", map[string]string{"username": "ada"}))
	next := decodePair(t, postJSON(t, hs.URL+"/auth/refresh", "", map[string]string{"refresh_token": p.RefreshToken}))

	replay := postJSON(t, hs.URL+"/auth/refresh", "", map[string]string{"refresh_token": p.RefreshToken})
	_ = replay.Body.Close()
	if replay.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed refresh status=%d want=401", replay.StatusCode)
	}

	// The legitimate holder is logged out as well.
	again := postJSON(t, hs.URL+"/auth/refresh", "", map[string]string{"refresh_token": next.RefreshToken})
	_ = again.Body.Close()
	if again.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh after reuse status=%d want=401", again.StatusCode)
	}
	if status, _ := getMe(t, hs.URL, next.AccessToken); status != http.StatusUnauthorized {
		t.Fatalf("me after reuse status=%d want=401", status)
	}
}

func TestRefresh_Rejections(t *testing.T) {
	t.Parallel()
	_, hs := newTestServer(t, nil)

	p := decodePair(t, postJSON(t, hs.URL+"/auth/login", "", map[string]string{"username": "ada"}))

	tests := []struct {
		name string
		body any
		want int
	}{
		{"access token as refresh", map[string]string{"refresh_token": p.AccessToken}, http.StatusUnauthorized},
		{"garbage", map[string]string{"refresh_token": "x.y.z"}, http.StatusUnauthorized},
		{"unknown field", map[string]string{"refresh_token": p.RefreshToken, "extra": "1"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp := postJSON(t, hs.URL+"/auth/refresh", "", tt.body)
		_ = resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Fatalf("%s: status=%d want=%d", tt.name, resp.StatusCode, tt.want)
		}
	}
}

func TestLogout_RevokesSession(t *testing.T) {
	t.Parallel()
	_, hs := newTestServer(t, nil)

	p := decodePair(t, postJSON(t, hs.URL+"/auth/login", "", map[string]string{"username": "ada"}))

	resp := postJSON(t, hs.URL+"/auth/logout", p.AccessToken, nil)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status=%d want=204", resp.StatusCode)
	}

	if status, _ := getMe(t, hs.URL, p.AccessToken); status != http.StatusUnauthorized {
		t.Fatalf("me after logout status=%d want=401", status)
	}
	refresh := postJSON(t, hs.URL+"/auth/refresh", "", map[string]string{"refresh_token": p.RefreshToken})
	_ = refresh.Body.Close()
	if refresh.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh after logout status=%d want=401", refresh.StatusCode)
	}

	anon := postJSON(t, hs.URL+"/auth/logout", "", nil)
	_ = anon.Body.Close()
	if anon.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous logout status=%d want=401", anon.StatusCode)
	}
}

func TestLogout_AcceptsExpiredAccessToken(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	var now atomic.Int64
	now.Store(start.Unix())
	cfg := DefaultConfig()
	sg, _ := signer.New(testKey, cfg.Issuer)
	s, err := New(cfg, sg, WithClock(func() time.Time { return time.Unix(now.Load(), 0) }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)

	p, err := s.IssueSession("ada")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	now.Store(start.Add(cfg.AccessTTL + time.Minute).Unix())

	resp := postJSON(t, hs.URL+"/auth/logout", p.AccessToken, nil)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status=%d want=204", resp.StatusCode)
	}
	if s.Revoke(p.RefreshToken) {
		t.Fatalf("session should already be revoked")
	}
}

func TestLogin_RequiresUsername(t *testing.T) {
	t.Parallel()
	_, hs := newTestServer(t, nil)

	resp := postJSON(t, hs.URL+"/auth/login", "", map[string]string{"username": "  "})
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want=400", resp.StatusCode)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("ARC_MOCK_ACCESS_TTL", "2m")
	t.Setenv("ARC_MOCK_REFRESH_TTL", "1m")
	t.Setenv("ARC_MOCK_ALLOWED_ORIGINS", " example.com , ,*.dev ")
	t.Setenv("ARC_MOCK_HEARTBEAT_INTERVAL", "0")
	t.Setenv("ARC_MOCK_RATE_EVENTS", "nope")

	cfg := LoadConfigFromEnv()
	if cfg.AccessTTL != 2*time.Minute || cfg.RefreshTTL != 2*time.Minute {
		t.Fatalf("ttl access=%v refresh=%v", cfg.AccessTTL, cfg.RefreshTTL)
	}
	if strings.Join(cfg.OriginPatterns, "|") != "example.com|*.dev" {
		t.Fatalf("origins=%v", cfg.OriginPatterns)
	}
	if cfg.HeartbeatInterval != 0 {
		t.Fatalf("heartbeat=%v want=0", cfg.HeartbeatInterval)
	}
	if cfg.RateEvents != DefaultConfig().RateEvents {
		t.Fatalf("rate events=%d want default", cfg.RateEvents)
	}
}
