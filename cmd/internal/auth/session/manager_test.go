package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"arclink/cmd/internal/auth/tokenstore"
	"arclink/cmd/internal/events"
)

// fakeAPI is a minimal backend: /auth/refresh rotates tokens, /auth/logout
// records revocations, /auth/me returns an identity, /resource answers with
// the status scripted for the bearer token it receives.
type fakeAPI struct {
	t *testing.T

	refreshCalls  atomic.Int32
	logoutCalls   atomic.Int32
	meCalls       atomic.Int32
	resourceCalls atomic.Int32

	mu            sync.Mutex
	refreshStatus int
	omitRefresh   bool
	rejected      map[string]bool
	alwaysReject  bool
	issued        int
	lastBearer    string
	requestIDs    []string
	bodies        []string
	refreshGate   chan struct{}
	refreshSeen   chan struct{}
	meStatus      int
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{t: t, refreshStatus: http.StatusOK, rejected: map[string]bool{}, meStatus: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *fakeAPI) nextPair() (string, string) {
	a.mu.Lock()
	a.issued++
	n := a.issued
	a.mu.Unlock()
	access := tokenExpiringAt(a.t, testNow.Add(15*time.Minute), "jti", "access-"+strconv.Itoa(n))
	return access, "refresh-" + strconv.Itoa(n)
}

func (a *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	switch r.URL.Path {
	case "/auth/refresh":
		a.refreshCalls.Add(1)
		a.mu.Lock()
		gate, seen, status, omit := a.refreshGate, a.refreshSeen, a.refreshStatus, a.omitRefresh
		a.mu.Unlock()
		if seen != nil {
			seen <- struct{}{}
		}
		if gate != nil {
			<-gate
		}

		var in refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.RefreshToken == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		access, refresh := a.nextPair()
		if omit {
			refresh = ""
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(refreshResponse{AccessToken: access, RefreshToken: refresh, TokenType: "bearer", ExpiresIn: 900})

	case "/auth/logout":
		a.logoutCalls.Add(1)
		a.mu.Lock()
		a.lastBearer = bearer
		a.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	case "/auth/me":
		a.meCalls.Add(1)
		a.mu.Lock()
		status := a.meStatus
		a.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"user-1","name":"Ada"}`)

	case "/resource":
		a.resourceCalls.Add(1)
		body, _ := io.ReadAll(r.Body)
		a.mu.Lock()
		a.requestIDs = append(a.requestIDs, r.Header.Get(headerRequestID))
		a.bodies = append(a.bodies, string(body))
		reject := a.alwaysReject || a.rejected[bearer]
		a.mu.Unlock()
		if reject {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("status") == "500" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, "ok")

	default:
		http.NotFound(w, r)
	}
}

type eventLog struct {
	mu    sync.Mutex
	kinds []events.Kind
}

func (l *eventLog) record(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds = append(l.kinds, e.Kind)
}

func (l *eventLog) count(k events.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, got := range l.kinds {
		if got == k {
			n++
		}
	}
	return n
}

type harness struct {
	api    *fakeAPI
	store  *tokenstore.MemoryStore
	mgr    *Manager
	events *eventLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	api, srv := newFakeAPI(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(log)
	el := &eventLog{}
	bus.Subscribe(el.record)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RefreshTimeout = 5 * time.Second

	store := tokenstore.NewMemoryStore()
	mgr, err := NewManager(cfg, store,
		WithHTTPClient(srv.Client()),
		WithEventBus(bus),
		WithLogger(log),
		WithClock(func() time.Time { return testNow }),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &harness{api: api, store: store, mgr: mgr, events: el}
}

func (h *harness) seed(t *testing.T, access, refresh string) {
	t.Helper()
	if err := h.store.Save(context.Background(), tokenstore.Pair{AccessToken: access, RefreshToken: refresh}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (h *harness) get(t *testing.T, resource string) (*http.Response, error) {
	t.Helper()
	req, err := h.mgr.NewRequest(context.Background(), http.MethodGet, resource, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return h.mgr.Do(req)
}

func TestNewManager_Validates(t *testing.T) {
	t.Parallel()

	if _, err := NewManager(DefaultConfig(), nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("nil store err=%v want=%v", err, ErrConfig)
	}
	cfg := DefaultConfig()
	cfg.BaseURL = "not a url"
	if _, err := NewManager(cfg, tokenstore.NewMemoryStore()); !errors.Is(err, ErrConfig) {
		t.Fatalf("bad url err=%v want=%v", err, ErrConfig)
	}
}

func TestIsAuthenticatedAndState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		access    string
		wantAuth  bool
		wantState State
	}{
		{"no token", "", false, StateUnauthenticated},
		{"future expiry", tokenExpiringAt(t, testNow.Add(time.Minute)), true, StateAuthenticated},
		{"expired ten seconds ago", tokenExpiringAt(t, testNow.Add(-10*time.Second)), false, StateExpired},
		{"malformed", "garbage", false, StateExpired},
		{"two segments", "a.b", false, StateExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			if tt.access != "" {
				h.seed(t, tt.access, "r0")
			}
			ctx := context.Background()
			if got := h.mgr.IsAuthenticated(ctx); got != tt.wantAuth {
				t.Fatalf("IsAuthenticated=%v want=%v", got, tt.wantAuth)
			}
			if got := h.mgr.State(ctx); got != tt.wantState {
				t.Fatalf("State=%v want=%v", got, tt.wantState)
			}
		})
	}
}

func TestRefresh_PersistsPairAndPublishes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, tokenExpiringAt(t, testNow.Add(-time.Minute)), "r0")
	ctx := context.Background()

	if err := h.mgr.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	p, _ := h.store.Load(ctx)
	if p.RefreshToken != "refresh-1" {
		t.Fatalf("refresh token=%q want=%q", p.RefreshToken, "refresh-1")
	}
	if !h.mgr.IsAuthenticated(ctx) {
		t.Fatalf("expected authenticated after refresh")
	}
	if n := h.events.count(events.KindRefreshed); n != 1 {
		t.Fatalf("refreshed events=%d want=1", n)
	}
	if n := h.events.count(events.KindLogout); n != 0 {
		t.Fatalf("logout events=%d want=0", n)
	}
}

func TestRefresh_KeepsRefreshTokenWhenServerOmitsIt(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.api.omitRefresh = true
	h.seed(t, tokenExpiringAt(t, testNow.Add(-time.Minute)), "stable-refresh")

	if err := h.mgr.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got, _ := h.mgr.RefreshToken(context.Background()); got != "stable-refresh" {
		t.Fatalf("refresh token=%q want=%q", got, "stable-refresh")
	}
}

func TestRefresh_FailureTearsDown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.api.refreshStatus = http.StatusUnauthorized
	h.seed(t, tokenExpiringAt(t, testNow.Add(-time.Minute)), "revoked")

	err := h.mgr.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err=%v want=%v", err, ErrRefreshFailed)
	}
	var rerr *RefreshError
	if !errors.As(err, &rerr) || rerr.Status != http.StatusUnauthorized {
		t.Fatalf("err=%#v want status 401", err)
	}

	if _, ok := h.mgr.AccessToken(context.Background()); ok {
		t.Fatalf("expected access token cleared")
	}
	if _, ok := h.mgr.RefreshToken(context.Background()); ok {
		t.Fatalf("expected refresh token cleared")
	}
	if n := h.events.count(events.KindLogout); n != 1 {
		t.Fatalf("logout events=%d want=1", n)
	}
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	err := h.mgr.Refresh(context.Background())
	if !errors.Is(err, ErrNoRefreshToken) || !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err=%v want ErrNoRefreshToken and ErrRefreshFailed", err)
	}
	if n := h.api.refreshCalls.Load(); n != 0 {
		t.Fatalf("refresh calls=%d want=0", n)
	}
	if n := h.events.count(events.KindLogout); n != 1 {
		t.Fatalf("logout events=%d want=1", n)
	}
}

func TestDo_ConcurrentExpiredRequestsShareOneRefresh(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, tokenExpiringAt(t, testNow.Add(-time.Minute)), "r0")

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := h.mgr.NewRequest(context.Background(), http.MethodGet, "/resource", nil)
			if err != nil {
				errs <- err
				return
			}
			resp, err := h.mgr.Do(req)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- errors.New(resp.Status)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("request failed: %v", err)
	}
	if got := h.api.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls=%d want=1", got)
	}
	if got := h.api.resourceCalls.Load(); got != n {
		t.Fatalf("resource calls=%d want=%d", got, n)
	}
}

func TestDo_PreflightRefreshFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.api.refreshStatus = http.StatusUnauthorized
	h.seed(t, tokenExpiringAt(t, testNow.Add(-time.Minute)), "revoked")

	resp, err := h.get(t, "/resource")
	if resp != nil {
		t.Fatalf("expected no response")
	}
	var aerr *AuthExpiredError
	if !errors.As(err, &aerr) || aerr.Stage != StagePreflight {
		t.Fatalf("err=%v want preflight AuthExpiredError", err)
	}
	if !errors.Is(err, ErrAuthExpired) || !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err=%v should match ErrAuthExpired and ErrRefreshFailed", err)
	}
	if got := h.api.resourceCalls.Load(); got != 0 {
		t.Fatalf("resource calls=%d want=0", got)
	}
	if n := h.events.count(events.KindLogout); n != 1 {
		t.Fatalf("logout events=%d want=1", n)
	}
}

func TestDo_UnauthorizedRefreshesAndRetriesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	stale := tokenExpiringAt(t, testNow.Add(time.Hour), "jti", "server-revoked")
	h.api.rejected[stale] = true
	h.seed(t, stale, "r0")

	req, err := h.mgr.NewRequest(context.Background(), http.MethodPost, "resource", strings.NewReader(`{"n":1}`))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.GetBody = nil
	resp, err := h.mgr.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=200", resp.StatusCode)
	}
	if got := h.api.resourceCalls.Load(); got != 2 {
		t.Fatalf("resource calls=%d want=2", got)
	}
	if got := h.api.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls=%d want=1", got)
	}

	h.api.mu.Lock()
	defer h.api.mu.Unlock()
	if h.api.bodies[0] != `{"n":1}` || h.api.bodies[1] != `{"n":1}` {
		t.Fatalf("bodies=%q want body replayed", h.api.bodies)
	}
	if h.api.requestIDs[0] == "" || h.api.requestIDs[0] != h.api.requestIDs[1] {
		t.Fatalf("request ids=%q want one id reused", h.api.requestIDs)
	}
}

func TestDo_SecondUnauthorizedIsReturned(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.api.alwaysReject = true
	h.seed(t, tokenExpiringAt(t, testNow.Add(time.Hour)), "r0")

	resp, err := h.get(t, "/resource")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d want=401", resp.StatusCode)
	}
	if got := h.api.resourceCalls.Load(); got != 2 {
		t.Fatalf("resource calls=%d want=2", got)
	}
	if got := h.api.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls=%d want=1", got)
	}
	if !h.mgr.IsAuthenticated(context.Background()) {
		t.Fatalf("a rejected retry must not tear down the session")
	}
}

func TestDo_UnauthorizedThenRefreshFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.api.alwaysReject = true
	h.api.refreshStatus = http.StatusForbidden
	h.seed(t, tokenExpiringAt(t, testNow.Add(time.Hour)), "r0")

	_, err := h.get(t, "/resource")
	var aerr *AuthExpiredError
	if !errors.As(err, &aerr) || aerr.Stage != StageRetry {
		t.Fatalf("err=%v want retry-stage AuthExpiredError", err)
	}
	if got := h.api.resourceCalls.Load(); got != 1 {
		t.Fatalf("resource calls=%d want=1", got)
	}
	if h.mgr.State(context.Background()) != StateUnauthenticated {
		t.Fatalf("expected session cleared")
	}
	if n := h.events.count(events.KindLogout); n != 1 {
		t.Fatalf("logout events=%d want=1", n)
	}
}

func TestDo_OtherStatusesPassThrough(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, tokenExpiringAt(t, testNow.Add(time.Hour)), "r0")

	resp, err := h.get(t, "/resource?status=500")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d want=500", resp.StatusCode)
	}
	if got := h.api.resourceCalls.Load(); got != 1 {
		t.Fatalf("resource calls=%d want=1", got)
	}
	if got := h.api.refreshCalls.Load(); got != 0 {
		t.Fatalf("refresh calls=%d want=0", got)
	}
}

func TestUser_CachesUntilSessionChanges(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, tokenExpiringAt(t, testNow.Add(time.Hour)), "r0")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, ok := h.mgr.User(ctx)
		if !ok {
			t.Fatalf("User #%d: absent", i)
		}
		var doc struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(id, &doc); err != nil || doc.ID != "user-1" {
			t.Fatalf("identity=%s err=%v", id, err)
		}
	}
	if got := h.api.meCalls.Load(); got != 1 {
		t.Fatalf("identity calls=%d want=1", got)
	}

	if err := h.mgr.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, ok := h.mgr.User(ctx); !ok {
		t.Fatalf("User after refresh: absent")
	}
	if got := h.api.meCalls.Load(); got != 2 {
		t.Fatalf("identity calls=%d want=2", got)
	}
}

func TestUser_CachesAfterPreflightRefresh(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, tokenExpiringAt(t, testNow.Add(-time.Minute)), "r0")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, ok := h.mgr.User(ctx); !ok {
			t.Fatalf("User #%d: absent", i)
		}
	}
	if got := h.api.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls=%d want=1", got)
	}
	if got := h.api.meCalls.Load(); got != 1 {
		t.Fatalf("identity calls=%d want=1", got)
	}
}

func TestUser_FailureIsAbsent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.api.meStatus = http.StatusInternalServerError
	h.seed(t, tokenExpiringAt(t, testNow.Add(time.Hour)), "r0")

	if id, ok := h.mgr.User(context.Background()); ok || id != nil {
		t.Fatalf("identity=%s ok=%v want absent", id, ok)
	}

	h.api.mu.Lock()
	h.api.meStatus = http.StatusOK
	h.api.mu.Unlock()
	if _, ok := h.mgr.User(context.Background()); !ok {
		t.Fatalf("failures must not be cached")
	}
}

func TestLogout_RevokesAndClears(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	access := tokenExpiringAt(t, testNow.Add(time.Hour))
	h.seed(t, access, "r0")
	ctx := context.Background()

	if _, ok := h.mgr.User(ctx); !ok {
		t.Fatalf("User: absent")
	}

	h.mgr.Logout(ctx)

	if got := h.api.logoutCalls.Load(); got != 1 {
		t.Fatalf("logout calls=%d want=1", got)
	}
	h.api.mu.Lock()
	bearer := h.api.lastBearer
	h.api.mu.Unlock()
	if bearer != access {
		t.Fatalf("revoked bearer mismatch")
	}
	if h.mgr.State(ctx) != StateUnauthenticated {
		t.Fatalf("expected cleared session")
	}
	if _, ok := h.mgr.cachedIdentity(); ok {
		t.Fatalf("expected identity cache cleared")
	}

	h.mgr.Logout(ctx)
	if got := h.api.logoutCalls.Load(); got != 1 {
		t.Fatalf("second logout must not call the backend, calls=%d", got)
	}
	if n := h.events.count(events.KindLogout); n != 2 {
		t.Fatalf("logout events=%d want=2", n)
	}
}

func TestLogout_BackendUnreachable(t *testing.T) {
	t.Parallel()

	store := tokenstore.NewMemoryStore()
	_ = store.Save(context.Background(), tokenstore.Pair{AccessToken: tokenExpiringAt(t, testNow.Add(time.Hour)), RefreshToken: "r0"})

	cfg := DefaultConfig()
	cfg.BaseURL = "http://127.0.0.1:1"
	cfg.HTTPTimeout = time.Second
	mgr, err := NewManager(cfg, store, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	mgr.Logout(context.Background())

	if p, _ := store.Load(context.Background()); !p.Empty() {
		t.Fatalf("expected store cleared, got %+v", p)
	}
}

func TestLogoutDuringRefreshIsNotUndone(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	gate := make(chan struct{})
	seen := make(chan struct{}, 1)
	h.api.mu.Lock()
	h.api.refreshGate = gate
	h.api.refreshSeen = seen
	h.api.mu.Unlock()
	h.seed(t, tokenExpiringAt(t, testNow.Add(-time.Minute)), "r0")

	done := make(chan error, 1)
	go func() { done <- h.mgr.Refresh(context.Background()) }()

	<-seen
	h.mgr.Logout(context.Background())
	close(gate)

	if err := <-done; !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err=%v want=%v", err, ErrRefreshFailed)
	}
	if h.mgr.State(context.Background()) != StateUnauthenticated {
		t.Fatalf("refresh resurrected a logged-out session")
	}
}

func TestEstablish(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	if err := h.mgr.Establish(ctx, tokenstore.Pair{AccessToken: "a"}); !errors.Is(err, tokenstore.ErrInvalidPair) {
		t.Fatalf("err=%v want=%v", err, tokenstore.ErrInvalidPair)
	}

	access := tokenExpiringAt(t, testNow.Add(time.Hour))
	if err := h.mgr.Establish(ctx, tokenstore.Pair{AccessToken: access, RefreshToken: "r0"}); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if h.mgr.State(ctx) != StateAuthenticated {
		t.Fatalf("state=%v want=%v", h.mgr.State(ctx), StateAuthenticated)
	}
}

func TestEnsureToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, tokenExpiringAt(t, testNow.Add(-time.Minute)), "r0")

	tok, err := h.mgr.EnsureToken(context.Background())
	if err != nil {
		t.Fatalf("EnsureToken: %v", err)
	}
	if !h.mgr.tokenValid(tok) {
		t.Fatalf("expected a fresh token")
	}

	again, err := h.mgr.EnsureToken(context.Background())
	if err != nil || again != tok {
		t.Fatalf("second EnsureToken=%q err=%v want cached token", again, err)
	}
	if got := h.api.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls=%d want=1", got)
	}
}
