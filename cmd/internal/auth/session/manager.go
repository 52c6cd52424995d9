package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"arclink/cmd/internal/auth/tokenstore"
	"arclink/cmd/internal/events"
	"arclink/cmd/internal/telemetry"
)

const (
	refreshFlightKey  = "refresh"
	identityFlightKey = "identity"

	headerRequestID = "X-Request-ID"

	maxIdentityBytes = 1 << 20
	maxDrainBytes    = 64 << 10
)

var (
	errRejected       = errors.New("rejected by server")
	errSessionChanged = errors.New("session changed during refresh")
)

// State summarizes the locally stored session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	default:
		return "unauthenticated"
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithHTTPClient replaces the default client (which uses Config.HTTPTimeout).
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

// WithEventBus publishes refreshed/logout notifications on b.
func WithEventBus(b *events.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithMetrics records refresh and request outcomes.
func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns the client session. It is safe for concurrent use.
//
// Token pair writes happen only in the shared refresh, Establish and Logout.
type Manager struct {
	cfg     Config
	store   tokenstore.Store
	client  *http.Client
	bus     *events.Bus
	metrics *telemetry.Metrics
	log     *slog.Logger
	now     func() time.Time

	flight singleflight.Group

	// writeMu serializes pair writes. epoch advances on every teardown and
	// Establish; a refresh started under an older epoch must not persist.
	writeMu sync.Mutex
	epoch   uint64

	cacheMu     sync.RWMutex
	identity    json.RawMessage
	identityGen uint64
}

// NewManager constructs a Manager over store.
func NewManager(cfg Config, store tokenstore.Store, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil token store", ErrConfig)
	}

	m := &Manager{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// BaseURL returns the configured API origin without a trailing slash.
func (m *Manager) BaseURL() string {
	return strings.TrimRight(m.cfg.BaseURL, "/")
}

// AccessToken returns the stored access token, if any. Store read errors are
// logged and reported as absent.
func (m *Manager) AccessToken(ctx context.Context) (string, bool) {
	p, ok := m.load(ctx)
	return p.AccessToken, ok && p.AccessToken != ""
}

// RefreshToken returns the stored refresh token, if any.
func (m *Manager) RefreshToken(ctx context.Context) (string, bool) {
	p, ok := m.load(ctx)
	return p.RefreshToken, ok && p.RefreshToken != ""
}

// IsAuthenticated reports whether a structurally valid, unexpired access token is stored.
// The signature is not checked.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	tok, _ := m.AccessToken(ctx)
	return m.tokenValid(tok)
}

// State classifies the stored session.
func (m *Manager) State(ctx context.Context) State {
	tok, ok := m.AccessToken(ctx)
	switch {
	case !ok:
		return StateUnauthenticated
	case m.tokenValid(tok):
		return StateAuthenticated
	default:
		return StateExpired
	}
}

// Establish persists a pair obtained from an external login flow.
func (m *Manager) Establish(ctx context.Context, p tokenstore.Pair) error {
	if p.AccessToken == "" || p.RefreshToken == "" {
		return tokenstore.ErrInvalidPair
	}

	m.writeMu.Lock()
	err := m.store.Save(ctx, p)
	if err == nil {
		m.epoch++
	}
	m.writeMu.Unlock()
	if err != nil {
		return err
	}

	m.invalidateIdentity()
	m.log.Info("session.established")
	return nil
}

// EnsureToken returns a valid access token, refreshing first when needed.
// Streaming transports call it before every open.
func (m *Manager) EnsureToken(ctx context.Context) (string, error) {
	tok, _ := m.AccessToken(ctx)
	if m.tokenValid(tok) {
		return tok, nil
	}
	if err := m.refresh(ctx, tok); err != nil {
		return "", err
	}
	tok, ok := m.AccessToken(ctx)
	if !ok {
		return "", &RefreshError{Cause: errSessionChanged}
	}
	return tok, nil
}

// Refresh exchanges the stored refresh token for a new pair.
//
// Concurrent callers share one network call and observe its outcome. On failure
// the local session is cleared and a logout event is published.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.refresh(ctx, "")
}

// refresh joins or starts the shared refresh. seen is the access token the
// caller found unusable; when the store already holds a different valid token
// the network call is skipped. An empty seen always refreshes.
func (m *Manager) refresh(ctx context.Context, seen string) error {
	ch := m.flight.DoChan(refreshFlightKey, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RefreshTimeout)
		defer cancel()
		return nil, m.doRefresh(rctx, seen)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

func (m *Manager) doRefresh(ctx context.Context, seen string) error {
	m.writeMu.Lock()
	start := m.epoch
	m.writeMu.Unlock()

	cur, err := m.store.Load(ctx)
	if err != nil {
		m.metrics.Refresh("failed")
		m.log.Error("session.refresh.store_load.fail", "err", err)
		return &RefreshError{Cause: err}
	}

	if seen != "" && cur.AccessToken != seen && m.tokenValid(cur.AccessToken) {
		m.log.Debug("session.refresh.skipped")
		return nil
	}

	if cur.RefreshToken == "" {
		return m.failRefresh(ctx, start, &RefreshError{Cause: ErrNoRefreshToken})
	}

	next, status, err := m.exchange(ctx, cur.RefreshToken)
	if err != nil {
		return m.failRefresh(ctx, start, &RefreshError{Status: status, Cause: err})
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}

	m.writeMu.Lock()
	if m.epoch != start {
		m.writeMu.Unlock()
		m.log.Info("session.refresh.discarded")
		return &RefreshError{Cause: errSessionChanged}
	}
	err = m.store.Save(ctx, next)
	m.writeMu.Unlock()
	if err != nil {
		return m.failRefresh(ctx, start, &RefreshError{Cause: err})
	}

	m.invalidateIdentity()
	m.metrics.Refresh("ok")
	m.log.Info("session.refresh.ok", "rotated", next.RefreshToken != cur.RefreshToken)
	m.bus.Publish(events.Event{Kind: events.KindRefreshed})
	return nil
}

func (m *Manager) exchange(ctx context.Context, refreshToken string) (tokenstore.Pair, int, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return tokenstore.Pair{}, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.endpoint(m.cfg.RefreshPath), bytes.NewReader(body))
	if err != nil {
		return tokenstore.Pair{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerRequestID, uuid.NewString())

	resp, err := m.client.Do(req)
	if err != nil {
		return tokenstore.Pair{}, 0, err
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return tokenstore.Pair{}, resp.StatusCode, errRejected
	}

	var out refreshResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIdentityBytes)).Decode(&out); err != nil {
		return tokenstore.Pair{}, resp.StatusCode, fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return tokenstore.Pair{}, resp.StatusCode, errors.New("refresh response missing access_token")
	}

	return tokenstore.Pair{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}, resp.StatusCode, nil
}

// failRefresh tears the session down unless it changed since start.
func (m *Manager) failRefresh(ctx context.Context, start uint64, rerr *RefreshError) error {
	m.metrics.Refresh("failed")

	m.writeMu.Lock()
	torn := m.epoch == start
	if torn {
		if err := m.store.Clear(ctx); err != nil {
			m.log.Error("session.store_clear.fail", "err", err)
		}
		m.epoch++
	}
	m.writeMu.Unlock()

	m.log.Warn("session.refresh.fail", "status", rerr.Status, "err", rerr.Cause)
	if torn {
		m.invalidateIdentity()
		m.bus.Publish(events.Event{Kind: events.KindLogout, Reason: "refresh_failed", Err: rerr})
	}
	return rerr
}

// Logout revokes the session server-side (best effort) and clears it locally.
// It is idempotent and always publishes a logout event.
func (m *Manager) Logout(ctx context.Context) {
	if tok, ok := m.AccessToken(ctx); ok {
		m.revoke(ctx, tok)
	}

	m.writeMu.Lock()
	if err := m.store.Clear(context.WithoutCancel(ctx)); err != nil {
		m.log.Error("session.store_clear.fail", "err", err)
	}
	m.epoch++
	m.writeMu.Unlock()

	m.invalidateIdentity()
	m.log.Info("session.logout")
	m.bus.Publish(events.Event{Kind: events.KindLogout, Reason: "requested"})
}

func (m *Manager) revoke(ctx context.Context, token string) {
	rctx, cancel := context.WithTimeout(ctx, m.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, m.cfg.endpoint(m.cfg.LogoutPath), http.NoBody)
	if err != nil {
		m.log.Warn("session.logout.revoke.fail", "err", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerRequestID, uuid.NewString())

	resp, err := m.client.Do(req)
	if err != nil {
		m.log.Warn("session.logout.revoke.fail", "err", err)
		return
	}
	drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.log.Warn("session.logout.revoke.fail", "status", resp.StatusCode)
	}
}

// NewRequest builds a request for resource, which is either an absolute URL or a
// path resolved against the base URL.
func (m *Manager) NewRequest(ctx context.Context, method, resource string, body io.Reader) (*http.Request, error) {
	target := resource
	if !strings.HasPrefix(resource, "http://") && !strings.HasPrefix(resource, "https://") {
		if !strings.HasPrefix(resource, "/") {
			resource = "/" + resource
		}
		target = m.cfg.endpoint(resource)
	}
	return http.NewRequestWithContext(ctx, method, target, body)
}

// Do sends req with the session's bearer token.
//
// A missing or expired token is refreshed before sending. A 401 triggers one
// refresh and one retry; a second 401 is returned to the caller unchanged.
// Other statuses pass through. When the session cannot be renewed Do returns
// an *AuthExpiredError and the session has already been cleared.
func (m *Manager) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	body, err := replayableBody(req)
	if err != nil {
		return nil, err
	}
	requestID := req.Header.Get(headerRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	tok, _ := m.AccessToken(ctx)
	if !m.tokenValid(tok) {
		if err := m.refresh(ctx, tok); err != nil {
			return nil, m.expired(ctx, StagePreflight, err)
		}
		var ok bool
		if tok, ok = m.AccessToken(ctx); !ok {
			return nil, m.expired(ctx, StagePreflight, errSessionChanged)
		}
	}

	resp, err := m.send(req, body, tok, requestID)
	if err != nil {
		m.metrics.Request("transport_error")
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		m.metrics.Request("ok")
		return resp, nil
	}
	drain(resp)

	m.log.Info("session.request.unauthorized", "request_id", requestID, "method", req.Method, "path", req.URL.Path)

	if err := m.refresh(ctx, tok); err != nil {
		return nil, m.expired(ctx, StageRetry, err)
	}
	retryTok, ok := m.AccessToken(ctx)
	if !ok {
		return nil, m.expired(ctx, StageRetry, errSessionChanged)
	}

	resp, err = m.send(req, body, retryTok, requestID)
	if err != nil {
		m.metrics.Request("transport_error")
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		m.metrics.Request("retry_exhausted")
		m.log.Warn("session.request.retry_exhausted", "request_id", requestID, "method", req.Method, "path", req.URL.Path)
		return resp, nil
	}
	m.metrics.Request("retried")
	return resp, nil
}

func (m *Manager) expired(ctx context.Context, stage Stage, err error) error {
	if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
		m.metrics.Request("canceled")
		return cerr
	}
	m.metrics.Request("auth_expired")
	return &AuthExpiredError{Stage: stage, Cause: err}
}

func (m *Manager) send(req *http.Request, body func() (io.ReadCloser, error), token, requestID string) (*http.Response, error) {
	out := req.Clone(req.Context())
	rc, err := body()
	if err != nil {
		return nil, err
	}
	out.Body = rc
	out.GetBody = body
	out.Header.Set("Authorization", "Bearer "+token)
	out.Header.Set(headerRequestID, requestID)
	return m.client.Do(out)
}

// User returns the identity document from the identity endpoint, cached until
// the session changes. Any failure reports absent.
func (m *Manager) User(ctx context.Context) (json.RawMessage, bool) {
	if id, ok := m.cachedIdentity(); ok {
		return id, true
	}

	ch := m.flight.DoChan(identityFlightKey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.HTTPTimeout)
		defer cancel()

		id, gen, err := m.fetchIdentity(fctx)
		if err != nil {
			return nil, err
		}
		m.storeIdentity(gen, id)
		return id, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			m.log.Debug("session.identity.fail", "err", res.Err)
			return nil, false
		}
		return cloneRaw(res.Val.(json.RawMessage)), true
	case <-ctx.Done():
		return nil, false
	}
}

// InvalidateIdentity drops the cached identity, e.g. after the store was
// changed by another process.
func (m *Manager) InvalidateIdentity() {
	m.invalidateIdentity()
}

// fetchIdentity also returns the cache generation observed once the request
// succeeded, so a refresh performed by Do itself does not void the result.
func (m *Manager) fetchIdentity(ctx context.Context) (json.RawMessage, uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.endpoint(m.cfg.IdentityPath), http.NoBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer drain(resp)
	gen := m.identityGeneration()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, 0, fmt.Errorf("identity: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxIdentityBytes+1))
	if err != nil {
		return nil, 0, err
	}
	if len(raw) > maxIdentityBytes {
		return nil, 0, errors.New("identity: response too large")
	}
	if !json.Valid(raw) {
		return nil, 0, errors.New("identity: response is not JSON")
	}
	return json.RawMessage(raw), gen, nil
}

func (m *Manager) cachedIdentity() (json.RawMessage, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	if m.identity == nil {
		return nil, false
	}
	return cloneRaw(m.identity), true
}

func (m *Manager) identityGeneration() uint64 {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.identityGen
}

func (m *Manager) storeIdentity(gen uint64, id json.RawMessage) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.identityGen == gen {
		m.identity = cloneRaw(id)
	}
}

func (m *Manager) invalidateIdentity() {
	m.cacheMu.Lock()
	m.identity = nil
	m.identityGen++
	m.cacheMu.Unlock()
}

func (m *Manager) load(ctx context.Context) (tokenstore.Pair, bool) {
	p, err := m.store.Load(ctx)
	if err != nil {
		m.log.Warn("session.store_load.fail", "err", err)
		return tokenstore.Pair{}, false
	}
	return p, true
}

func (m *Manager) tokenValid(tok string) bool {
	if tok == "" {
		return false
	}
	c, err := ParseClaims(tok)
	if err != nil {
		return false
	}
	return c.ValidAt(m.now())
}

func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return func() (io.ReadCloser, error) { return http.NoBody, nil }, nil
	}
	if req.GetBody != nil {
		_ = req.Body.Close()
		return req.GetBody, nil
	}

	buf, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}
