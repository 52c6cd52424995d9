package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"arclink/cmd/internal/events"
	"arclink/cmd/internal/ids"
	"arclink/cmd/internal/telemetry"
	v1 "arclink/contracts/stream/v1"
)

// Authenticator supplies a valid access token, refreshing it when needed.
type Authenticator interface {
	EnsureToken(ctx context.Context) (string, error)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces the transport selected by Config.Transport.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

// WithClock drives timers and the send limiter from c.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithEventBus publishes channel lifecycle events on b.
func WithEventBus(b *events.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithMetrics records channel activity.
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

// Manager owns a set of named channels. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	baseURL string
	auth    Authenticator
	dialer  Dialer
	clock   Clock
	bus     *events.Bus
	metrics *telemetry.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewManager constructs a Manager that derives stream URLs from baseURL.
func NewManager(cfg Config, baseURL string, auth Authenticator, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if auth == nil {
		return nil, fmt.Errorf("%w: nil authenticator", ErrConfig)
	}
	if _, err := StreamURL(baseURL, "check", ""); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	m := &Manager{
		cfg:      cfg,
		baseURL:  baseURL,
		auth:     auth,
		clock:    systemClock{},
		log:      slog.Default(),
		channels: make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		d, err := NewDialer(cfg)
		if err != nil {
			return nil, err
		}
		m.dialer = d
	}
	return m, nil
}

// Connect opens the named channel. If the name is already tracked and not
// failed, the existing handle is returned unchanged. The open itself is
// asynchronous; progress is reported through h and the event bus.
func (m *Manager) Connect(name string, h Handlers) *Channel {
	m.mu.Lock()
	ch, ok := m.channels[name]
	if ok && ch.state != StateFailed {
		m.mu.Unlock()
		return ch
	}
	if !ok {
		ch = &Channel{
			ID:      ids.MustULID(m.clock.Now()),
			Name:    name,
			m:       m,
			limiter: NewRateLimiter(m.cfg.SendRateEvents, m.cfg.SendRateWindow),
		}
		m.channels[name] = ch
	}
	ch.h = h
	ch.attempt = 0
	ch.state = StateConnecting
	ch.gen++
	gen := ch.gen
	m.mu.Unlock()

	m.log.Info("channel.connect", "channel", name, "channel_id", ch.ID)
	go m.open(ch, gen)
	return ch
}

// Send JSON-encodes msg and writes it to the named channel. It returns false
// when the channel is unknown or not connected, or when encoding, rate
// limiting or the write fails.
func (m *Manager) Send(ctx context.Context, name string, msg any) bool {
	m.mu.Lock()
	ch := m.channels[name]
	m.mu.Unlock()
	if ch == nil {
		return false
	}
	return m.send(ctx, ch, msg)
}

// Close closes the named channel with code 1000, cancels any pending reconnect
// and stops tracking it. Unknown names are ignored.
func (m *Manager) Close(name string) {
	m.mu.Lock()
	ch := m.channels[name]
	m.mu.Unlock()
	if ch != nil {
		m.closeChannel(ch)
	}
}

// CloseAll closes every tracked channel.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		all = append(all, ch)
	}
	m.mu.Unlock()

	for _, ch := range all {
		m.closeChannel(ch)
	}
}

// IsConnected reports whether the named channel is currently connected.
func (m *Manager) IsConnected(name string) bool {
	st, ok := m.State(name)
	return ok && st == StateConnected
}

// State returns the named channel's state, if tracked.
func (m *Manager) State(name string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return StateDisconnected, false
	}
	return ch.state, true
}

// Names returns the tracked channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.channels))
	for name := range m.channels {
		out = append(out, name)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// ---- connection cycle ----

func (m *Manager) open(ch *Channel, gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if ch.gen != gen {
		m.mu.Unlock()
		cancel()
		return
	}
	ch.cancel = cancel
	h := ch.h
	m.mu.Unlock()

	token, err := m.auth.EnsureToken(ctx)
	if err != nil {
		m.authFailed(ch, gen, err)
		return
	}

	target, err := StreamURL(m.baseURL, ch.Name, token)
	if err != nil {
		m.fail(ch, gen, "bad_url", err)
		return
	}

	dctx, dcancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.dialer.Dial(dctx, target)
	dcancel()
	if err != nil {
		m.dropped(ch, gen, nil, v1.CloseAbnormal, "dial failed", err)
		return
	}

	m.mu.Lock()
	if ch.gen != gen {
		m.mu.Unlock()
		_ = conn.Close(v1.CloseNormal, "superseded")
		return
	}
	ch.conn = conn
	ch.state = StateConnected
	ch.attempt = 0
	ch.limiter.Reset()
	m.mu.Unlock()

	m.metrics.ChannelConnected(ch.Name, true)
	m.log.Info("channel.open", "channel", ch.Name, "channel_id", ch.ID)
	m.bus.Publish(events.Event{Kind: events.KindChannelConnected, Channel: ch.Name})
	m.call(ch, "on_open", func() {
		if h.OnOpen != nil {
			h.OnOpen()
		}
	})

	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeat(ctx, ch, gen, conn)
	}
	m.readLoop(ctx, ch, gen, conn, h)
}

func (m *Manager) readLoop(ctx context.Context, ch *Channel, gen uint64, conn Conn, h Handlers) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			code, reason := closeInfo(err)
			m.dropped(ch, gen, conn, code, reason, err)
			return
		}
		if !m.current(ch, gen) {
			return
		}

		m.metrics.ChannelMessage(ch.Name, "in")
		if !json.Valid(data) {
			m.log.Debug("channel.message.bad_json", "channel", ch.Name, "bytes", len(data))
			m.call(ch, "on_error", func() {
				if h.OnError != nil {
					h.OnError(fmt.Errorf("stream: invalid JSON message on %q", ch.Name))
				}
			})
			continue
		}
		msg := json.RawMessage(data)
		m.call(ch, "on_message", func() {
			if h.OnMessage != nil {
				h.OnMessage(msg)
			}
		})
	}
}

func (m *Manager) heartbeat(ctx context.Context, ch *Channel, gen uint64, conn Conn) {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.HeartbeatInterval):
		}

		pctx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
		err := conn.Ping(pctx)
		cancel()

		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		m.log.Info("channel.ping.fail", "channel", ch.Name, "failures", failures, "err", err)
		if failures >= maxPingFailures {
			m.dropped(ch, gen, conn, v1.CloseAbnormal, "heartbeat failed", err)
			return
		}
	}
}

func (m *Manager) current(ch *Channel, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ch.gen == gen
}

// dropped handles the end of connection cycle gen. conn is nil when the dial
// itself failed.
func (m *Manager) dropped(ch *Channel, gen uint64, conn Conn, code int, reason string, cause error) {
	m.mu.Lock()
	if ch.gen != gen {
		m.mu.Unlock()
		return
	}
	ch.gen++
	next := ch.gen
	cancel := ch.cancel
	ch.cancel = nil
	ch.conn = nil
	h := ch.h

	var (
		kind  events.Kind
		delay time.Duration
	)
	switch {
	case terminal(code):
		ch.state = StateDisconnected
		if m.channels[ch.Name] == ch {
			delete(m.channels, ch.Name)
		}
		kind = events.KindChannelDisconnected

	case ch.attempt >= m.cfg.MaxAttempts:
		ch.state = StateFailed
		kind = events.KindChannelMaxRetries

	default:
		ch.attempt++
		ch.state = StateReconnecting
		delay = m.cfg.Backoff(ch.attempt)
		ch.timer = m.clock.AfterFunc(delay, func() { m.reconnect(ch, next) })
		kind = events.KindChannelReconnecting
	}
	attempt := ch.attempt
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		// Release the socket even after a close frame; not every transport
		// does that on its own.
		closeCode := v1.CloseGoingAway
		if terminal(code) {
			closeCode = v1.CloseNormal
		}
		_ = conn.Close(closeCode, reason)
		m.metrics.ChannelConnected(ch.Name, false)
	}

	switch kind {
	case events.KindChannelDisconnected:
		m.log.Info("channel.closed", "channel", ch.Name, "code", code, "reason", reason)
		m.bus.Publish(events.Event{Kind: kind, Channel: ch.Name, Code: code, Reason: reason})
	case events.KindChannelMaxRetries:
		m.metrics.ChannelFailed(ch.Name, "max_retries")
		m.log.Warn("channel.max_retries", "channel", ch.Name, "attempts", attempt, "code", code, "err", cause)
		m.bus.Publish(events.Event{Kind: kind, Channel: ch.Name, Attempt: attempt, Code: code, Reason: reason, Err: ErrMaxRetries})
	default:
		m.metrics.ChannelReconnect(ch.Name)
		m.log.Info("channel.reconnect.scheduled", "channel", ch.Name, "attempt", attempt, "delay", delay, "code", code, "err", cause)
		m.bus.Publish(events.Event{Kind: kind, Channel: ch.Name, Attempt: attempt, Delay: delay, Code: code, Reason: reason, Err: cause})
	}

	if conn != nil {
		m.call(ch, "on_close", func() {
			if h.OnClose != nil {
				h.OnClose(code, reason)
			}
		})
	} else {
		m.call(ch, "on_error", func() {
			if h.OnError != nil {
				h.OnError(cause)
			}
		})
	}
	if kind == events.KindChannelMaxRetries {
		m.call(ch, "on_error", func() {
			if h.OnError != nil {
				h.OnError(ErrMaxRetries)
			}
		})
	}
}

func (m *Manager) reconnect(ch *Channel, gen uint64) {
	m.mu.Lock()
	if ch.gen != gen || ch.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	ch.timer = nil
	ch.state = StateConnecting
	m.mu.Unlock()

	go m.open(ch, gen)
}

func (m *Manager) authFailed(ch *Channel, gen uint64, cause error) {
	err := fmt.Errorf("%w: %w", ErrAuthUnavailable, cause)
	if !m.fail(ch, gen, "auth", err) {
		return
	}
	m.bus.Publish(events.Event{Kind: events.KindChannelDisconnected, Channel: ch.Name, Reason: "auth unavailable", Err: err})
}

// fail moves cycle gen to StateFailed and reports err. It returns false when
// the cycle was already superseded.
func (m *Manager) fail(ch *Channel, gen uint64, reason string, err error) bool {
	m.mu.Lock()
	if ch.gen != gen {
		m.mu.Unlock()
		return false
	}
	ch.gen++
	ch.state = StateFailed
	cancel := ch.cancel
	ch.cancel = nil
	h := ch.h
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.metrics.ChannelFailed(ch.Name, reason)
	m.log.Warn("channel.failed", "channel", ch.Name, "reason", reason, "err", err)
	m.call(ch, "on_error", func() {
		if h.OnError != nil {
			h.OnError(err)
		}
	})
	return true
}

// ---- handle operations ----

func (m *Manager) send(ctx context.Context, ch *Channel, msg any) bool {
	m.mu.Lock()
	if m.channels[ch.Name] != ch || ch.state != StateConnected || ch.conn == nil {
		m.mu.Unlock()
		return false
	}
	conn := ch.conn
	limiter := ch.limiter
	m.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		m.log.Debug("channel.send.encode.fail", "channel", ch.Name, "err", err)
		return false
	}

	if !limiter.Allow(m.clock.Now()) {
		m.log.Debug("channel.send.rate_limited", "channel", ch.Name)
		return false
	}

	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, data); err != nil {
		m.log.Info("channel.send.fail", "channel", ch.Name, "err", err)
		return false
	}
	m.metrics.ChannelMessage(ch.Name, "out")
	return true
}

func (m *Manager) closeChannel(ch *Channel) {
	m.mu.Lock()
	if m.channels[ch.Name] != ch {
		m.mu.Unlock()
		return
	}
	delete(m.channels, ch.Name)
	ch.gen++
	prev := ch.state
	ch.state = StateDisconnected
	timer, cancel, conn := ch.timer, ch.cancel, ch.conn
	ch.timer, ch.cancel, ch.conn = nil, nil, nil
	h := ch.h
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if conn != nil {
		_ = conn.Close(v1.CloseNormal, "client closed")
		m.metrics.ChannelConnected(ch.Name, false)
	}
	if cancel != nil {
		cancel()
	}

	m.log.Info("channel.closed", "channel", ch.Name, "code", v1.CloseNormal, "from", prev.String())
	m.bus.Publish(events.Event{Kind: events.KindChannelDisconnected, Channel: ch.Name, Code: v1.CloseNormal, Reason: "client closed"})
	if prev == StateConnected {
		m.call(ch, "on_close", func() {
			if h.OnClose != nil {
				h.OnClose(v1.CloseNormal, "client closed")
			}
		})
	}
}

// call runs a handler, containing panics so one bad handler cannot take down
// the connection goroutines.
func (m *Manager) call(ch *Channel, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("channel.handler.panic", "channel", ch.Name, "handler", name, "panic", r)
		}
	}()
	fn()
}
