package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"arclink/cmd/internal/events"
)

// ---- clock ----

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.AfterFunc(d, func() { ch <- c.Now() })
	return ch
}

// Advance moves time forward and runs every timer that became due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// pending returns the remaining delay of every armed timer.
func (c *fakeClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at.Sub(c.now))
		}
	}
	return out
}

func (c *fakeClock) waitPending(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(c.pending()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d armed timers, have %d", n, len(c.pending()))
		}
		time.Sleep(time.Millisecond)
	}
}

// ---- transport ----

type fakeConn struct {
	in      chan []byte
	closeCh chan struct{}

	mu          sync.Mutex
	closeCode   int
	closeReason string
	remote      error
	written     [][]byte
	pingErr     error
	writeErr    error
	closeOnce   sync.Once
	closeCalls  int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 256), closeCh: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closeCh:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.remote != nil {
			return nil, c.remote
		}
		return nil, &CloseError{Code: c.closeCode, Reason: c.closeReason}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	c.closeCalls++
	if c.closeCode == 0 && c.remote == nil {
		c.closeCode, c.closeReason = code, reason
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}

// remoteClose simulates a close frame from the server.
func (c *fakeConn) remoteClose(code int, reason string) {
	c.mu.Lock()
	c.remote = &CloseError{Code: code, Reason: reason}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closeCh) })
}

// drop simulates the connection vanishing without a close frame.
func (c *fakeConn) drop() {
	c.mu.Lock()
	c.remote = io.ErrUnexpectedEOF
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closeCh) })
}

func (c *fakeConn) localClose() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

func (c *fakeConn) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls > 0
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type fakeDialer struct {
	mu     sync.Mutex
	urls   []string
	script []*fakeConn
	err    error
	gate   chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	gate := d.gate
	d.urls = append(d.urls, url)
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.script) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		return nil, errors.New("connection refused")
	}
	c := d.script[0]
	d.script = d.script[1:]
	return c, nil
}

func (d *fakeDialer) dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

type fakeAuth struct {
	mu  sync.Mutex
	n   int
	err error
}

func (a *fakeAuth) EnsureToken(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	tok := fmt.Sprintf("tok-%d", a.n)
	a.n++
	return tok, nil
}

func (a *fakeAuth) setErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

// ---- events ----

type eventRecorder struct {
	ch chan events.Event
}

func newEventRecorder(bus *events.Bus) *eventRecorder {
	r := &eventRecorder{ch: make(chan events.Event, 256)}
	bus.Subscribe(func(e events.Event) { r.ch <- e })
	return r
}

// wait returns the next event of kind, skipping others.
func (r *eventRecorder) wait(t *testing.T, kind events.Kind) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return events.Event{}
		}
	}
}

// ---- handlers ----

type handlerLog struct {
	mu       sync.Mutex
	opens    int
	messages []string
	closes   []int
	errs     []error
	signal   chan struct{}
}

func newHandlerLog() *handlerLog {
	return &handlerLog{signal: make(chan struct{}, 1024)}
}

func (l *handlerLog) handlers() Handlers {
	note := func() {
		select {
		case l.signal <- struct{}{}:
		default:
		}
	}
	return Handlers{
		OnOpen: func() {
			l.mu.Lock()
			l.opens++
			l.mu.Unlock()
			note()
		},
		OnMessage: func(msg json.RawMessage) {
			l.mu.Lock()
			l.messages = append(l.messages, string(msg))
			l.mu.Unlock()
			note()
		},
		OnClose: func(code int, _ string) {
			l.mu.Lock()
			l.closes = append(l.closes, code)
			l.mu.Unlock()
			note()
		},
		OnError: func(err error) {
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
			note()
		},
	}
}

func (l *handlerLog) waitFor(t *testing.T, cond func(*handlerLog) bool) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		l.mu.Lock()
		ok := cond(l)
		l.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-l.signal:
		case <-timeout:
			t.Fatalf("timed out waiting for handler condition")
		}
	}
}
