package realtime

import (
	"context"
	"encoding/json"
)

// Handlers receive channel callbacks. They are retained across reconnects and
// run on internal goroutines; OnMessage calls for one channel are sequential
// and in arrival order. Nil handlers are skipped.
type Handlers struct {
	OnOpen    func()
	OnMessage func(msg json.RawMessage)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

// Channel is the handle for one named stream. Fields other than ID and Name
// are owned by the Manager and guarded by its mutex.
type Channel struct {
	ID   string
	Name string

	m *Manager
	h Handlers

	state   State
	attempt int

	// gen identifies the current connection cycle. Callbacks carrying an older
	// generation are ignored.
	gen     uint64
	conn    Conn
	cancel  context.CancelFunc
	timer   Timer
	limiter *RateLimiter
}

// State returns the channel's current state.
func (c *Channel) State() State {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.state
}

// Attempt returns the number of consecutive abnormal closes since the last open.
func (c *Channel) Attempt() int {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.attempt
}

// Send writes msg if this handle is still the tracked, connected channel.
func (c *Channel) Send(ctx context.Context, msg any) bool {
	return c.m.send(ctx, c, msg)
}

// Close closes the channel if this handle is still tracked.
func (c *Channel) Close() {
	c.m.closeChannel(c)
}
