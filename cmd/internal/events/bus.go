// Package events carries session and channel lifecycle notifications to observers.
//
// The core never renders anything; presentation code subscribes here and reacts
// (for example, redirecting to a login flow on KindLogout).
package events

import (
	"log/slog"
	"sync"
	"time"

	"arclink/cmd/internal/ids"
)

// Kind identifies a lifecycle notification (wire-stable names).
type Kind string

const (
	// KindRefreshed fires after a token pair was renewed and persisted.
	KindRefreshed Kind = "refreshed"
	// KindLogout fires after the local session was torn down, for any reason.
	KindLogout Kind = "logout"

	// KindChannelConnected fires when a channel's connection opened.
	KindChannelConnected Kind = "channel.connected"
	// KindChannelDisconnected fires when a channel stopped without scheduling a reconnect.
	KindChannelDisconnected Kind = "channel.disconnected"
	// KindChannelReconnecting fires when a reconnect attempt is scheduled.
	KindChannelReconnecting Kind = "channel.reconnecting"
	// KindChannelMaxRetries fires when a channel exhausted its reconnect budget.
	KindChannelMaxRetries Kind = "channel.max_retries"
)

// Event is one notification. Channel fields are zero for session events.
type Event struct {
	ID   string
	Kind Kind
	At   time.Time

	Channel string
	Attempt int
	Delay   time.Duration
	Code    int
	Reason  string

	Err error
}

// Handler observes events. It runs on the publisher's goroutine and must not block.
type Handler func(Event)

type subscriber struct {
	id int
	fn Handler
}

// Bus is a synchronous observer list. The zero value is not usable; use NewBus.
// A nil *Bus accepts Publish and drops the event.
type Bus struct {
	log *slog.Logger
	now func() time.Time

	mu   sync.RWMutex
	next int
	subs []subscriber
}

// NewBus constructs a Bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log, now: time.Now}
}

// Subscribe registers h and returns a function that removes it (idempotent).
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	if b == nil || h == nil {
		return func() {}
	}

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscriber{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish stamps e with an ID and time (when unset) and delivers it to every
// subscriber in subscription order. A panicking subscriber is logged and skipped.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = b.now().UTC()
	}
	if e.ID == "" {
		e.ID = ids.MustULID(e.At)
	}

	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("events.subscriber.panic", "kind", string(e.Kind), "event_id", e.ID, "panic", r)
		}
	}()
	s.fn(e)
}
