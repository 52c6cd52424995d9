package mockapi

import (
	"log/slog"
	"sync"

	v1 "arclink/contracts/stream/v1"
)

// subscriber is one stream connection.
// send is never closed by the server so concurrent broadcasters cannot panic;
// done signals shutdown instead.
type subscriber struct {
	id      string
	subject string
	send    chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(id, subject string, queue int) *subscriber {
	if queue <= 0 {
		queue = 64
	}
	return &subscriber{
		id:      id,
		subject: subject,
		send:    make(chan v1.Envelope, queue),
		done:    make(chan struct{}),
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// enqueue never blocks: a full queue drops the envelope.
func (s *subscriber) enqueue(env v1.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

// Hub fans envelopes out to the subscribers of named topics.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[string]*subscriber
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, topics: make(map[string]map[string]*subscriber)}
}

func (h *Hub) join(topic string, s *subscriber) {
	h.mu.Lock()
	members := h.topics[topic]
	if members == nil {
		members = make(map[string]*subscriber)
		h.topics[topic] = members
	}
	members[s.id] = s
	h.mu.Unlock()

	h.log.Info("stream.member.join", "channel", topic, "connection_id", s.id, "subject", s.subject)
}

// leave removes s from topic before signalling shutdown, so a broadcaster
// never holds a subscriber that is being torn down.
func (h *Hub) leave(topic string, s *subscriber) {
	h.mu.Lock()
	if members := h.topics[topic]; members != nil {
		delete(members, s.id)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()

	s.close()
	h.log.Info("stream.member.leave", "channel", topic, "connection_id", s.id)
}

// Broadcast delivers env to every subscriber of topic and returns how many
// accepted it. Slow subscribers are skipped.
func (h *Hub) Broadcast(topic string, env v1.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, s := range h.topics[topic] {
		if s.enqueue(env) {
			n++
		}
	}
	return n
}

// Subscribers returns the number of live subscribers on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
