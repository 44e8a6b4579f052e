// Package hub fans session notifications out to live subscribers.
//
// Every subscriber owns a bounded queue. Publishing never blocks: when a
// queue is full the oldest pending notification for that subscriber is
// dropped. Subscribers that fall behind are expected to recover through the
// pull reconciliation path rather than rely on seeing every delta.
package hub

import (
	"sync"
	"time"

	"github.com/comigor/botrelay/internal/logger"
	"github.com/comigor/botrelay/internal/metrics"
)

// Notification types pushed to viewers.
const (
	TypeStatus     = "status"
	TypeTranscript = "transcript"
)

// DefaultQueueSize is the per-subscriber queue bound.
const DefaultQueueSize = 64

// Notification is one state or transcript delta for a session.
type Notification struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Payload   any       `json:"payload"`
	At        time.Time `json:"-"`
}

// Relay forwards locally published notifications to other instances.
// Forward must not block.
type Relay interface {
	Forward(n Notification)
}

// Hub tracks subscribers per session plus global subscribers.
type Hub struct {
	mu        sync.RWMutex
	bySession map[string]map[*Subscription]struct{}
	global    map[*Subscription]struct{}
	queueSize int
	relay     Relay
	closed    bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithRelay attaches a cross-instance relay.
func WithRelay(r Relay) Option {
	return func(h *Hub) { h.relay = r }
}

// New creates a hub whose subscribers buffer at most queueSize notifications.
func New(queueSize int, opts ...Option) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	h := &Hub{
		bySession: make(map[string]map[*Subscription]struct{}),
		global:    make(map[*Subscription]struct{}),
		queueSize: queueSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a subscriber for the given sessions, or for every
// session when none are given. The caller must Close the subscription.
func (h *Hub) Subscribe(sessionIDs ...string) *Subscription {
	sub := newSubscription(h, sessionIDs, h.queueSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.closeLocal()
		return sub
	}
	if len(sub.sessions) == 0 {
		h.global[sub] = struct{}{}
	}
	for _, id := range sub.sessions {
		set, ok := h.bySession[id]
		if !ok {
			set = make(map[*Subscription]struct{})
			h.bySession[id] = set
		}
		set[sub] = struct{}{}
	}
	h.mu.Unlock()

	metrics.HubSubscribers.Inc()
	logger.L.Debug("subscriber connected", "subscriber", sub.id, "sessions", sub.sessions)
	return sub
}

// Publish delivers n locally and forwards it to the relay, if any.
func (h *Hub) Publish(n Notification) {
	h.Deliver(n)
	if h.relay != nil {
		h.relay.Forward(n)
	}
}

// Deliver enqueues n on every matching local subscriber without forwarding.
func (h *Hub) Deliver(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.global)+len(h.bySession[n.SessionID]))
	for sub := range h.global {
		targets = append(targets, sub)
	}
	for sub := range h.bySession[n.SessionID] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	metrics.HubPublished.WithLabelValues(n.Type).Inc()
	for _, sub := range targets {
		if sub.enqueue(n) {
			metrics.HubDropped.Inc()
		}
	}
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*Subscription]struct{}, len(h.global))
	for sub := range h.global {
		seen[sub] = struct{}{}
	}
	for _, set := range h.bySession {
		for sub := range set {
			seen[sub] = struct{}{}
		}
	}
	return len(seen)
}

// Close disconnects every subscriber. Later subscriptions are born closed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.global))
	for sub := range h.global {
		subs = append(subs, sub)
	}
	for _, set := range h.bySession {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	registered := false
	if _, ok := h.global[sub]; ok {
		delete(h.global, sub)
		registered = true
	}
	for _, id := range sub.sessions {
		set, ok := h.bySession[id]
		if !ok {
			continue
		}
		if _, ok := set[sub]; ok {
			delete(set, sub)
			registered = true
		}
		if len(set) == 0 {
			delete(h.bySession, id)
		}
	}
	if registered {
		metrics.HubSubscribers.Dec()
	}
}
