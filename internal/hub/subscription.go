package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/comigor/botrelay/internal/logger"
)

// ErrClosed is returned by Next once the subscription has been closed.
var ErrClosed = errors.New("subscription closed")

// Subscription is one viewer's bounded queue of notifications.
type Subscription struct {
	id       string
	hub      *Hub
	sessions []string

	mu      sync.Mutex
	queue   []Notification // ring, len == capacity
	head    int
	size    int
	dropped uint64

	ready     chan struct{} // capacity 1, signals a non-empty queue
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(h *Hub, sessionIDs []string, capacity int) *Subscription {
	seen := make(map[string]struct{}, len(sessionIDs))
	sessions := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		sessions = append(sessions, id)
	}
	return &Subscription{
		id:       uuid.NewString(),
		hub:      h,
		sessions: sessions,
		queue:    make([]Notification, capacity),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string { return s.id }

// Sessions returns the session filter; empty means global.
func (s *Subscription) Sessions() []string { return append([]string(nil), s.sessions...) }

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped counts notifications discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Pending returns the number of queued notifications.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// enqueue appends n, evicting the oldest entry when full. It reports
// whether an entry was dropped. Closed subscriptions ignore n.
func (s *Subscription) enqueue(n Notification) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	s.mu.Lock()
	dropped := false
	capacity := len(s.queue)
	if s.size == capacity {
		s.queue[s.head] = Notification{}
		s.head = (s.head + 1) % capacity
		s.size--
		s.dropped++
		dropped = true
	}
	s.queue[(s.head+s.size)%capacity] = n
	s.size++
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) pop() (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 {
		return Notification{}, false
	}
	n := s.queue[s.head]
	s.queue[s.head] = Notification{}
	s.head = (s.head + 1) % len(s.queue)
	s.size--
	return n, true
}

// Next blocks until a notification is available, ctx is done, or the
// subscription is closed. Queued notifications are drained before ErrClosed
// is reported.
func (s *Subscription) Next(ctx context.Context) (Notification, error) {
	for {
		if n, ok := s.pop(); ok {
			return n, nil
		}
		select {
		case <-s.ready:
		case <-s.done:
			if n, ok := s.pop(); ok {
				return n, nil
			}
			return Notification{}, ErrClosed
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		}
	}
}

// Close deregisters the subscription. It is idempotent and safe to call
// from any goroutine, including concurrently with Next.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.remove(s)
		logger.L.Debug("subscriber disconnected", "subscriber", s.id, "dropped", s.Dropped())
	})
}

// closeLocal closes a subscription that was never registered with the hub.
func (s *Subscription) closeLocal() {
	s.closeOnce.Do(func() { close(s.done) })
}
