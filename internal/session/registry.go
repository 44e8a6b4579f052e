package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/comigor/botrelay/internal/logger"
	"github.com/comigor/botrelay/internal/metrics"
)

var (
	// ErrUnknownSession means no session is registered under the id.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionExists means Create was called for a registered id.
	ErrSessionExists = errors.New("session already exists")
)

// DefaultRetention is how long a terminal session stays readable.
const DefaultRetention = 10 * time.Minute

// Registry maps session ids to sessions. Its own lock only guards the map;
// per-session work happens after the lookup, outside that lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	capacity  int
	retention time.Duration
	publisher Publisher
	now       func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCapacity sets the per-session buffer capacity.
func WithCapacity(n int) RegistryOption {
	return func(r *Registry) { r.capacity = n }
}

// WithRetention sets how long terminal sessions are kept before eviction.
func WithRetention(d time.Duration) RegistryOption {
	return func(r *Registry) { r.retention = d }
}

// WithPublisher sets where session notifications go.
func WithPublisher(p Publisher) RegistryOption {
	return func(r *Registry) { r.publisher = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions:  make(map[string]*Session),
		capacity:  DefaultBufferCapacity,
		retention: DefaultRetention,
		publisher: discardPublisher{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the session for id or ErrUnknownSession.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// GetOrCreate returns the session for id, registering it in StateReady if
// needed. created reports whether it was registered by this call.
func (r *Registry) GetOrCreate(id string) (s *Session, created bool) {
	if s, err := r.Get(id); err == nil {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s = newSession(id, r.capacity, r.publisher, r.now)
	r.sessions[id] = s
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	logger.L.Info("session registered", "session", id)
	return s, true
}

// Create registers a new session, failing if id is taken.
func (r *Registry) Create(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, ErrSessionExists
	}
	s := newSession(id, r.capacity, r.publisher, r.now)
	r.sessions[id] = s
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	logger.L.Info("session created", "session", id)
	return s, nil
}

// Remove evicts id, reporting whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	return true
}

// ApplyTransition applies a state change to an existing session.
func (r *Registry) ApplyTransition(id string, target State, atMs int64) (Outcome, error) {
	s, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return s.ApplyTransition(target, atMs)
}

// Append adds a fragment to an existing session.
func (r *Registry) Append(id string, f Fragment) (Outcome, error) {
	s, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return s.Append(f), nil
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns the registered sessions sorted by id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Reap evicts sessions whose terminal retention window has passed and
// returns their ids.
func (r *Registry) Reap() []string {
	now := r.now()
	var expired []*Session
	for _, s := range r.List() {
		at, ok := s.terminalSince()
		if ok && !now.Before(at.Add(r.retention)) {
			expired = append(expired, s)
		}
	}
	if len(expired) == 0 {
		return nil
	}

	var removed []string
	r.mu.Lock()
	for _, s := range expired {
		// the id may have been re-registered since the scan
		if r.sessions[s.id] == s {
			delete(r.sessions, s.id)
			removed = append(removed, s.id)
		}
	}
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	for _, id := range removed {
		metrics.SessionsEvicted.Inc()
		logger.L.Info("session evicted", "session", id)
	}
	return removed
}

// Run calls Reap every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}
