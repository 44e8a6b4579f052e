package session

import (
	"sync"
	"time"

	"github.com/comigor/botrelay/internal/hub"
	"github.com/comigor/botrelay/internal/metrics"
)

// Publisher receives notifications produced by session mutations.
// Publish must not block; *hub.Hub satisfies it.
type Publisher interface {
	Publish(n hub.Notification)
}

type discardPublisher struct{}

func (discardPublisher) Publish(hub.Notification) {}

// Status is the pull view of a session's lifecycle.
type Status struct {
	SessionID      string       `json:"session_id"`
	State          State        `json:"state"`
	StateTimestamp int64        `json:"state_timestamp"`
	CreatedAt      time.Time    `json:"created_at"`
	Terminal       bool         `json:"terminal"`
	Buffer         BufferStatus `json:"buffer"`
}

// StatusPayload is pushed to subscribers on every accepted transition.
type StatusPayload struct {
	State          State `json:"state"`
	PreviousState  State `json:"previous_state"`
	StateTimestamp int64 `json:"state_timestamp"`
	Terminal       bool  `json:"terminal"`
}

// Transcript is the viewer-facing form of a fragment.
type Transcript struct {
	TimestampMs int64  `json:"timestamp_ms"`
	SpeakerName string `json:"speaker_name"`
	Text        string `json:"text"`
}

// View converts f to its viewer-facing form.
func (f Fragment) View() Transcript {
	return Transcript{TimestampMs: f.TimestampMs, SpeakerName: f.Speaker, Text: f.Text}
}

// Views converts fragments to their viewer-facing form.
func Views(fragments []Fragment) []Transcript {
	out := make([]Transcript, len(fragments))
	for i, f := range fragments {
		out[i] = f.View()
	}
	return out
}

// Reconciliation is everything a reconnecting viewer needs: the current
// status and the fragments newer than its last seen timestamp.
type Reconciliation struct {
	Status      Status       `json:"status"`
	Transcripts []Transcript `json:"transcripts"`
	Watermark   int64        `json:"watermark"`
}

// Conversation summarizes the buffered conversation.
type Conversation struct {
	SessionID       string      `json:"bot_id"`
	TranscriptCount int         `json:"transcript_count"`
	HasData         bool        `json:"has_data"`
	Latest          *Transcript `json:"latest_transcript"`
	Speakers        []string    `json:"speakers"`
	Capacity        int         `json:"capacity"`
	Watermark       int64       `json:"watermark"`
}

// Session pairs one bot's state machine with its conversation buffer under
// a single mutex. Notifications are published while the lock is held, so
// subscribers see changes in the order they were applied; Publish must not
// block or call back into the session.
type Session struct {
	id        string
	createdAt time.Time
	publisher Publisher
	now       func() time.Time

	mu         sync.Mutex
	machine    *Machine
	buffer     *Buffer
	terminalAt time.Time
}

func newSession(id string, capacity int, publisher Publisher, now func() time.Time) *Session {
	if publisher == nil {
		publisher = discardPublisher{}
	}
	if now == nil {
		now = time.Now
	}
	return &Session{
		id:        id,
		createdAt: now(),
		publisher: publisher,
		now:       now,
		machine:   NewMachine(),
		buffer:    NewBuffer(capacity),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ApplyTransition moves the session to target if atMs advances the last
// accepted timestamp. Stale and post-terminal events are absorbed without
// error.
func (s *Session) ApplyTransition(target State, atMs int64) (Outcome, error) {
	return s.transition(target, func(m *Machine) (Outcome, error) { return m.Apply(target, atMs) })
}

// ApplyUntimed moves the session to target for an event without a
// timestamp; only a terminal state absorbs it.
func (s *Session) ApplyUntimed(target State) (Outcome, error) {
	return s.transition(target, func(m *Machine) (Outcome, error) { return m.ApplyUntimed(target) })
}

func (s *Session) transition(target State, apply func(*Machine) (Outcome, error)) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.machine.State()
	outcome, err := apply(s.machine)
	if err != nil || outcome != OutcomeApplied {
		return outcome, err
	}
	if target.Terminal() && s.terminalAt.IsZero() {
		s.terminalAt = s.now()
	}
	s.publisher.Publish(hub.Notification{Type: hub.TypeStatus, SessionID: s.id, Payload: StatusPayload{
		State:          target,
		PreviousState:  from,
		StateTimestamp: s.machine.LastAt(),
		Terminal:       target.Terminal(),
	}})
	return outcome, nil
}

// Append adds f to the conversation buffer. Stale fragments return
// OutcomeStale and publish nothing.
func (s *Session) Append(f Fragment) Outcome {
	f.SessionID = s.id

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted, evicted := s.buffer.Append(f)
	if !inserted {
		return OutcomeStale
	}
	if evicted {
		metrics.BufferEvictions.Inc()
	}
	s.publisher.Publish(hub.Notification{Type: hub.TypeTranscript, SessionID: s.id, Payload: f.View()})
	return OutcomeApplied
}

// Snapshot returns a copy of the buffered fragments, oldest first.
func (s *Session) Snapshot() []Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Snapshot()
}

// Since returns a copy of the fragments newer than sinceMs.
func (s *Session) Since(sinceMs int64) []Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Since(sinceMs)
}

// Status returns the current lifecycle and buffer status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	state := s.machine.State()
	return Status{
		SessionID:      s.id,
		State:          state,
		StateTimestamp: s.machine.LastAt(),
		CreatedAt:      s.createdAt,
		Terminal:       state.Terminal(),
		Buffer:         s.buffer.Status(),
	}
}

// Reconcile returns status and fragments newer than sinceMs from one
// consistent view of the session.
func (s *Session) Reconcile(sinceMs int64) Reconciliation {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statusLocked()
	return Reconciliation{
		Status:      st,
		Transcripts: Views(s.buffer.Since(sinceMs)),
		Watermark:   st.Buffer.Watermark,
	}
}

// Conversation returns the buffered conversation summary.
func (s *Session) Conversation() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.buffer.Status()
	c := Conversation{
		SessionID:       s.id,
		TranscriptCount: st.Len,
		HasData:         st.Len > 0,
		Speakers:        s.buffer.Speakers(),
		Capacity:        st.Capacity,
		Watermark:       st.Watermark,
	}
	if c.Speakers == nil {
		c.Speakers = []string{}
	}
	if latest, ok := s.buffer.Latest(); ok {
		v := latest.View()
		c.Latest = &v
	}
	return c
}

// terminalSince returns when the session entered a terminal state.
func (s *Session) terminalSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalAt, !s.terminalAt.IsZero()
}
