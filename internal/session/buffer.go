package session

import (
	"sort"
	"strings"
)

// DefaultBufferCapacity is the number of fragments kept per session.
const DefaultBufferCapacity = 50

// Fragment is one transcribed utterance. It is immutable once built.
type Fragment struct {
	SessionID   string  `json:"session_id"`
	TimestampMs int64   `json:"timestamp_ms"`
	Speaker     string  `json:"speaker_name"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// BufferStatus summarizes a buffer for diagnostics.
type BufferStatus struct {
	Len       int   `json:"len"`
	Watermark int64 `json:"watermark"`
	Capacity  int   `json:"capacity"`
}

// Buffer is a bounded ring of fragments in strictly increasing timestamp
// order. A fragment whose timestamp is not newer than the watermark is
// dropped, which also absorbs duplicate deliveries. When full, the oldest
// fragment is evicted. Buffer is not safe for concurrent use; the owning
// Session serializes access.
type Buffer struct {
	ring      []Fragment
	head      int
	size      int
	watermark int64
	seen      bool
}

// NewBuffer creates a buffer holding at most capacity fragments.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{ring: make([]Fragment, capacity)}
}

// Append inserts f at the tail. inserted is false when f was stale;
// evicted reports whether the oldest fragment made room for f.
func (b *Buffer) Append(f Fragment) (inserted, evicted bool) {
	if b.seen && f.TimestampMs <= b.watermark {
		return false, false
	}
	capacity := len(b.ring)
	if b.size == capacity {
		b.ring[b.head] = Fragment{}
		b.head = (b.head + 1) % capacity
		b.size--
		evicted = true
	}
	b.ring[(b.head+b.size)%capacity] = f
	b.size++
	b.watermark = f.TimestampMs
	b.seen = true
	return true, evicted
}

func (b *Buffer) at(i int) Fragment {
	return b.ring[(b.head+i)%len(b.ring)]
}

// Snapshot returns a copy of the fragments, oldest first.
func (b *Buffer) Snapshot() []Fragment {
	out := make([]Fragment, b.size)
	for i := range out {
		out[i] = b.at(i)
	}
	return out
}

// Since returns a copy of the fragments strictly newer than sinceMs.
func (b *Buffer) Since(sinceMs int64) []Fragment {
	start := sort.Search(b.size, func(i int) bool {
		return b.at(i).TimestampMs > sinceMs
	})
	out := make([]Fragment, b.size-start)
	for i := range out {
		out[i] = b.at(start + i)
	}
	return out
}

// Status reports length, watermark and capacity.
func (b *Buffer) Status() BufferStatus {
	return BufferStatus{Len: b.size, Watermark: b.watermark, Capacity: len(b.ring)}
}

// Latest returns the newest fragment, if any.
func (b *Buffer) Latest() (Fragment, bool) {
	if b.size == 0 {
		return Fragment{}, false
	}
	return b.at(b.size - 1), true
}

// Speakers returns the distinct speakers in order of first appearance.
func (b *Buffer) Speakers() []string {
	seen := make(map[string]struct{})
	var out []string
	for i := 0; i < b.size; i++ {
		name := b.at(i).Speaker
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// Text renders the conversation as "[speaker]: text" lines.
func (b *Buffer) Text() string {
	return FormatConversation(b.Snapshot())
}

// FormatConversation renders fragments as "[speaker]: text" lines.
func FormatConversation(fragments []Fragment) string {
	var sb strings.Builder
	for i, f := range fragments {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("[")
		sb.WriteString(f.Speaker)
		sb.WriteString("]: ")
		sb.WriteString(f.Text)
	}
	return sb.String()
}
