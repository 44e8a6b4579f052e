package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/comigor/botrelay/internal/session"
)

// Kind discriminates inbound events.
type Kind string

const (
	KindStateChange Kind = "state_change"
	KindTranscript  Kind = "transcript"
)

// ErrMalformedPayload is the sentinel behind every *PayloadError.
var ErrMalformedPayload = errors.New("malformed payload")

// PayloadError describes why a payload was rejected.
type PayloadError struct {
	Reason string
}

func (e *PayloadError) Error() string { return "malformed payload: " + e.Reason }

func (e *PayloadError) Unwrap() error { return ErrMalformedPayload }

func malformed(format string, args ...any) error {
	return &PayloadError{Reason: fmt.Sprintf(format, args...)}
}

// Event is a parsed, not yet routed, inbound event. Exactly one of State or
// Fragment is meaningful, depending on Kind. HasTimestamp is false when a
// state change carried no timestamp at all.
type Event struct {
	Kind         Kind
	SessionID    string
	State        session.State
	TimestampMs  int64
	HasTimestamp bool
	Fragment     session.Fragment
}

type envelope struct {
	EventType string          `json:"event_type"`
	Trigger   string          `json:"trigger"`
	BotID     string          `json:"bot_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type stateData struct {
	NewState  string          `json:"new_state"`
	State     string          `json:"state"`
	CreatedAt json.RawMessage `json:"created_at"`
}

type transcriptData struct {
	TimestampMs   json.RawMessage `json:"timestamp_ms"`
	SpeakerName   string          `json:"speaker_name"`
	Text          string          `json:"text"`
	Transcription *struct {
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
	} `json:"transcription"`
}

// Parse decodes a raw webhook body into an Event.
func Parse(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, malformed("invalid json: %v", err)
	}

	kind, err := classify(env)
	if err != nil {
		return Event{}, err
	}
	id := strings.TrimSpace(env.BotID)
	if id == "" {
		return Event{}, malformed("missing bot_id")
	}
	if isNull(env.Data) {
		return Event{}, malformed("missing data")
	}

	switch kind {
	case KindStateChange:
		return parseStateChange(id, env)
	default:
		return parseTranscript(id, env)
	}
}

func classify(env envelope) (Kind, error) {
	name := env.EventType
	if name == "" {
		name = env.Trigger
	}
	switch name {
	case "state_change", "bot.state_change":
		return KindStateChange, nil
	case "transcript_update", "transcript.update":
		return KindTranscript, nil
	case "":
		return "", malformed("missing event_type")
	default:
		return "", malformed("unsupported event_type %q", name)
	}
}

func parseStateChange(id string, env envelope) (Event, error) {
	var data stateData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Event{}, malformed("invalid data: %v", err)
	}
	name := data.NewState
	if name == "" {
		name = data.State
	}
	if name == "" {
		return Event{}, malformed("missing data.new_state")
	}
	state, err := session.ParseState(name)
	if err != nil {
		return Event{}, malformed("%v", err)
	}

	ts, ok, err := parseTimestamp(env.Timestamp)
	if err != nil {
		return Event{}, malformed("timestamp: %v", err)
	}
	if !ok {
		if ts, ok, err = parseTimestamp(data.CreatedAt); err != nil {
			return Event{}, malformed("data.created_at: %v", err)
		}
	}

	return Event{Kind: KindStateChange, SessionID: id, State: state, TimestampMs: ts, HasTimestamp: ok}, nil
}

func parseTranscript(id string, env envelope) (Event, error) {
	var data transcriptData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Event{}, malformed("invalid data: %v", err)
	}
	ts, ok, err := parseTimestamp(data.TimestampMs)
	if err != nil {
		return Event{}, malformed("data.timestamp_ms: %v", err)
	}
	if !ok {
		return Event{}, malformed("missing data.timestamp_ms")
	}

	f := session.Fragment{
		SessionID:   id,
		TimestampMs: ts,
		Speaker:     data.SpeakerName,
		Text:        data.Text,
	}
	if f.Speaker == "" {
		f.Speaker = "Unknown"
	}
	if t := data.Transcription; t != nil {
		if t.Transcript != "" {
			f.Text = t.Transcript
		}
		f.Confidence = t.Confidence
	}

	return Event{Kind: KindTranscript, SessionID: id, TimestampMs: ts, HasTimestamp: true, Fragment: f}, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// zone-less forms are read as UTC
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts epoch milliseconds (number or numeric string) or an
// ISO 8601 string. ok is false when no timestamp was given; zero and
// negative values are still timestamps.
func parseTimestamp(raw json.RawMessage) (ms int64, ok bool, err error) {
	if isNull(raw) {
		return 0, false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, false, errors.New("not a number or string")
		}
		ms, err := floatMillis(n)
		return ms, err == nil, err
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		ms, err := floatMillis(n)
		return ms, err == nil, err
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), true, nil
		}
	}
	return 0, false, fmt.Errorf("unrecognized format %q", s)
}

func floatMillis(n float64) (int64, error) {
	// float64(math.MaxInt64) rounds up to 2^63
	if math.IsNaN(n) || n >= math.MaxInt64 || n < math.MinInt64 {
		return 0, fmt.Errorf("%g is out of range", n)
	}
	return int64(n), nil
}
