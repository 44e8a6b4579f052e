package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/comigor/botrelay/internal/session"
)

// SessionReader is the read side of the session tracker.
type SessionReader interface {
	List() []session.Status
	GetStatus(id string) (session.Status, error)
	GetTranscripts(id string, sinceMs int64) ([]session.Transcript, error)
	ConversationStatus(id string) (session.Conversation, error)
}

// NewSessionToolManager registers every session tool backed by r.
func NewSessionToolManager(r SessionReader) *ToolManager {
	m := NewToolManager()
	m.RegisterTool(&ListSessionsTool{reader: r})
	m.RegisterTool(&SessionStatusTool{reader: r})
	m.RegisterTool(&SessionTranscriptsTool{reader: r})
	m.RegisterTool(&ConversationStatusTool{reader: r})
	return m
}

var botIDParam = Param{Name: "bot_id", Type: ParamString, Description: "Meeting bot (session) identifier", Required: true}

// ListSessionsTool lists tracked sessions and their states.
// No arguments are required.
type ListSessionsTool struct {
	reader SessionReader
}

// Name returns the name of the tool
func (t *ListSessionsTool) Name() string { return "list_sessions" }

// Description returns the description of the tool
func (t *ListSessionsTool) Description() string {
	return "Lists tracked meeting bot sessions with their lifecycle state. Call this first to discover valid bot_ids."
}

// Params returns no arguments
func (t *ListSessionsTool) Params() []Param { return nil }

// Run returns a JSON array of session statuses
func (t *ListSessionsTool) Run(_ context.Context, _ map[string]any) (string, error) {
	return marshal(t.reader.List())
}

// SessionStatusTool reports one session's lifecycle state.
type SessionStatusTool struct {
	reader SessionReader
}

// Name returns the name of the tool
func (t *SessionStatusTool) Name() string { return "session_status" }

// Description returns the description of the tool
func (t *SessionStatusTool) Description() string {
	return "Returns the lifecycle state of a meeting bot session and its transcript buffer size."
}

// Params returns the tool arguments
func (t *SessionStatusTool) Params() []Param { return []Param{botIDParam} }

// Run returns the session status as JSON
func (t *SessionStatusTool) Run(_ context.Context, args map[string]any) (string, error) {
	id, err := stringArg(args, "bot_id")
	if err != nil {
		return "", err
	}
	st, err := t.reader.GetStatus(id)
	if err != nil {
		return "", err
	}
	return marshal(st)
}

// SessionTranscriptsTool returns buffered transcript lines.
type SessionTranscriptsTool struct {
	reader SessionReader
}

// Name returns the name of the tool
func (t *SessionTranscriptsTool) Name() string { return "session_transcripts" }

// Description returns the description of the tool
func (t *SessionTranscriptsTool) Description() string {
	return "Returns the buffered transcript lines of a session, optionally only those newer than since_ms."
}

// Params returns the tool arguments
func (t *SessionTranscriptsTool) Params() []Param {
	return []Param{
		botIDParam,
		{Name: "since_ms", Type: ParamNumber, Description: "Only return lines with a timestamp (epoch ms) greater than this"},
	}
}

// Run returns the transcripts as a JSON array
func (t *SessionTranscriptsTool) Run(_ context.Context, args map[string]any) (string, error) {
	id, err := stringArg(args, "bot_id")
	if err != nil {
		return "", err
	}
	since, err := int64Arg(args, "since_ms")
	if err != nil {
		return "", err
	}
	lines, err := t.reader.GetTranscripts(id, since)
	if err != nil {
		return "", err
	}
	return marshal(lines)
}

// ConversationStatusTool summarizes a session's buffered conversation.
type ConversationStatusTool struct {
	reader SessionReader
}

// Name returns the name of the tool
func (t *ConversationStatusTool) Name() string { return "conversation_status" }

// Description returns the description of the tool
func (t *ConversationStatusTool) Description() string {
	return "Summarizes a session's buffered conversation: line count, speakers and the latest line."
}

// Params returns the tool arguments
func (t *ConversationStatusTool) Params() []Param { return []Param{botIDParam} }

// Run returns the conversation summary as JSON
func (t *ConversationStatusTool) Run(_ context.Context, args map[string]any) (string, error) {
	id, err := stringArg(args, "bot_id")
	if err != nil {
		return "", err
	}
	c, err := t.reader.ConversationStatus(id)
	if err != nil {
		return "", err
	}
	return marshal(c)
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", name)
	}
	return s, nil
}

// int64Arg reads an optional numeric argument; absent means 0.
func int64Arg(args map[string]any, name string) (int64, error) {
	switch v := args[name].(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("argument %q: %w", name, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("argument %q must be a number", name)
	}
}
