package session

import (
	"fmt"
	"strings"
)

// State is a meeting bot lifecycle state as reported by the bot provider.
type State string

const (
	StateReady              State = "ready"
	StateJoining            State = "joining"
	StateWaitingRoom        State = "waiting_room"
	StateJoinedNotRecording State = "joined_not_recording"
	StateJoinedRecording    State = "joined_recording"
	StateLeaving            State = "leaving"
	StatePostProcessing     State = "post_processing"
	StateEnded              State = "ended"
	StateFatalError         State = "fatal_error"
	StateDataDeleted        State = "data_deleted"
)

// States lists every known state in lifecycle order.
var States = []State{
	StateReady,
	StateJoining,
	StateWaitingRoom,
	StateJoinedNotRecording,
	StateJoinedRecording,
	StateLeaving,
	StatePostProcessing,
	StateEnded,
	StateFatalError,
	StateDataDeleted,
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateFatalError, StateDataDeleted:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

// ParseState validates a state name.
func ParseState(name string) (State, error) {
	candidate := State(strings.ToLower(strings.TrimSpace(name)))
	for _, s := range States {
		if s == candidate {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown bot state %q", name)
}
