package session

import (
	"context"
	"errors"

	"github.com/qmuntal/stateless" // FSM library
)

// FSM triggers
type fsmTrigger stateless.Trigger

// fired for every accepted state change event
var triggerStateChange fsmTrigger = "StateChange"

// Outcome describes what a transition or append did.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeStale    Outcome = "stale"    // timestamp did not advance the watermark
	OutcomeTerminal Outcome = "terminal" // session already in a terminal state
)

// Machine is one session's lifecycle state machine. Any non-terminal state
// may move to any state; ordering is enforced by the timestamp watermark
// instead of a transition graph. Machine is not safe for concurrent use; the
// owning Session serializes access.
type Machine struct {
	fsm       *stateless.StateMachine
	lastAtMs  int64
	hasLastAt bool
}

// NewMachine returns a machine in StateReady.
func NewMachine() *Machine {
	fsm := stateless.NewStateMachine(StateReady)
	for _, s := range States {
		cfg := fsm.Configure(s)
		if s.Terminal() {
			continue
		}
		cfg.PermitDynamic(triggerStateChange, selectTarget)
	}
	return &Machine{fsm: fsm}
}

func selectTarget(_ context.Context, args ...any) (stateless.State, error) {
	if len(args) != 1 {
		return nil, errors.New("state change requires exactly one target state")
	}
	target, ok := args[0].(State)
	if !ok {
		return nil, errors.New("state change target is not a session.State")
	}
	return target, nil
}

// State returns the current state.
func (m *Machine) State() State {
	return m.fsm.MustState().(State)
}

// LastAt returns the timestamp (epoch ms) of the last accepted timestamped
// transition, or 0 when none was accepted yet. See HasLastAt.
func (m *Machine) LastAt() int64 {
	return m.lastAtMs
}

// HasLastAt reports whether any timestamped transition was accepted.
func (m *Machine) HasLastAt() bool {
	return m.hasLastAt
}

// Apply moves the machine to target unless atMs is at or before the last
// accepted timestamp. Any value counts, zero and negatives included.
func (m *Machine) Apply(target State, atMs int64) (Outcome, error) {
	return m.apply(target, atMs, true)
}

// ApplyUntimed moves the machine to target for an event that carried no
// timestamp. It is never stale and leaves the watermark alone.
func (m *Machine) ApplyUntimed(target State) (Outcome, error) {
	return m.apply(target, 0, false)
}

func (m *Machine) apply(target State, atMs int64, timed bool) (Outcome, error) {
	if timed && m.hasLastAt && atMs <= m.lastAtMs {
		return OutcomeStale, nil
	}
	if m.State().Terminal() {
		return OutcomeTerminal, nil
	}
	if err := m.fsm.Fire(triggerStateChange, target); err != nil {
		return "", err
	}
	if timed {
		m.lastAtMs = atMs
		m.hasLastAt = true
	}
	return OutcomeApplied, nil
}
