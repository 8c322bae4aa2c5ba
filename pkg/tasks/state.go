package tasks

import (
	"fmt"
	"strings"
)

// State is a lifecycle state. The ordinal order is meaningful: final states sort last.
type State int

const (
	StateCreated State = iota
	StateQueued
	StateRunning
	StateCancelled
	StateError
	StateDone
)

var stateNames = [...]string{"CREATED", "QUEUED", "RUNNING", "CANCELLED", "ERROR", "DONE"}

// AllStates lists every state in ordinal order.
var AllStates = []State{StateCreated, StateQueued, StateRunning, StateCancelled, StateError, StateDone}

// FinalStates are the states no event may leave, except a requeue of CANCELLED.
var FinalStates = []State{StateCancelled, StateError, StateDone}

// NonFinalStates are the states targeted by stop operations.
var NonFinalStates = []State{StateCreated, StateQueued, StateRunning}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// IsFinal reports whether s is DONE, ERROR or CANCELLED.
func (s State) IsFinal() bool {
	return s >= StateCancelled && s <= StateDone
}

func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("invalid state %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState parses a state name, case-insensitively.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", name)
}
