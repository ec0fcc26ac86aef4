package task

import (
	"fmt"

	"github.com/BaSui01/agentorch/types"
)

// State is the lifecycle state of a Task.
type State string

const (
	StateSubmitted     State = "SUBMITTED"
	StateWorking       State = "WORKING"
	StateInputRequired State = "INPUT_REQUIRED"
	StateCompleted     State = "COMPLETED"
	StateFailed        State = "FAILED"
	StateCancelled     State = "CANCELLED"
)

// validTransitions lists the legal next states of each non-terminal state.
var validTransitions = map[State][]State{
	StateSubmitted:     {StateWorking, StateFailed, StateCancelled},
	StateWorking:       {StateInputRequired, StateCompleted, StateFailed, StateCancelled},
	StateInputRequired: {StateWorking, StateFailed, StateCancelled}, // waiting for input is not a regression
	StateCompleted:     {},
	StateFailed:        {},
	StateCancelled:     {},
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{StateSubmitted, StateWorking, StateInputRequired, StateCompleted, StateFailed, StateCancelled}
}

// IsTerminal returns true if no further messages or transitions are allowed.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

func (s State) String() string { return string(s) }

// CanTransition reports whether moving from s to next is legal.
func CanTransition(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransition builds the contract-violation error for from -> to.
func InvalidTransition(taskID string, from, to State) *types.Error {
	return types.NewError(types.ErrInvalidTransition,
		fmt.Sprintf("task %s: invalid state transition %s -> %s", taskID, from, to))
}
