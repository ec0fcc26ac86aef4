package handoff

import (
	"fmt"
	"time"

	"github.com/BaSui01/agentorch/types"
)

// State is the ownership state of a conversation.
type State string

const (
	StateOwnedByPrimary  State = "OWNED_BY_PRIMARY"
	StateHandedOff       State = "HANDED_OFF"
	StateHandedOffNested State = "HANDED_OFF_NESTED"
	StateReturned        State = "RETURNED"
)

// Operation names a handoff transition.
type Operation string

const (
	OpStart    Operation = "start"
	OpInitiate Operation = "initiate"
	OpNest     Operation = "nest"
	OpReturn   Operation = "return"
	OpEnd      Operation = "end"
)

// Session is a snapshot of one conversation's ownership.
type Session struct {
	ConversationID string    `json:"conversation_id"`
	Primary        string    `json:"primary"`
	State          State     `json:"state"`
	Stack          []string  `json:"stack,omitempty"`
	Version        int       `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Owner returns the agent currently holding the turn.
func (s *Session) Owner() string {
	if n := len(s.Stack); n > 0 {
		return s.Stack[n-1]
	}
	return s.Primary
}

// ReturnAddress returns the agent that resumes when the current owner returns.
// It is empty while the primary owns the conversation.
func (s *Session) ReturnAddress() string {
	switch n := len(s.Stack); {
	case n == 0:
		return ""
	case n == 1:
		return s.Primary
	default:
		return s.Stack[n-2]
	}
}

// Depth is the number of active handoffs.
func (s *Session) Depth() int { return len(s.Stack) }

func (s *Session) clone() *Session {
	c := *s
	c.Stack = append([]string(nil), s.Stack...)
	return &c
}

// TransitionError reports a handoff operation that is not legal in the current state.
type TransitionError struct {
	ConversationID string
	Op             Operation
	From           State
	Reason         string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("handoff %s on %s from %s: %s", e.Op, e.ConversationID, e.From, e.Reason)
	}
	return fmt.Sprintf("handoff %s on %s not allowed from %s", e.Op, e.ConversationID, e.From)
}

// Unwrap exposes the INVALID_TRANSITION code to types.GetErrorCode.
func (e *TransitionError) Unwrap() error {
	return types.NewError(types.ErrInvalidTransition, e.Error())
}

// apply computes the next session for op on a copy of s.
func (s *Session) apply(op Operation, target string) (*Session, error) {
	next := s.clone()
	fail := func(reason string) error {
		return &TransitionError{ConversationID: s.ConversationID, Op: op, From: s.State, Reason: reason}
	}

	switch op {
	case OpInitiate:
		if s.State != StateOwnedByPrimary && s.State != StateReturned {
			return nil, fail("")
		}
		if err := checkTarget(s, target); err != nil {
			return nil, fail(err.Error())
		}
		next.Stack = append(next.Stack, target)
		next.State = StateHandedOff
	case OpNest:
		if s.State != StateHandedOff && s.State != StateHandedOffNested {
			return nil, fail("")
		}
		if err := checkTarget(s, target); err != nil {
			return nil, fail(err.Error())
		}
		next.Stack = append(next.Stack, target)
		next.State = StateHandedOffNested
	case OpReturn:
		if len(s.Stack) == 0 {
			return nil, fail("nothing to return from")
		}
		next.Stack = next.Stack[:len(next.Stack)-1]
		if len(next.Stack) == 0 {
			next.State = StateOwnedByPrimary
		} else {
			next.State = StateHandedOff
		}
	default:
		return nil, fail("unknown operation")
	}

	next.Version++
	next.UpdatedAt = time.Now()
	return next, nil
}

func checkTarget(s *Session, target string) error {
	if target == "" {
		return fmt.Errorf("empty target agent")
	}
	if target == s.Owner() {
		return fmt.Errorf("agent %s already owns the conversation", target)
	}
	return nil
}
