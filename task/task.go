package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentorch/types"
)

// ErrTerminal is returned when a terminal task is asked to accept more messages or artifacts.
var ErrTerminal = errors.New("task is terminal")

// StateChange records one observed transition.
type StateChange struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Task is one tracked unit of agent work.
type Task struct {
	ID        string            `json:"id"`
	ParentID  string            `json:"parent_id,omitempty"`
	AgentID   string            `json:"agent_id"`
	ContextID string            `json:"context_id,omitempty"`
	State     State             `json:"state"`
	Messages  []Message         `json:"messages,omitempty"`
	Artifacts []Artifact        `json:"artifacts,omitempty"`
	Error     *TaskError        `json:"error,omitempty"`
	History   []StateChange     `json:"history,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// New creates a SUBMITTED task.
func New(id, parentID, agentID string) *Task {
	now := time.Now()
	return &Task{
		ID:        id,
		ParentID:  parentID,
		AgentID:   agentID,
		State:     StateSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.State.IsTerminal()
}

// IsRoot reports whether the task has no parent.
func (t *Task) IsRoot() bool {
	return t.ParentID == ""
}

// Transition moves the task to a new state.
// Entering FAILED requires a non-nil taskErr; taskErr is ignored for non-terminal targets.
func (t *Task) Transition(to State, taskErr *TaskError) error {
	if !CanTransition(t.State, to) {
		return InvalidTransition(t.ID, t.State, to)
	}
	if to == StateFailed && taskErr == nil {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("task %s: transition to FAILED requires a task error", t.ID))
	}

	now := time.Now()
	t.History = append(t.History, StateChange{From: t.State, To: to, At: now})
	t.State = to
	t.UpdatedAt = now
	if to.IsTerminal() && taskErr != nil {
		t.Error = taskErr.clone()
	}
	return nil
}

// AppendMessage appends a message. Timestamps never go backwards within a task.
func (t *Task) AppendMessage(m Message) error {
	if t.IsTerminal() {
		return fmt.Errorf("append message to %s: %w", t.ID, ErrTerminal)
	}
	m = m.clone()
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if n := len(t.Messages); n > 0 && m.Timestamp.Before(t.Messages[n-1].Timestamp) {
		m.Timestamp = t.Messages[n-1].Timestamp
	}
	t.Messages = append(t.Messages, m)
	t.UpdatedAt = time.Now()
	return nil
}

// AttachArtifact attaches a copy of the artifact.
func (t *Task) AttachArtifact(a Artifact) error {
	if t.IsTerminal() {
		return fmt.Errorf("attach artifact to %s: %w", t.ID, ErrTerminal)
	}
	a = a.clone()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	t.Artifacts = append(t.Artifacts, a)
	t.UpdatedAt = time.Now()
	return nil
}

// LastMessage returns the most recent message, if any.
func (t *Task) LastMessage() (Message, bool) {
	if len(t.Messages) == 0 {
		return Message{}, false
	}
	return t.Messages[len(t.Messages)-1], true
}

// Clone returns a deep copy safe to hand to other goroutines.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Messages != nil {
		c.Messages = make([]Message, len(t.Messages))
		for i, m := range t.Messages {
			c.Messages[i] = m.clone()
		}
	}
	if t.Artifacts != nil {
		c.Artifacts = make([]Artifact, len(t.Artifacts))
		for i, a := range t.Artifacts {
			c.Artifacts[i] = a.clone()
		}
	}
	if t.History != nil {
		c.History = append([]StateChange(nil), t.History...)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Error = t.Error.clone()
	return &c
}
