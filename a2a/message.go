package a2a

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentorch/orchestration"
	"github.com/BaSui01/agentorch/task"
)

// MessageType classifies A2A messages.
type MessageType string

const (
	MessageTypeTask   MessageType = "task"
	MessageTypeResult MessageType = "result"
	MessageTypeError  MessageType = "error"
	MessageTypeCancel MessageType = "cancel"
)

// IsValid reports whether t is a known message type.
func (t MessageType) IsValid() bool {
	switch t {
	case MessageTypeTask, MessageTypeResult, MessageTypeError, MessageTypeCancel:
		return true
	}
	return false
}

// Message is one A2A envelope.
type Message struct {
	ID             string          `json:"id"`
	Type           MessageType     `json:"type"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	ReplyTo        string          `json:"reply_to,omitempty"`
}

// TaskPayload carries one delegate attempt.
type TaskPayload struct {
	TaskID     string                      `json:"task_id"`
	RootTaskID string                      `json:"root_task_id,omitempty"`
	Input      string                      `json:"input"`
	Prior      []orchestration.PriorOutput `json:"prior,omitempty"`
	Attempt    int                         `json:"attempt"`
}

// ResultPayload is a successful reply.
type ResultPayload struct {
	Output    string          `json:"output"`
	Artifacts []task.Artifact `json:"artifacts,omitempty"`
}

// ErrorPayload is a failed reply. Retryable failures are worth another attempt.
type ErrorPayload struct {
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NewMessage creates a message with a fresh id and the current time.
func NewMessage(typ MessageType, from, to string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      typ,
		From:      from,
		To:        to,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Reply creates a response addressed back to the sender of m.
func (m *Message) Reply(typ MessageType, payload any) (*Message, error) {
	r, err := NewMessage(typ, m.To, m.From, payload)
	if err != nil {
		return nil, err
	}
	r.ConversationID = m.ConversationID
	r.ReplyTo = m.ID
	return r, nil
}

// Validate checks the envelope.
func (m *Message) Validate() error {
	switch {
	case m.ID == "":
		return ErrMessageMissingID
	case !m.Type.IsValid():
		return ErrMessageInvalidType
	case m.From == "":
		return ErrMessageMissingFrom
	case m.To == "":
		return ErrMessageMissingTo
	case m.Timestamp.IsZero():
		return ErrMessageMissingTimestamp
	}
	return nil
}

// Decode unmarshals the payload of m into T.
func Decode[T any](m *Message) (T, error) {
	var v T
	if len(m.Payload) == 0 {
		return v, fmt.Errorf("%w: empty %s payload", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return v, nil
}
