package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/agentorch/task"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

// TaskRepository stores tasks. Implementations must be safe for concurrent use.
type TaskRepository interface {
	// CreateTask stores a new task. It fails with ErrAlreadyExists for a known id.
	CreateTask(ctx context.Context, t *task.Task) error

	// SaveTask updates state, artifacts, error, history and metadata.
	// Messages are left untouched; use AppendMessage.
	SaveTask(ctx context.Context, t *task.Task) error

	// AppendMessage appends one message to the task's message log.
	AppendMessage(ctx context.Context, taskID string, m task.Message) error

	// GetTask returns the task with all messages, or ErrNotFound.
	GetTask(ctx context.Context, id string) (*task.Task, error)
}

// HandoffRecord is one audited handoff transition.
type HandoffRecord struct {
	ConversationID string    `json:"conversation_id"`
	Operation      string    `json:"operation"`
	FromAgent      string    `json:"from_agent"`
	ToAgent        string    `json:"to_agent"`
	State          string    `json:"state"`
	Depth          int       `json:"depth"`
	At             time.Time `json:"at"`
}

// ConversationRepository stores the handoff audit trail of conversations.
type ConversationRepository interface {
	AppendHandoff(ctx context.Context, rec HandoffRecord) error
	ListHandoffs(ctx context.Context, conversationID string) ([]HandoffRecord, error)
}
