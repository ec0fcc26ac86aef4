package streaming

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSourceClosed is returned by Emit and Next after a source was closed.
	ErrSourceClosed = errors.New("streaming: source closed")
	// ErrRouterRunning is returned when Run is called twice.
	ErrRouterRunning = errors.New("streaming: router already running")
)

// EventType classifies stream events.
type EventType string

const (
	EventDelta    EventType = "delta"
	EventStatus   EventType = "status"
	EventArtifact EventType = "artifact"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event is one unit of streamed agent output.
type Event struct {
	ConversationID string    `json:"conversation_id,omitempty"`
	AgentID        string    `json:"agent_id"`
	TaskID         string    `json:"task_id,omitempty"`
	Seq            uint64    `json:"seq"`
	Type           EventType `json:"type"`
	Data           string    `json:"data,omitempty"`
	At             time.Time `json:"at"`
}

// EventSource yields the events of one agent's turn.
//
// Next blocks until an event is available. It returns io.EOF once the agent
// finished its stream, and ctx.Err() when ctx is done. A Next call that
// returns an error must not have consumed an event.
type EventSource interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Drainer is implemented by sources that can hand over already buffered
// events without blocking.
type Drainer interface {
	Drain() []Event
}

// SourceFactory opens the event source of agentID in a conversation.
type SourceFactory interface {
	Open(ctx context.Context, conversationID, agentID string) (EventSource, error)
}

// SourceFactoryFunc adapts a function to SourceFactory.
type SourceFactoryFunc func(ctx context.Context, conversationID, agentID string) (EventSource, error)

func (f SourceFactoryFunc) Open(ctx context.Context, conversationID, agentID string) (EventSource, error) {
	return f(ctx, conversationID, agentID)
}

// Consumer receives routed events in delivery order.
type Consumer interface {
	Deliver(ctx context.Context, ev Event) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, ev Event) error

func (f ConsumerFunc) Deliver(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
