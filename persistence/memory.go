package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/agentorch/task"
)

// MemoryStore is an in-memory TaskRepository and ConversationRepository.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*task.Task
	handoffs map[string][]HandoffRecord
}

var (
	_ TaskRepository         = (*MemoryStore)(nil)
	_ ConversationRepository = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*task.Task),
		handoffs: make(map[string][]HandoffRecord),
	}
}

func (s *MemoryStore) CreateTask(_ context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) SaveTask(_ context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := t.Clone()
	if old, ok := s.tasks[t.ID]; ok {
		stored.Messages = old.Messages
	} else {
		stored.Messages = nil
	}
	s.tasks[t.ID] = stored
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, taskID string, m task.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	// Copy through Clone so the caller's parts are not shared.
	tmp := &task.Task{Messages: []task.Message{m}}
	t.Messages = append(t.Messages, tmp.Clone().Messages[0])
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) AppendHandoff(_ context.Context, rec HandoffRecord) error {
	if rec.ConversationID == "" {
		return ErrInvalidInput
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoffs[rec.ConversationID] = append(s.handoffs[rec.ConversationID], rec)
	return nil
}

func (s *MemoryStore) ListHandoffs(_ context.Context, conversationID string) ([]HandoffRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]HandoffRecord(nil), s.handoffs[conversationID]...), nil
}
