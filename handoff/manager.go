package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/internal/keylock"
	"github.com/BaSui01/agentorch/internal/metrics"
	"github.com/BaSui01/agentorch/persistence"
	"github.com/BaSui01/agentorch/registry"
)

var (
	// ErrSessionNotFound is returned for unknown conversations.
	ErrSessionNotFound = errors.New("handoff: conversation not found")
	// ErrSessionExists is returned when a conversation is started twice.
	ErrSessionExists = errors.New("handoff: conversation already started")
)

// Event describes one committed transition.
type Event struct {
	ConversationID string    `json:"conversation_id"`
	Op             Operation `json:"op"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	State          State     `json:"state"`
	Depth          int       `json:"depth"`
	Version        int       `json:"version"`
	At             time.Time `json:"at"`
}

// Listener observes committed transitions. It runs while the conversation is
// locked, so it must not call back into the manager for the same conversation.
type Listener func(Event)

type subscription struct {
	conversationID string
	fn             Listener
}

// Manager owns the handoff sessions of all conversations.
type Manager struct {
	locks *keylock.Locker

	mu       sync.RWMutex
	sessions map[string]*Session

	subMu  sync.RWMutex
	subs   map[int]subscription
	subSeq int

	repo     persistence.ConversationRepository
	registry registry.AgentRegistry
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRepository writes every transition to the audit trail. A failed write
// fails the transition.
func WithRepository(repo persistence.ConversationRepository) Option {
	return func(m *Manager) { m.repo = repo }
}

// WithRegistry rejects handoffs to agents the registry does not know.
func WithRegistry(r registry.AgentRegistry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithMetrics counts transitions.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a handoff manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		locks:    keylock.New(),
		sessions: make(map[string]*Session),
		subs:     make(map[int]subscription),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "handoff_manager"))
	return m
}

// StartConversation creates a session owned by primary.
func (m *Manager) StartConversation(ctx context.Context, conversationID, primary string) (*Session, error) {
	if conversationID == "" || primary == "" {
		return nil, fmt.Errorf("handoff: conversation id and primary agent are required")
	}
	unlock := m.locks.Lock(conversationID)
	defer unlock()

	m.mu.RLock()
	_, exists := m.sessions[conversationID]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, conversationID)
	}

	s := &Session{
		ConversationID: conversationID,
		Primary:        primary,
		State:          StateOwnedByPrimary,
		UpdatedAt:      time.Now(),
	}
	ev := Event{
		ConversationID: conversationID,
		Op:             OpStart,
		To:             primary,
		State:          s.State,
		At:             s.UpdatedAt,
	}
	if err := m.audit(ctx, ev); err != nil {
		m.metrics.RecordHandoff(string(OpStart), false)
		return nil, err
	}

	m.mu.Lock()
	m.sessions[conversationID] = s
	m.mu.Unlock()

	m.metrics.RecordHandoff(string(OpStart), true)
	m.publish(ev)
	return s.clone(), nil
}

// InitiateHandoff hands the turn from the primary to target.
func (m *Manager) InitiateHandoff(ctx context.Context, conversationID, target string) (*Session, error) {
	return m.transition(ctx, conversationID, OpInitiate, target)
}

// NestHandoff lets the current delegate hand off to target, keeping its own
// return address on the stack.
func (m *Manager) NestHandoff(ctx context.Context, conversationID, target string) (*Session, error) {
	return m.transition(ctx, conversationID, OpNest, target)
}

// ReturnControl gives the turn back to whoever handed it off.
func (m *Manager) ReturnControl(ctx context.Context, conversationID string) (*Session, error) {
	return m.transition(ctx, conversationID, OpReturn, "")
}

// Current returns the agent that owns the conversation's turn.
func (m *Manager) Current(conversationID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[conversationID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, conversationID)
	}
	return s.Owner(), nil
}

// Session returns a snapshot of the conversation's session.
func (m *Manager) Session(conversationID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, conversationID)
	}
	return s.clone(), nil
}

// EndConversation drops the session. Listeners get an OpEnd event.
func (m *Manager) EndConversation(ctx context.Context, conversationID string) error {
	unlock := m.locks.Lock(conversationID)
	defer unlock()

	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	delete(m.sessions, conversationID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, conversationID)
	}

	ev := Event{
		ConversationID: conversationID,
		Op:             OpEnd,
		From:           s.Owner(),
		State:          s.State,
		Depth:          s.Depth(),
		Version:        s.Version,
		At:             time.Now(),
	}
	if err := m.audit(ctx, ev); err != nil {
		m.logger.Warn("audit end of conversation failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	m.publish(ev)
	return nil
}

// Subscribe registers fn for transitions of conversationID, or of every
// conversation when conversationID is empty. Call the returned function to stop.
func (m *Manager) Subscribe(conversationID string, fn Listener) func() {
	m.subMu.Lock()
	m.subSeq++
	id := m.subSeq
	m.subs[id] = subscription{conversationID: conversationID, fn: fn}
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Len returns the number of live conversations.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) transition(ctx context.Context, conversationID string, op Operation, target string) (*Session, error) {
	unlock := m.locks.Lock(conversationID)
	defer unlock()

	m.mu.RLock()
	cur, ok := m.sessions[conversationID]
	m.mu.RUnlock()
	if !ok {
		m.metrics.RecordHandoff(string(op), false)
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, conversationID)
	}

	if target != "" && m.registry != nil {
		if _, err := m.registry.Lookup(ctx, target); err != nil {
			m.metrics.RecordHandoff(string(op), false)
			return nil, &TransitionError{ConversationID: conversationID, Op: op, From: cur.State, Reason: err.Error()}
		}
	}

	next, err := cur.apply(op, target)
	if err != nil {
		m.metrics.RecordHandoff(string(op), false)
		m.logger.Debug("handoff rejected",
			zap.String("conversation_id", conversationID),
			zap.String("op", string(op)),
			zap.Error(err))
		return nil, err
	}

	ev := Event{
		ConversationID: conversationID,
		Op:             op,
		From:           cur.Owner(),
		To:             next.Owner(),
		State:          next.State,
		Depth:          next.Depth(),
		Version:        next.Version,
		At:             next.UpdatedAt,
	}
	if err := m.audit(ctx, ev); err != nil {
		m.metrics.RecordHandoff(string(op), false)
		return nil, err
	}

	m.mu.Lock()
	m.sessions[conversationID] = next
	m.mu.Unlock()

	m.metrics.RecordHandoff(string(op), true)
	m.logger.Info("handoff transition",
		zap.String("conversation_id", conversationID),
		zap.String("op", string(op)),
		zap.String("from", ev.From),
		zap.String("to", ev.To),
		zap.String("state", string(next.State)),
		zap.Int("depth", next.Depth()))
	m.publish(ev)
	return next.clone(), nil
}

func (m *Manager) audit(ctx context.Context, ev Event) error {
	if m.repo == nil {
		return nil
	}
	err := m.repo.AppendHandoff(ctx, persistence.HandoffRecord{
		ConversationID: ev.ConversationID,
		Operation:      string(ev.Op),
		FromAgent:      ev.From,
		ToAgent:        ev.To,
		State:          string(ev.State),
		Depth:          ev.Depth,
		At:             ev.At,
	})
	if err != nil {
		return fmt.Errorf("audit handoff %s on %s: %w", ev.Op, ev.ConversationID, err)
	}
	return nil
}

func (m *Manager) publish(ev Event) {
	m.subMu.RLock()
	var fns []Listener
	for _, s := range m.subs {
		if s.conversationID == "" || s.conversationID == ev.ConversationID {
			fns = append(fns, s.fn)
		}
	}
	m.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
