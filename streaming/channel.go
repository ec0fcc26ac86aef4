package streaming

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ChannelSource is a buffered EventSource fed by an in-process producer.
type ChannelSource struct {
	conversationID string
	agentID        string

	ch       chan Event
	closed   chan struct{}
	finished chan struct{}

	// seq is shared by every source of the same agent in a ChannelHub.
	seq *atomic.Uint64

	emitMu  sync.Mutex
	ended   atomic.Bool
	once    sync.Once
	onClose func()
}

var (
	_ EventSource = (*ChannelSource)(nil)
	_ Drainer     = (*ChannelSource)(nil)
)

// NewChannelSource creates a source holding up to buffer undelivered events.
func NewChannelSource(conversationID, agentID string, buffer int) *ChannelSource {
	return newChannelSource(conversationID, agentID, buffer, new(atomic.Uint64))
}

func newChannelSource(conversationID, agentID string, buffer int, seq *atomic.Uint64) *ChannelSource {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSource{
		conversationID: conversationID,
		agentID:        agentID,
		ch:             make(chan Event, buffer),
		closed:         make(chan struct{}),
		finished:       make(chan struct{}),
		seq:            seq,
	}
}

// Emit appends an event with the next sequence number. It blocks while the
// buffer is full. A failed Emit leaves a gap in the sequence.
func (s *ChannelSource) Emit(ctx context.Context, typ EventType, data string) (Event, error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	ev := Event{
		ConversationID: s.conversationID,
		AgentID:        s.agentID,
		Type:           typ,
		Data:           data,
		At:             time.Now(),
	}
	if err := s.ready(); err != nil {
		return Event{}, err
	}
	ev.Seq = s.seq.Add(1)
	if err := s.send(ctx, ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Push appends an event that already carries its sequence number.
func (s *ChannelSource) Push(ctx context.Context, ev Event) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if ev.AgentID == "" {
		ev.AgentID = s.agentID
	}
	if ev.ConversationID == "" {
		ev.ConversationID = s.conversationID
	}
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.send(ctx, ev); err != nil {
		return err
	}
	for {
		cur := s.seq.Load()
		if ev.Seq <= cur || s.seq.CompareAndSwap(cur, ev.Seq) {
			return nil
		}
	}
}

// ready must be called with emitMu held.
func (s *ChannelSource) ready() error {
	if s.ended.Load() {
		return ErrSourceClosed
	}
	select {
	case <-s.closed:
		return ErrSourceClosed
	default:
		return nil
	}
}

func (s *ChannelSource) send(ctx context.Context, ev Event) error {
	select {
	case s.ch <- ev:
		return nil
	case <-s.closed:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish marks the end of the producer's stream. Buffered events are still
// delivered before Next reports io.EOF.
func (s *ChannelSource) Finish() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.ended.Load() {
		s.ended.Store(true)
		close(s.finished)
	}
}

// Next implements EventSource.
func (s *ChannelSource) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	default:
	}

	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.finished:
		select {
		case ev := <-s.ch:
			return ev, nil
		default:
			return Event{}, io.EOF
		}
	case <-s.closed:
		return Event{}, ErrSourceClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *ChannelSource) isEnded() bool {
	return s.ended.Load()
}

// Drain returns the events buffered so far without blocking.
func (s *ChannelSource) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-s.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Close releases the source. Blocked producers get ErrSourceClosed.
func (s *ChannelSource) Close() error {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		close(s.closed)
	})
	return nil
}

// LastSeq returns the highest sequence number handed out so far.
func (s *ChannelSource) LastSeq() uint64 {
	return s.seq.Load()
}

type hubKey struct {
	conversationID string
	agentID        string
}

// ChannelHub keeps one ChannelSource per agent and conversation. Producers
// emit through the hub whether or not their turn has started; events are
// buffered until the StreamRouter opens the source. Sequence numbers keep
// increasing across turns.
type ChannelHub struct {
	buffer int

	mu      sync.Mutex
	sources map[hubKey]*ChannelSource
	seqs    map[hubKey]*atomic.Uint64
}

var _ SourceFactory = (*ChannelHub)(nil)

// NewChannelHub creates a hub whose sources buffer up to buffer events.
func NewChannelHub(buffer int) *ChannelHub {
	return &ChannelHub{
		buffer:  buffer,
		sources: make(map[hubKey]*ChannelSource),
		seqs:    make(map[hubKey]*atomic.Uint64),
	}
}

// Open implements SourceFactory.
func (h *ChannelHub) Open(_ context.Context, conversationID, agentID string) (EventSource, error) {
	return h.source(conversationID, agentID, false), nil
}

// Emit writes an event to the agent's current source.
func (h *ChannelHub) Emit(ctx context.Context, conversationID, agentID string, typ EventType, data string) (Event, error) {
	ev, err := h.source(conversationID, agentID, true).Emit(ctx, typ, data)
	if errors.Is(err, ErrSourceClosed) {
		// The router closed the source between lookup and send.
		return h.source(conversationID, agentID, true).Emit(ctx, typ, data)
	}
	return ev, err
}

// Finish ends the agent's current stream.
func (h *ChannelHub) Finish(conversationID, agentID string) {
	h.mu.Lock()
	s, ok := h.sources[hubKey{conversationID, agentID}]
	h.mu.Unlock()
	if ok {
		s.Finish()
	}
}

// Forget drops every source of a conversation.
func (h *ChannelHub) Forget(conversationID string) {
	h.mu.Lock()
	var open []*ChannelSource
	for k, s := range h.sources {
		if k.conversationID == conversationID {
			open = append(open, s)
			delete(h.sources, k)
		}
	}
	for k := range h.seqs {
		if k.conversationID == conversationID {
			delete(h.seqs, k)
		}
	}
	h.mu.Unlock()

	for _, s := range open {
		_ = s.Close()
	}
}

// source returns the agent's current source. A finished source is replaced
// when the caller wants to write; the router still drains and closes the old one.
func (h *ChannelHub) source(conversationID, agentID string, writable bool) *ChannelSource {
	key := hubKey{conversationID, agentID}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sources[key]; ok && (!writable || !s.isEnded()) {
		return s
	}
	seq, ok := h.seqs[key]
	if !ok {
		seq = new(atomic.Uint64)
		h.seqs[key] = seq
	}
	s := newChannelSource(conversationID, agentID, h.buffer, seq)
	s.onClose = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.sources[key] == s {
			delete(h.sources, key)
		}
	}
	h.sources[key] = s
	return s
}
