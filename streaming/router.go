package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/handoff"
	"github.com/BaSui01/agentorch/internal/metrics"
)

// StreamRouter relays the events of whichever agent holds a conversation's
// turn to a single consumer.
type StreamRouter struct {
	conversationID string
	handoffs       *handoff.Manager
	factory        SourceFactory
	consumer       Consumer
	metrics        *metrics.Collector
	logger         *zap.Logger

	running atomic.Bool

	// Handoff events queue up in order; listeners must not block.
	mu      sync.Mutex
	pending []handoff.Event
	notify  chan struct{}

	delivered map[string]uint64
}

// Option configures a StreamRouter.
type Option func(*StreamRouter)

// WithMetrics counts delivered and suppressed events.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *StreamRouter) { r.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *StreamRouter) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewStreamRouter creates a router for one conversation.
func NewStreamRouter(conversationID string, h *handoff.Manager, f SourceFactory, c Consumer, opts ...Option) *StreamRouter {
	r := &StreamRouter{
		conversationID: conversationID,
		handoffs:       h,
		factory:        f,
		consumer:       c,
		logger:         zap.NewNop(),
		notify:         make(chan struct{}, 1),
		delivered:      make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(
		zap.String("component", "stream_router"),
		zap.String("conversation_id", conversationID))
	return r
}

// Run routes events until the conversation ends, ctx is done or the consumer
// fails. Ending the conversation returns nil.
func (r *StreamRouter) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRouterRunning
	}
	defer r.running.Store(false)

	unsubscribe := r.handoffs.Subscribe(r.conversationID, r.enqueue)
	defer unsubscribe()

	owner, err := r.handoffs.Current(r.conversationID)
	if err != nil {
		return err
	}

	for {
		src, err := r.factory.Open(ctx, r.conversationID, owner)
		if err != nil {
			return fmt.Errorf("open stream of %s: %w", owner, err)
		}
		r.logger.Debug("stream opened", zap.String("agent_id", owner))

		next, ended, err := r.pump(ctx, owner, src)
		if cerr := src.Close(); cerr != nil {
			r.logger.Warn("close stream", zap.String("agent_id", owner), zap.Error(cerr))
		}
		if err != nil {
			return err
		}
		if ended {
			r.logger.Debug("conversation ended, stream router stopped")
			return nil
		}
		r.logger.Info("stream switched",
			zap.String("from", owner),
			zap.String("to", next))
		owner = next
	}
}

// pump delivers src until the turn moves on. It returns the next owner, or
// ended when the conversation finished.
func (r *StreamRouter) pump(ctx context.Context, owner string, src EventSource) (string, bool, error) {
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	events := make(chan Event)
	readErr := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			ev, err := src.Next(readCtx)
			if err != nil {
				readErr <- err
				return
			}
			// Always handed over; the caller drains events until closed.
			events <- ev
		}
	}()

	// finish stops the reader and delivers what it and the source still hold.
	finish := func() error {
		stopReading()
		var deliverErr error
		for ev := range events {
			if deliverErr == nil {
				deliverErr = r.deliver(ctx, ev)
			}
		}
		if deliverErr != nil {
			return deliverErr
		}
		if d, ok := src.(Drainer); ok {
			for _, ev := range d.Drain() {
				if err := r.deliver(ctx, ev); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for {
		// A transition queued before this turn started is handled first.
		if ev, ok := r.dequeue(owner); ok {
			if err := finish(); err != nil {
				return "", false, err
			}
			return ev.To, ev.Op == handoff.OpEnd, nil
		}

		select {
		case ev, ok := <-events:
			if !ok {
				err := <-readErr
				if errors.Is(err, io.EOF) {
					// The agent finished; wait for the turn to move on.
					return r.awaitSwitch(ctx, owner)
				}
				if ctx.Err() != nil {
					return "", false, ctx.Err()
				}
				return "", false, fmt.Errorf("stream of %s: %w", owner, err)
			}
			if err := r.deliver(ctx, ev); err != nil {
				stopReading()
				for range events {
				}
				return "", false, err
			}
		case <-r.notify:
		case <-ctx.Done():
			stopReading()
			for range events {
			}
			return "", false, ctx.Err()
		}
	}
}

func (r *StreamRouter) awaitSwitch(ctx context.Context, owner string) (string, bool, error) {
	for {
		if ev, ok := r.dequeue(owner); ok {
			return ev.To, ev.Op == handoff.OpEnd, nil
		}
		select {
		case <-r.notify:
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

// deliver forwards ev unless its (agent, seq) was already delivered.
func (r *StreamRouter) deliver(ctx context.Context, ev Event) error {
	if ev.Seq != 0 && ev.Seq <= r.delivered[ev.AgentID] {
		r.metrics.RecordStreamDuplicate(ev.AgentID)
		r.logger.Debug("duplicate event suppressed",
			zap.String("agent_id", ev.AgentID),
			zap.Uint64("seq", ev.Seq))
		return nil
	}
	if ev.ConversationID == "" {
		ev.ConversationID = r.conversationID
	}
	if err := r.consumer.Deliver(ctx, ev); err != nil {
		return fmt.Errorf("deliver event: %w", err)
	}
	if ev.Seq > r.delivered[ev.AgentID] {
		r.delivered[ev.AgentID] = ev.Seq
	}
	r.metrics.RecordStreamEvent(ev.AgentID)
	return nil
}

func (r *StreamRouter) enqueue(ev handoff.Event) {
	r.mu.Lock()
	r.pending = append(r.pending, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// dequeue pops the next transition that changes who streams. Transitions
// that leave owner in place are dropped.
func (r *StreamRouter) dequeue(owner string) (handoff.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.pending) > 0 {
		ev := r.pending[0]
		r.pending = r.pending[1:]
		if ev.Op == handoff.OpEnd || ev.To != owner {
			return ev, true
		}
	}
	return handoff.Event{}, false
}
