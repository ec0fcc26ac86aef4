package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/registry"
)

// WebSocketSource reads JSON events pushed by a remote agent. A read loop
// buffers incoming frames so a handoff can drain them without blocking.
type WebSocketSource struct {
	conn   *websocket.Conn
	buf    *ChannelSource
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger

	mu      sync.Mutex
	readErr error
}

var (
	_ EventSource = (*WebSocketSource)(nil)
	_ Drainer     = (*WebSocketSource)(nil)
)

// NewWebSocketSource starts reading events from conn.
func NewWebSocketSource(conn *websocket.Conn, conversationID, agentID string, buffer int, logger *zap.Logger) *WebSocketSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &WebSocketSource{
		conn:   conn,
		buf:    NewChannelSource(conversationID, agentID, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger.With(
			zap.String("component", "websocket_source"),
			zap.String("agent_id", agentID)),
	}
	go s.readLoop(ctx)
	return s
}

// DialWebSocketSource connects to a remote agent's event stream.
func DialWebSocketSource(ctx context.Context, endpoint, conversationID, agentID string, buffer int, logger *zap.Logger) (*WebSocketSource, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return NewWebSocketSource(conn, conversationID, agentID, buffer, logger), nil
}

func (s *WebSocketSource) readLoop(ctx context.Context) {
	defer close(s.done)
	defer s.buf.Finish()

	for {
		var ev Event
		if err := wsjson.Read(ctx, s.conn, &ev); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			s.logger.Warn("event stream read failed", zap.Error(err))
			return
		}
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		if err := s.buf.Push(ctx, ev); err != nil {
			return
		}
	}
}

// Next implements EventSource. A broken connection surfaces once the
// buffered events are consumed.
func (s *WebSocketSource) Next(ctx context.Context) (Event, error) {
	ev, err := s.buf.Next(ctx)
	if errors.Is(err, io.EOF) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.readErr != nil {
			return Event{}, fmt.Errorf("event stream: %w", s.readErr)
		}
	}
	return ev, err
}

// Drain implements Drainer.
func (s *WebSocketSource) Drain() []Event {
	return s.buf.Drain()
}

// Close stops the read loop and closes the connection.
func (s *WebSocketSource) Close() error {
	// Unblock a read loop waiting on a full buffer first.
	_ = s.buf.Close()
	err := s.conn.Close(websocket.StatusNormalClosure, "turn ended")
	s.cancel()
	<-s.done
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("close event stream", zap.Error(err))
	}
	return nil
}

// WebSocketFactory opens WebSocketSources for agents registered with an
// endpoint. The stream lives at the endpoint's Path with the conversation id
// as a query parameter.
type WebSocketFactory struct {
	Registry registry.AgentRegistry
	Path     string
	Buffer   int
	Logger   *zap.Logger
}

var _ SourceFactory = (*WebSocketFactory)(nil)

// Open implements SourceFactory.
func (f *WebSocketFactory) Open(ctx context.Context, conversationID, agentID string) (EventSource, error) {
	identity, err := f.Registry.Lookup(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if identity.Endpoint == "" {
		return nil, fmt.Errorf("agent %s has no stream endpoint", agentID)
	}
	endpoint, err := StreamURL(identity.Endpoint, f.Path, conversationID)
	if err != nil {
		return nil, err
	}
	return DialWebSocketSource(ctx, endpoint, conversationID, agentID, f.Buffer, f.Logger)
}

// StreamURL derives the WebSocket URL of an agent's event stream from its
// HTTP endpoint.
func StreamURL(endpoint, path, conversationID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if path == "" {
		path = "/a2a/stream"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	q := u.Query()
	q.Set("conversation_id", conversationID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// WebSocketConsumer writes routed events to a caller's connection as JSON
// text frames. Writes are serialized; the connection allows one writer.
type WebSocketConsumer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var _ Consumer = (*WebSocketConsumer)(nil)

// NewWebSocketConsumer wraps an accepted connection.
func NewWebSocketConsumer(conn *websocket.Conn) *WebSocketConsumer {
	return &WebSocketConsumer{conn: conn}
}

// Deliver implements Consumer.
func (c *WebSocketConsumer) Deliver(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wsjson.Write(ctx, c.conn, ev); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}
