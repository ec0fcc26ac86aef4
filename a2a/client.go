package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/internal/ctxkeys"
	"github.com/BaSui01/agentorch/internal/tlsutil"
	"github.com/BaSui01/agentorch/registry"
	"github.com/BaSui01/agentorch/types"
)

// maxReplySize bounds the body read from a remote agent.
const maxReplySize = 4 << 20

// A2AClient performs remote agent calls.
type A2AClient interface {
	// Discover fetches the AgentCard served at endpoint.
	Discover(ctx context.Context, endpoint string) (*AgentCard, error)
	// Send delivers msg to msg.To and returns the reply.
	Send(ctx context.Context, msg *Message) (*Message, error)
}

// ClientConfig configures HTTPClient.
type ClientConfig struct {
	// Timeout bounds one HTTP exchange. The scheduler's per-attempt timeout
	// still applies; the narrower one wins.
	Timeout time.Duration
	// CardTTL is how long discovered cards are cached.
	CardTTL time.Duration
	Headers map[string]string
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout: 30 * time.Second,
		CardTTL: 5 * time.Minute,
	}
}

type cachedCard struct {
	card      *AgentCard
	expiresAt time.Time
}

// HTTPClient is the HTTP implementation of A2AClient. It never retries;
// failures come back classified so the scheduler can decide.
type HTTPClient struct {
	config     ClientConfig
	httpClient *http.Client
	registry   registry.AgentRegistry
	logger     *zap.Logger

	cacheMu   sync.RWMutex
	cardCache map[string]cachedCard
}

var _ A2AClient = (*HTTPClient)(nil)

// NewHTTPClient creates a client. reg resolves agent ids to endpoints; a
// message addressed to an http(s) URL is sent there directly.
func NewHTTPClient(cfg ClientConfig, reg registry.AgentRegistry, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CardTTL <= 0 {
		cfg.CardTTL = DefaultClientConfig().CardTTL
	}
	return &HTTPClient{
		config:     cfg,
		httpClient: tlsutil.AgentHTTPClient(cfg.Timeout),
		registry:   reg,
		logger:     logger.With(zap.String("component", "a2a_client")),
		cardCache:  make(map[string]cachedCard),
	}
}

// Discover implements A2AClient.
func (c *HTTPClient) Discover(ctx context.Context, endpoint string) (*AgentCard, error) {
	if endpoint == "" {
		return nil, types.Rejected("discover: empty endpoint")
	}
	c.cacheMu.RLock()
	cached, ok := c.cardCache[endpoint]
	c.cacheMu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.card, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(endpoint, "/")+"/.well-known/agent.json", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	body, err := c.do(ctx, req, endpoint)
	if err != nil {
		return nil, err
	}

	var card AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := card.Validate(); err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	c.cardCache[endpoint] = cachedCard{card: &card, expiresAt: time.Now().Add(c.config.CardTTL)}
	c.cacheMu.Unlock()
	return &card, nil
}

// Send implements A2AClient. Transport failures are mapped onto types codes;
// an error reply from the agent is returned as a message for the caller to
// interpret.
func (c *HTTPClient) Send(ctx context.Context, msg *Message) (*Message, error) {
	if msg == nil {
		return nil, types.Rejected("send: nil message")
	}
	if err := msg.Validate(); err != nil {
		return nil, types.Rejected(err.Error()).WithAgent(msg.To)
	}
	endpoint, err := c.resolve(ctx, msg.To)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(endpoint, "/")+"/a2a/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	body, err := c.do(ctx, req, msg.To)
	if err != nil {
		c.logger.Debug("a2a send failed",
			zap.String("agent_id", msg.To),
			zap.String("message_id", msg.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	var reply Message
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, types.Transient("malformed reply", fmt.Errorf("%w: %v", ErrInvalidMessage, err)).WithAgent(msg.To)
	}
	if err := reply.Validate(); err != nil {
		return nil, types.Transient("malformed reply", err).WithAgent(msg.To)
	}
	if reply.ReplyTo != msg.ID {
		return nil, types.NewError(types.ErrInternalError,
			fmt.Sprintf("reply %s answers %q, want %q", reply.ID, reply.ReplyTo, msg.ID)).
			WithCause(ErrUnexpectedReply).WithAgent(msg.To)
	}
	c.logger.Debug("a2a send",
		zap.String("agent_id", msg.To),
		zap.String("message_id", msg.ID),
		zap.String("reply_type", string(reply.Type)),
		zap.Duration("duration", time.Since(start)))
	return &reply, nil
}

func (c *HTTPClient) resolve(ctx context.Context, to string) (string, error) {
	if strings.HasPrefix(to, "http://") || strings.HasPrefix(to, "https://") {
		return to, nil
	}
	if c.registry == nil {
		return "", types.Rejected(fmt.Sprintf("no endpoint for agent %s", to)).WithAgent(to)
	}
	identity, err := c.registry.Lookup(ctx, to)
	if err != nil {
		return "", types.Rejected(err.Error()).WithCause(fmt.Errorf("%w: %s", ErrAgentNotFound, to)).WithAgent(to)
	}
	if identity.Endpoint == "" {
		return "", types.Rejected(fmt.Sprintf("agent %s has no endpoint", to)).WithAgent(to)
	}
	return identity.Endpoint, nil
}

// do runs req and returns the body of a 2xx response.
func (c *HTTPClient) do(ctx context.Context, req *http.Request, agentID string) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	if id, ok := ctxkeys.RequestID(ctx); ok {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err, agentID)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, classifyTransport(ctx, err, agentID)
	}
	if err := classifyStatus(resp.StatusCode, body, agentID); err != nil {
		return nil, err
	}
	return body, nil
}

func classifyTransport(ctx context.Context, err error, agentID string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return types.NewError(types.ErrTimeout, fmt.Sprintf("agent %s did not answer in time", agentID)).
			WithCause(err).WithAgent(agentID)
	}
	return types.Transient(fmt.Sprintf("agent %s unreachable", agentID), err).WithAgent(agentID)
}

func classifyStatus(status int, body []byte, agentID string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := fmt.Sprintf("agent %s answered %d: %s", agentID, status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return types.Transient(msg, nil).WithAgent(agentID)
	default:
		return types.Rejected(msg).WithAgent(agentID)
	}
}
