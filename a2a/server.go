package a2a

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/internal/ctxkeys"
	"github.com/BaSui01/agentorch/orchestration"
)

// ServerConfig configures Server.
type ServerConfig struct {
	// Timeout bounds one task execution; zero means no bound beyond the request.
	Timeout time.Duration
	// AuthToken, when set, is required as a bearer token.
	AuthToken    string
	MaxBodyBytes int64
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Timeout:      5 * time.Minute,
		MaxBodyBytes: 1 << 20,
	}
}

// Server exposes an orchestration.Invoker over the A2A HTTP protocol.
type Server struct {
	card    AgentCard
	invoker orchestration.Invoker
	config  ServerConfig
	logger  *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

var _ http.Handler = (*Server)(nil)

// NewServer creates a Server. The card must be valid.
func NewServer(card AgentCard, invoker orchestration.Invoker, cfg ServerConfig, logger *zap.Logger) (*Server, error) {
	if err := card.Validate(); err != nil {
		return nil, err
	}
	if invoker == nil {
		return nil, errors.New("a2a server: invoker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultServerConfig().MaxBodyBytes
	}
	return &Server{
		card:    card,
		invoker: invoker,
		config:  cfg,
		logger:  logger.With(zap.String("component", "a2a_server")),
		running: make(map[string]context.CancelFunc),
	}, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.config.AuthToken != "" && !s.authenticate(r) {
		s.writeError(w, http.StatusUnauthorized, errors.New("authentication failed"))
		return
	}

	if id := r.Header.Get("X-Request-ID"); id != "" {
		r = r.WithContext(ctxkeys.WithRequestID(r.Context(), id))
	}

	switch {
	case r.URL.Path == "/.well-known/agent.json" && r.Method == http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.card)
	case r.URL.Path == "/a2a/messages" && r.Method == http.MethodPost:
		s.handleMessage(w, r)
	default:
		s.writeError(w, http.StatusNotFound, fmt.Errorf("endpoint not found: %s %s", r.Method, r.URL.Path))
	}
}

func (s *Server) authenticate(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AuthToken)) == 1
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err := dec.Decode(&msg); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", ErrInvalidMessage, err))
		return
	}
	if err := msg.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	switch msg.Type {
	case MessageTypeTask:
		s.handleTask(w, r, &msg)
	case MessageTypeCancel:
		s.handleCancel(w, &msg)
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: cannot accept %s message", ErrInvalidMessage, msg.Type))
	}
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request, msg *Message) {
	p, err := Decode[TaskPayload](msg)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	var cancel context.CancelFunc
	if s.config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	if p.TaskID != "" {
		s.track(p.TaskID, cancel)
		defer s.untrack(p.TaskID)
	}

	start := time.Now()
	res, err := s.invoker.Invoke(ctx, orchestration.Invocation{
		AgentID:        msg.To,
		TaskID:         p.TaskID,
		RootTaskID:     p.RootTaskID,
		ConversationID: msg.ConversationID,
		Input:          p.Input,
		Prior:          p.Prior,
		Attempt:        p.Attempt,
	})
	if err != nil {
		s.logger.Info("task failed",
			zap.String("task_id", p.TaskID),
			zap.String("from", msg.From),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		s.reply(w, msg, MessageTypeError, errorPayload(err))
		return
	}

	out := ResultPayload{}
	if res != nil {
		if res.Message != nil {
			out.Output = res.Message.Text()
		}
		out.Artifacts = res.Artifacts
	}
	s.logger.Debug("task completed",
		zap.String("task_id", p.TaskID),
		zap.String("from", msg.From),
		zap.Duration("duration", time.Since(start)))
	s.reply(w, msg, MessageTypeResult, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, msg *Message) {
	p, err := Decode[TaskPayload](msg)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.Lock()
	cancel, ok := s.running[p.TaskID]
	s.mu.Unlock()
	if ok {
		cancel()
		s.logger.Debug("task cancelled by caller", zap.String("task_id", p.TaskID))
	}
	s.reply(w, msg, MessageTypeCancel, map[string]bool{"cancelled": ok})
}

func (s *Server) track(taskID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[taskID] = cancel
	s.mu.Unlock()
}

func (s *Server) untrack(taskID string) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}

func (s *Server) reply(w http.ResponseWriter, msg *Message, typ MessageType, payload any) {
	reply, err := msg.Reply(typ, payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to write JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("request error",
		zap.Int("status", status),
		zap.Error(err),
	)
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
