package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/handoff"
	"github.com/BaSui01/agentorch/internal/metrics"
	"github.com/BaSui01/agentorch/orchestration"
	"github.com/BaSui01/agentorch/persistence"
	"github.com/BaSui01/agentorch/registry"
	"github.com/BaSui01/agentorch/router"
	"github.com/BaSui01/agentorch/streaming"
	"github.com/BaSui01/agentorch/types"
)

const maxRequestBody = 1 << 20

// apiHandler serves the orchestration, task and conversation endpoints.
type apiHandler struct {
	orch     *orchestration.Manager
	tasks    *router.TaskRouter
	repo     persistence.TaskRepository
	handoffs *handoff.Manager
	sources  streaming.SourceFactory
	hub      *streaming.ChannelHub
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func (h *apiHandler) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/orchestrations", h.handleExecute)

	mux.HandleFunc("GET /api/v1/tasks/{id}", h.handleGetTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/children", h.handleChildren)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", h.handleCancel)

	mux.HandleFunc("POST /api/v1/conversations", h.handleStartConversation)
	mux.HandleFunc("GET /api/v1/conversations/{id}", h.handleGetConversation)
	mux.HandleFunc("POST /api/v1/conversations/{id}/handoff", h.handleHandoff)
	mux.HandleFunc("POST /api/v1/conversations/{id}/return", h.handleReturn)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", h.handleEndConversation)
	if h.hub != nil {
		mux.HandleFunc("POST /api/v1/conversations/{id}/events", h.handleEmit)
	}
	if h.sources != nil {
		mux.HandleFunc("GET /api/v1/conversations/{id}/stream", h.handleStream)
	}
}

// executeRequest is the JSON form of orchestration.Request.
type executeRequest struct {
	ConversationID string            `json:"conversation_id"`
	Input          string            `json:"input"`
	Candidates     []string          `json:"candidates"`
	Strategy       string            `json:"strategy,omitempty"`
	ParentTaskID   string            `json:"parent_task_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (h *apiHandler) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.orch.Execute(r.Context(), orchestration.Request{
		ConversationID: req.ConversationID,
		Input:          req.Input,
		Candidates:     req.Candidates,
		Strategy:       orchestration.Strategy(req.Strategy),
		ParentTaskID:   req.ParentTaskID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		if resp == nil {
			h.writeError(w, err)
			return
		}
		// the response carries every delegate result, so it is returned with the error
		writeJSON(w, statusFor(err), map[string]any{
			"error":    err.Error(),
			"code":     types.GetErrorCode(err),
			"response": resp,
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetTask reads live tasks from the router and evicted ones from the
// repository.
func (h *apiHandler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := h.tasks.Get(id)
	if errors.Is(err, router.ErrTaskNotFound) && h.repo != nil {
		t, err = h.repo.GetTask(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *apiHandler) handleChildren(w http.ResponseWriter, r *http.Request) {
	children, err := h.tasks.ChildrenOf(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, children)
}

func (h *apiHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.orch.Cancel(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	t, err := h.tasks.Get(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type startConversationRequest struct {
	ConversationID string `json:"conversation_id"`
	Primary        string `json:"primary"`
}

func (h *apiHandler) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req startConversationRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ConversationID == "" || req.Primary == "" {
		writeJSONError(w, http.StatusBadRequest, "conversation_id and primary are required")
		return
	}
	s, err := h.handoffs.StartConversation(r.Context(), req.ConversationID, req.Primary)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *apiHandler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	s, err := h.handoffs.Session(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type handoffRequest struct {
	Target string `json:"target"`
	// Nested keeps the current owner as the return address instead of the primary.
	Nested bool `json:"nested,omitempty"`
}

func (h *apiHandler) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoffRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Target == "" {
		writeJSONError(w, http.StatusBadRequest, "target is required")
		return
	}
	id := r.PathValue("id")
	var (
		s   *handoff.Session
		err error
	)
	if req.Nested {
		s, err = h.handoffs.NestHandoff(r.Context(), id, req.Target)
	} else {
		s, err = h.handoffs.InitiateHandoff(r.Context(), id, req.Target)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *apiHandler) handleReturn(w http.ResponseWriter, r *http.Request) {
	s, err := h.handoffs.ReturnControl(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *apiHandler) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.handoffs.EndConversation(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	if h.hub != nil {
		h.hub.Forget(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

type emitRequest struct {
	// AgentID defaults to the current owner.
	AgentID string              `json:"agent_id,omitempty"`
	Type    streaming.EventType `json:"type"`
	Data    string              `json:"data,omitempty"`
	// Finish ends the agent's turn after this event.
	Finish bool `json:"finish,omitempty"`
}

// handleEmit lets a locally hosted agent publish stream events over HTTP.
func (h *apiHandler) handleEmit(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if req.AgentID == "" {
		owner, err := h.handoffs.Current(id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		req.AgentID = owner
	}
	if req.Type == "" {
		req.Type = streaming.EventDelta
	}
	ev, err := h.hub.Emit(r.Context(), id, req.AgentID, req.Type, req.Data)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if req.Finish {
		h.hub.Finish(id, req.AgentID)
	}
	writeJSON(w, http.StatusAccepted, ev)
}

// handleStream upgrades to a websocket and forwards the conversation's events
// from whichever agent owns the turn until the conversation ends.
func (h *apiHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.handoffs.Current(id); err != nil {
		h.writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("conversation_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// Reading drives control frames and notices the client going away.
	ctx := conn.CloseRead(r.Context())

	sr := streaming.NewStreamRouter(id, h.handoffs, h.sources, streaming.NewWebSocketConsumer(conn),
		streaming.WithMetrics(h.metrics),
		streaming.WithLogger(h.logger))
	if err := sr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Info("stream ended with error", zap.String("conversation_id", id), zap.Error(err))
		conn.Close(websocket.StatusInternalError, "stream failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "conversation ended")
}

func (h *apiHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (h *apiHandler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  types.GetErrorCode(err),
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, handoff.ErrSessionNotFound), errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, handoff.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, router.ErrAgentRequired):
		return http.StatusBadRequest
	}
	switch types.GetErrorCode(err) {
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrInvalidTransition:
		return http.StatusConflict
	case types.ErrInvalidParent, types.ErrNoCandidates:
		return http.StatusUnprocessableEntity
	case types.ErrAllDelegatesFailed:
		return http.StatusBadGateway
	case types.ErrQueueFull:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) {
		// client went away; the status is never seen
		return 499
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
