package a2a

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/orchestration"
	"github.com/BaSui01/agentorch/scheduler"
	"github.com/BaSui01/agentorch/task"
	"github.com/BaSui01/agentorch/types"
)

// cancelNoticeTimeout bounds the best-effort cancel sent after the caller gives up.
const cancelNoticeTimeout = 2 * time.Second

// Invoker runs delegate attempts on remote agents.
type Invoker struct {
	client A2AClient
	from   string
	logger *zap.Logger
}

var _ orchestration.Invoker = (*Invoker)(nil)

// NewInvoker creates an Invoker that sends messages as from.
func NewInvoker(client A2AClient, from string, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{
		client: client,
		from:   from,
		logger: logger.With(zap.String("component", "a2a_invoker")),
	}
}

// Invoke implements orchestration.Invoker.
func (i *Invoker) Invoke(ctx context.Context, inv orchestration.Invocation) (*scheduler.Result, error) {
	msg, err := NewMessage(MessageTypeTask, i.from, inv.AgentID, TaskPayload{
		TaskID:     inv.TaskID,
		RootTaskID: inv.RootTaskID,
		Input:      inv.Input,
		Prior:      inv.Prior,
		Attempt:    inv.Attempt,
	})
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "encode task").WithCause(err).WithAgent(inv.AgentID)
	}
	msg.ConversationID = inv.ConversationID

	reply, err := i.client.Send(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			i.notifyCancel(inv)
		}
		return nil, err
	}

	switch reply.Type {
	case MessageTypeResult:
		res, err := Decode[ResultPayload](reply)
		if err != nil {
			return nil, types.Transient("decode result", err).WithAgent(inv.AgentID)
		}
		out := task.NewTextMessage(task.RoleAgent, res.Output)
		return &scheduler.Result{Message: &out, Artifacts: res.Artifacts}, nil
	case MessageTypeError:
		p, err := Decode[ErrorPayload](reply)
		if err != nil {
			return nil, types.Transient("decode error reply", err).WithAgent(inv.AgentID)
		}
		return nil, remoteError(inv.AgentID, p)
	default:
		return nil, types.Rejected(fmt.Sprintf("unexpected %s reply", reply.Type)).
			WithCause(ErrUnexpectedReply).WithAgent(inv.AgentID)
	}
}

// notifyCancel tells the remote agent to stop working on inv. Failures are
// only logged.
func (i *Invoker) notifyCancel(inv orchestration.Invocation) {
	msg, err := NewMessage(MessageTypeCancel, i.from, inv.AgentID, TaskPayload{TaskID: inv.TaskID, Attempt: inv.Attempt})
	if err != nil {
		return
	}
	msg.ConversationID = inv.ConversationID
	ctx, cancel := context.WithTimeout(context.Background(), cancelNoticeTimeout)
	defer cancel()
	if _, err := i.client.Send(ctx, msg); err != nil {
		i.logger.Debug("cancel notice failed",
			zap.String("agent_id", inv.AgentID),
			zap.String("task_id", inv.TaskID),
			zap.Error(err))
	}
}

// remoteError turns an error reply into a classified error. Known retryable
// codes are preserved, everything else follows the retryable flag.
func remoteError(agentID string, p ErrorPayload) error {
	msg := p.Message
	if msg == "" {
		msg = "remote agent failed"
	}
	code := types.ErrorCode(p.Code)
	switch {
	case code == types.ErrTimeout || code == types.ErrTransientBackend:
		return types.NewError(code, msg).WithRetryable(true).WithAgent(agentID)
	case p.Retryable:
		return types.Transient(msg, nil).WithAgent(agentID)
	default:
		return types.Rejected(msg).WithAgent(agentID)
	}
}

// errorPayload is the inverse of remoteError.
func errorPayload(err error) ErrorPayload {
	code := types.GetErrorCode(err)
	switch {
	case code != "":
	case errors.Is(err, context.DeadlineExceeded):
		code = types.ErrTimeout
	case errors.Is(err, context.Canceled):
		code = types.ErrCancelled
	default:
		code = types.ErrInternalError
	}
	return ErrorPayload{
		Code:      string(code),
		Message:   err.Error(),
		Retryable: types.IsRetryable(err) || code == types.ErrTimeout,
	}
}
