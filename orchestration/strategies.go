package orchestration

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentorch/handoff"
	"github.com/BaSui01/agentorch/router"
	"github.com/BaSui01/agentorch/scheduler"
	"github.com/BaSui01/agentorch/task"
)

// execution is the state of one Execute call.
type execution struct {
	m        *Manager
	req      *Request
	root     string
	strategy Strategy
	logger   *zap.Logger
}

// delegate creates the child task, schedules it and waits for its outcome.
func (e *execution) delegate(ctx context.Context, agentID string, prior []PriorOutput) SubAgentResult {
	res := SubAgentResult{AgentID: agentID}
	defer func() {
		e.m.metrics.RecordDelegateResult(string(e.strategy), res.outcome())
	}()

	if ctx.Err() != nil {
		res.Cancelled = true
		res.Error = task.NewTaskError(task.ErrorCancelled, "not started").WithCause(ctx.Err())
		return res
	}

	// Child bookkeeping must not be skipped when ctx is cancelled mid-way.
	bg := context.WithoutCancel(ctx)
	child, err := e.m.router.CreateTask(bg, router.CreateOptions{
		ParentID:  e.root,
		AgentID:   agentID,
		ContextID: e.req.ConversationID,
	})
	if err != nil {
		res.Error = task.NewTaskError(task.ErrorInternal, err.Error()).WithCause(err)
		return res
	}
	res.TaskID = child.ID

	input := composeInput(e.req.Input, prior)
	if err := e.m.router.AppendMessage(bg, child.ID, task.NewTextMessage(task.RoleUser, input)); err != nil {
		e.logger.Warn("record delegate input", zap.String("task_id", child.ID), zap.Error(err))
	}

	inv := Invocation{
		AgentID:        agentID,
		TaskID:         child.ID,
		RootTaskID:     e.root,
		ConversationID: e.req.ConversationID,
		Input:          input,
		Prior:          prior,
	}
	h, err := e.m.scheduler.Schedule(ctx, agentID, child.ID, func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		call := inv
		call.Attempt = attempt
		return e.m.invoker.Invoke(ctx, call)
	})
	if err != nil {
		res.Error = task.NewTaskError(task.ErrorBackendUnavailable, err.Error()).WithCause(err)
		if merr := e.m.router.MarkTerminal(bg, child.ID, task.StateFailed, res.Error); merr != nil {
			e.logger.Warn("fail unscheduled delegate", zap.String("task_id", child.ID), zap.Error(merr))
		}
		return res
	}

	out, _ := e.m.scheduler.AwaitResult(bg, h)
	res.Attempts = out.Attempts
	res.Duration = out.Duration
	res.Artifacts = out.Artifacts
	if out.Message != nil {
		res.Output = out.Message.Text()
	}
	res.Success = out.Succeeded()
	res.Cancelled = out.Cancelled()
	res.Error = out.Err

	e.logger.Debug("delegate finished",
		zap.String("agent_id", agentID),
		zap.String("task_id", child.ID),
		zap.String("outcome", res.outcome()),
		zap.Int("attempts", res.Attempts))
	return res
}

// sequential runs candidates in order, feeding each the earlier outputs, and
// stops at the first failure.
func (e *execution) sequential(ctx context.Context, candidates []string, resp *Response) {
	var prior []PriorOutput
	for _, agentID := range candidates {
		release := e.passTurn(ctx, agentID)
		r := e.delegate(ctx, agentID, prior)
		release()

		resp.Results = append(resp.Results, r)
		if !r.Success {
			e.logger.Info("sequential delegation stopped",
				zap.String("agent_id", agentID),
				zap.String("outcome", r.outcome()))
			return
		}
		prior = append(prior, PriorOutput{AgentID: agentID, Output: r.Output})
		resp.Output = r.Output
		resp.Artifacts = append(resp.Artifacts, r.Artifacts...)
	}
}

// passTurn hands the conversation to agentID for the duration of its run.
func (e *execution) passTurn(ctx context.Context, agentID string) func() {
	noop := func() {}
	if e.m.handoffs == nil || e.req.ConversationID == "" {
		return noop
	}
	conv := e.req.ConversationID
	sess, err := e.m.handoffs.Session(conv)
	if err != nil {
		return noop
	}
	if sess.Owner() == agentID {
		return noop
	}

	if sess.State == handoff.StateOwnedByPrimary || sess.State == handoff.StateReturned {
		_, err = e.m.handoffs.InitiateHandoff(ctx, conv, agentID)
	} else {
		_, err = e.m.handoffs.NestHandoff(ctx, conv, agentID)
	}
	if err != nil {
		e.logger.Warn("handoff to delegate failed", zap.String("agent_id", agentID), zap.Error(err))
		return noop
	}
	return func() {
		if _, err := e.m.handoffs.ReturnControl(context.WithoutCancel(ctx), conv); err != nil {
			e.logger.Warn("return control from delegate failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

// fanOut runs every candidate concurrently, bounded by the scheduler's
// MaxConcurrent. stop sees each finished result with its candidate index and
// returns true to cancel the remaining delegates.
func (e *execution) fanOut(ctx context.Context, candidates []string, stop func(i int, r SubAgentResult) bool) []SubAgentResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]SubAgentResult, len(candidates))
	var once sync.Once
	g := new(errgroup.Group)
	g.SetLimit(e.m.scheduler.Config().MaxConcurrent)
	for i, agentID := range candidates {
		g.Go(func() error {
			results[i] = e.delegate(ctx, agentID, nil)
			if stop != nil && stop(i, results[i]) {
				once.Do(cancel)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// parallel waits for every delegate. Under cancel_on_fatal a non-retryable
// failure cancels the siblings still running.
func (e *execution) parallel(ctx context.Context, candidates []string, resp *Response) {
	var stop func(int, SubAgentResult) bool
	if e.m.cfg.FailurePolicy == FailurePolicyCancelOnFatal {
		stop = func(_ int, r SubAgentResult) bool {
			if r.fatal() {
				e.logger.Info("fatal delegate failure, cancelling siblings", zap.String("agent_id", r.AgentID))
				return true
			}
			return false
		}
	}
	results := e.fanOut(ctx, candidates, stop)
	resp.Results = append(resp.Results, results...)

	var outputs []string
	for _, r := range results {
		if !r.Success {
			continue
		}
		outputs = append(outputs, r.Output)
		resp.Artifacts = append(resp.Artifacts, r.Artifacts...)
	}
	resp.Output = strings.Join(outputs, "\n\n")
}

// firstSuccess takes the first successful delegate and cancels the rest.
// With StrategyRetries it re-runs candidates whose failure was transient.
func (e *execution) firstSuccess(ctx context.Context, candidates []string, resp *Response) {
	pending := candidates
	for round := 0; round <= e.m.cfg.StrategyRetries && len(pending) > 0; round++ {
		var mu sync.Mutex
		first := -1
		results := e.fanOut(ctx, pending, func(i int, r SubAgentResult) bool {
			if !r.Success {
				return false
			}
			mu.Lock()
			defer mu.Unlock()
			if first == -1 {
				first = i
			}
			return true
		})

		winner := -1
		if first >= 0 {
			winner = len(resp.Results) + first
		}
		var retry []string
		for _, r := range results {
			if transient(r) {
				retry = append(retry, r.AgentID)
			}
		}
		resp.Results = append(resp.Results, results...)

		if winner >= 0 {
			sel := resp.Results[winner]
			resp.Selected = &sel
			resp.Output = sel.Output
			resp.Artifacts = sel.Artifacts
			return
		}
		if ctx.Err() != nil {
			return
		}
		if len(retry) > 0 && round < e.m.cfg.StrategyRetries {
			e.logger.Info("first success round failed, retrying transient candidates",
				zap.Int("round", round+1),
				zap.Strings("candidates", retry))
		}
		pending = retry
	}
}

// bestOf runs like parallel, then lets the scorer pick among the successes.
func (e *execution) bestOf(ctx context.Context, candidates []string, resp *Response) {
	e.parallel(ctx, candidates, resp)
	resp.Output = ""
	resp.Artifacts = nil

	best := -1
	for i := range resp.Results {
		r := &resp.Results[i]
		if !r.Success {
			continue
		}
		if e.m.scorer != nil {
			score, err := e.m.scorer.Score(ctx, e.req, *r)
			if err != nil {
				// Unscored results stay eligible at zero.
				e.logger.Warn("scoring failed", zap.String("agent_id", r.AgentID), zap.Error(err))
			} else {
				r.Score = score
			}
		}
		// Ties keep the earlier candidate.
		if best == -1 || r.Score > resp.Results[best].Score {
			best = i
		}
	}
	if best == -1 {
		return
	}
	sel := resp.Results[best]
	resp.Selected = &sel
	resp.Output = sel.Output
	resp.Artifacts = sel.Artifacts
}

// transient reports failures a fresh attempt of the same candidate might fix.
func transient(r SubAgentResult) bool {
	if r.Success || r.Cancelled || r.Error == nil {
		return false
	}
	switch r.Error.Kind {
	case task.ErrorTimeout, task.ErrorBackendUnavailable, task.ErrorRetriesExhausted:
		return true
	}
	return false
}
