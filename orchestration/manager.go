package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/handoff"
	"github.com/BaSui01/agentorch/internal/metrics"
	"github.com/BaSui01/agentorch/internal/telemetry"
	"github.com/BaSui01/agentorch/registry"
	"github.com/BaSui01/agentorch/router"
	"github.com/BaSui01/agentorch/scheduler"
	"github.com/BaSui01/agentorch/task"
	"github.com/BaSui01/agentorch/types"
)

const tracerName = "github.com/BaSui01/agentorch/orchestration"

// Manager runs delegation strategies over candidate agents.
type Manager struct {
	cfg       Config
	router    *router.TaskRouter
	scheduler *scheduler.AgentScheduler
	invoker   Invoker

	registry registry.AgentRegistry
	handoffs *handoff.Manager
	scorer   Scorer
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithRegistry validates candidates before scheduling.
func WithRegistry(r registry.AgentRegistry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithHandoff passes the conversation turn to each SEQUENTIAL delegate while it runs.
func WithHandoff(h *handoff.Manager) Option {
	return func(m *Manager) { m.handoffs = h }
}

// WithScorer sets the BEST_OF scorer.
func WithScorer(s Scorer) Option {
	return func(m *Manager) { m.scorer = s }
}

// WithMetrics records orchestration and delegate outcomes.
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

// NewManager creates an orchestration manager.
func NewManager(cfg Config, r *router.TaskRouter, s *scheduler.AgentScheduler, inv Invoker, opts ...Option) (*Manager, error) {
	if r == nil || s == nil || inv == nil {
		return nil, fmt.Errorf("orchestration: router, scheduler and invoker are required")
	}
	m := &Manager{
		cfg:       cfg.normalized(),
		router:    r,
		scheduler: s,
		invoker:   inv,
		tracer:    otel.Tracer(tracerName),
		logger:    zap.NewNop(),
		running:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "orchestration"))
	return m, nil
}

// Execute runs req and aggregates the delegate results. The response is
// returned even on failure so every SubAgentResult stays observable.
func (m *Manager) Execute(ctx context.Context, req Request) (*Response, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = m.cfg.DefaultStrategy
	}
	if !strategy.Valid() {
		return nil, types.NewError(types.ErrInternalError, fmt.Sprintf("unknown strategy %q", strategy))
	}

	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "orchestration.execute",
		trace.WithAttributes(telemetry.ExecuteAttributes(string(strategy), req.ConversationID, len(req.Candidates))...))
	defer span.End()

	meta := map[string]string{"strategy": string(strategy)}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	root, err := m.router.CreateTask(ctx, router.CreateOptions{
		ParentID:  req.ParentTaskID,
		AgentID:   m.cfg.CoordinatorID,
		ContextID: req.ConversationID,
		Metadata:  meta,
	})
	if err != nil {
		return nil, fmt.Errorf("create root task: %w", err)
	}
	if err := m.router.Transition(ctx, root.ID, task.StateWorking); err != nil {
		return nil, fmt.Errorf("start root task: %w", err)
	}
	if req.Input != "" {
		if err := m.router.AppendMessage(ctx, root.ID, task.NewTextMessage(task.RoleUser, req.Input)); err != nil {
			return nil, fmt.Errorf("record input: %w", err)
		}
	}
	span.SetAttributes(telemetry.RootTaskIDKey.String(root.ID))

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.running[root.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, root.ID)
		m.mu.Unlock()
	}()

	resp := &Response{Strategy: strategy}
	candidates := m.validate(execCtx, strategy, req.Candidates, resp)

	logger := m.logger.With(
		zap.String("root_task_id", root.ID),
		zap.String("strategy", string(strategy)))
	logger.Info("orchestration started", zap.Strings("candidates", candidates))

	if len(candidates) > 0 {
		run := &execution{m: m, req: &req, root: root.ID, strategy: strategy, logger: logger}
		switch strategy {
		case StrategySequential:
			run.sequential(execCtx, candidates, resp)
		case StrategyParallel:
			run.parallel(execCtx, candidates, resp)
		case StrategyFirstSuccess:
			run.firstSuccess(execCtx, candidates, resp)
		case StrategyBestOf:
			run.bestOf(execCtx, candidates, resp)
		}
	}

	err = m.finalize(ctx, execCtx, root.ID, strategy, candidates, resp)
	status := "completed"
	if err != nil {
		status = "failed"
		if execCtx.Err() != nil {
			status = "cancelled"
		}
		telemetry.Fail(span, err)
	}
	m.metrics.RecordOrchestration(string(strategy), status, time.Since(start))
	logger.Info("orchestration finished",
		zap.String("status", status),
		zap.Int("results", len(resp.Results)),
		zap.Duration("duration", time.Since(start)))

	// Nested trees belong to the caller's root and are forgotten with it.
	if req.ParentTaskID == "" {
		m.scheduleForget(root.ID)
	}
	return resp, err
}

// scheduleForget drops a finished tree from the router after the retention
// period. The tasks stay readable through the task repository.
func (m *Manager) scheduleForget(rootID string) {
	if m.cfg.Retention <= 0 {
		return
	}
	time.AfterFunc(m.cfg.Retention, func() { m.forget(rootID) })
}

func (m *Manager) forget(rootID string) {
	err := m.router.Forget(rootID)
	switch {
	case err == nil:
		m.logger.Debug("task tree evicted", zap.String("root_task_id", rootID))
	case types.GetErrorCode(err) == types.ErrInvalidTransition:
		// a descendant is still winding down
		m.scheduleForget(rootID)
	default:
		m.logger.Debug("forget task tree", zap.String("root_task_id", rootID), zap.Error(err))
	}
}

// Cancel stops a running orchestration and cancels its whole task tree.
func (m *Manager) Cancel(ctx context.Context, rootID string) error {
	m.mu.Lock()
	cancel, ok := m.running[rootID]
	m.mu.Unlock()

	if _, err := m.router.CancelTree(ctx, rootID, "orchestration cancelled"); err != nil {
		return err
	}
	if ok {
		cancel()
	}
	return nil
}

// validate drops unknown or duplicate candidates, recording a failed result for unknown ones.
func (m *Manager) validate(ctx context.Context, strategy Strategy, ids []string, resp *Response) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if m.registry != nil {
			identity, err := m.registry.Lookup(ctx, id)
			if err == nil && !identity.Available() {
				err = fmt.Errorf("agent %s is %s", id, identity.Status)
			}
			if err != nil {
				r := SubAgentResult{
					AgentID: id,
					Error:   task.NewTaskError(task.ErrorDelegateFailure, err.Error()).WithCause(err),
				}
				resp.Results = append(resp.Results, r)
				m.metrics.RecordDelegateResult(string(strategy), r.outcome())
				continue
			}
		}
		out = append(out, id)
	}
	return out
}

// finalize records the aggregate on the root task, or fails it.
func (m *Manager) finalize(ctx, execCtx context.Context, rootID string, strategy Strategy, candidates []string, resp *Response) error {
	// Bookkeeping must survive a cancelled request.
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if t, err := m.router.Get(rootID); err == nil {
			resp.RootTask = t
		}
	}()

	if execCtx.Err() != nil {
		if _, err := m.router.CancelTree(ctx, rootID, "orchestration cancelled"); err != nil {
			m.logger.Warn("cancel root task tree", zap.String("root_task_id", rootID), zap.Error(err))
		}
		return types.NewError(types.ErrCancelled, "orchestration cancelled").WithCause(execCtx.Err())
	}

	var oerr *OrchestrationError
	switch {
	case len(candidates) == 0:
		oerr = &OrchestrationError{Kind: KindNoCandidates, Strategy: strategy, RootTaskID: rootID}
	case !hasSuccess(resp.Results):
		oerr = &OrchestrationError{Kind: KindAllDelegatesFailed, Strategy: strategy, RootTaskID: rootID, Failed: len(resp.Results)}
	}
	if oerr != nil {
		taskErr := task.NewTaskError(task.ErrorDelegateFailure, oerr.Error()).WithCause(oerr)
		if last := lastFailure(resp.Results); last != nil {
			taskErr = taskErr.WithChild(last.TaskID)
		}
		// Children that were never scheduled are still SUBMITTED.
		for _, c := range m.liveChildren(rootID) {
			_ = m.router.MarkTerminal(ctx, c, task.StateCancelled, task.NewTaskError(task.ErrorCancelled, "orchestration failed"))
		}
		if err := m.router.MarkTerminal(ctx, rootID, task.StateFailed, taskErr); err != nil {
			m.logger.Warn("fail root task", zap.String("root_task_id", rootID), zap.Error(err))
		}
		return oerr
	}

	msg := task.NewTextMessage(task.RoleAgent, resp.Output)
	if err := m.router.AppendMessage(ctx, rootID, msg); err != nil {
		return fmt.Errorf("record aggregate: %w", err)
	}
	for _, a := range resp.Artifacts {
		if err := m.router.AttachArtifact(ctx, rootID, a); err != nil {
			return fmt.Errorf("record aggregate artifact: %w", err)
		}
	}
	if err := m.router.MarkTerminal(ctx, rootID, task.StateCompleted, nil); err != nil {
		return fmt.Errorf("complete root task: %w", err)
	}
	return nil
}

func (m *Manager) liveChildren(rootID string) []string {
	children, err := m.router.LiveChildren(rootID)
	if err != nil {
		return nil
	}
	ids := make([]string, len(children))
	for i, c := range children {
		ids[i] = c.ID
	}
	return ids
}

func hasSuccess(results []SubAgentResult) bool {
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}

func lastFailure(results []SubAgentResult) *SubAgentResult {
	for i := len(results) - 1; i >= 0; i-- {
		if !results[i].Success && !results[i].Cancelled && results[i].TaskID != "" {
			return &results[i]
		}
	}
	return nil
}

// composeInput appends earlier delegate outputs to the request input.
func composeInput(input string, prior []PriorOutput) string {
	if len(prior) == 0 {
		return input
	}
	var b strings.Builder
	b.WriteString(input)
	b.WriteString("\n\nPrevious results:")
	for _, p := range prior {
		fmt.Fprintf(&b, "\n[%s]: %s", p.AgentID, p.Output)
	}
	return b.String()
}
