package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentorch/backend"
	"github.com/BaSui01/agentorch/internal/metrics"
	"github.com/BaSui01/agentorch/internal/pool"
	"github.com/BaSui01/agentorch/internal/retry"
	"github.com/BaSui01/agentorch/internal/telemetry"
	"github.com/BaSui01/agentorch/task"
	"github.com/BaSui01/agentorch/types"
)

const tracerName = "github.com/BaSui01/agentorch/scheduler"

var (
	// ErrQueueFull is returned when MaxConcurrent workers are busy and the queue is at capacity.
	ErrQueueFull = types.NewError(types.ErrQueueFull, "scheduler queue is full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("scheduler is closed")
)

// Result is what one agent run produces.
type Result struct {
	Message   *task.Message   `json:"message,omitempty"`
	Artifacts []task.Artifact `json:"artifacts,omitempty"`
}

// Work runs an agent for one attempt. attempt starts at 1.
type Work func(ctx context.Context, attempt int) (*Result, error)

// TaskTracker is the slice of the task router the scheduler drives.
type TaskTracker interface {
	Get(id string) (*task.Task, error)
	Transition(ctx context.Context, id string, to task.State) error
	AppendMessage(ctx context.Context, id string, m task.Message) error
	AttachArtifact(ctx context.Context, id string, a task.Artifact) error
	MarkTerminal(ctx context.Context, id string, state task.State, taskErr *task.TaskError) error
}

// TerminalWatcher is implemented by trackers that can report a task reaching a
// terminal state from outside the scheduler, such as a cascading cancel.
type TerminalWatcher interface {
	WatchTerminal(id string, fn func(t *task.Task)) (stop func(), err error)
}

// Outcome is the final result of a scheduled task.
type Outcome struct {
	TaskID    string
	AgentID   string
	Message   *task.Message
	Artifacts []task.Artifact
	Err       *task.TaskError
	Attempts  int
	Duration  time.Duration
}

// Succeeded reports whether the task completed.
func (o *Outcome) Succeeded() bool { return o != nil && o.Err == nil }

// Cancelled reports whether the task ended by cancellation.
func (o *Outcome) Cancelled() bool {
	return o != nil && o.Err != nil && o.Err.Kind == task.ErrorCancelled
}

// Handle refers to one scheduled task.
type Handle struct {
	TaskID  string
	AgentID string

	cancel  context.CancelFunc
	unwatch func()
	done    chan struct{}
	outcome *Outcome
}

// Done is closed once the outcome is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued    int   `json:"queued"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Rejected  int64 `json:"rejected"`
}

// AgentScheduler dispatches agent work onto an execution backend.
type AgentScheduler struct {
	cfg     ScheduleConfig
	backend backend.ExecutionBackend
	tracker TaskTracker
	pool    *pool.GoroutinePool
	limiter *rate.Limiter
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *zap.Logger

	mu      sync.Mutex
	handles map[*Handle]struct{}
	closed  bool

	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// Option configures an AgentScheduler.
type Option func(*AgentScheduler)

// WithTracker lets the scheduler drive task state through a router.
func WithTracker(t TaskTracker) Option {
	return func(s *AgentScheduler) { s.tracker = t }
}

// WithMetrics records attempts, retries and queue depth.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *AgentScheduler) { s.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *AgentScheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a scheduler. A nil backend falls back to the in-process backend.
func New(cfg ScheduleConfig, be backend.ExecutionBackend, opts ...Option) *AgentScheduler {
	cfg = cfg.normalized()
	s := &AgentScheduler{
		cfg:     cfg,
		backend: be,
		tracer:  otel.Tracer(tracerName),
		logger:  zap.NewNop(),
		handles: make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "scheduler"))
	if s.backend == nil {
		s.backend = backend.NewInProcessBackend(s.logger)
	}
	if cfg.DispatchRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRPS), cfg.DispatchBurst)
	}
	s.pool = pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers: cfg.MaxConcurrent,
		QueueSize:  cfg.QueueSize,
		PanicHandler: func(v any) {
			s.logger.Error("scheduled work panicked", zap.Any("panic", v))
		},
	})
	return s
}

// Config returns the effective configuration.
func (s *AgentScheduler) Config() ScheduleConfig { return s.cfg }

// Schedule enqueues work for agentID on taskID. It fails fast with ErrQueueFull
// when the queue is at capacity and rejects tasks that are already terminal.
func (s *AgentScheduler) Schedule(ctx context.Context, agentID, taskID string, work Work) (*Handle, error) {
	if work == nil {
		return nil, types.NewError(types.ErrInternalError, "schedule: nil work")
	}
	if s.tracker != nil {
		t, err := s.tracker.Get(taskID)
		if err != nil {
			return nil, fmt.Errorf("schedule task %s: %w", taskID, err)
		}
		if t.IsTerminal() {
			return nil, types.NewError(types.ErrInvalidTransition,
				fmt.Sprintf("task %s is already %s", taskID, t.State))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		TaskID:  taskID,
		AgentID: agentID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	s.handles[h] = struct{}{}
	s.mu.Unlock()

	// A task cancelled or failed elsewhere stops its running work.
	if w, ok := s.tracker.(TerminalWatcher); ok {
		stop, err := w.WatchTerminal(taskID, func(*task.Task) { cancel() })
		if err != nil {
			s.forget(h)
			cancel()
			return nil, fmt.Errorf("schedule task %s: %w", taskID, err)
		}
		h.unwatch = stop
	}

	err := s.pool.Submit(runCtx, func(ctx context.Context) error {
		s.run(ctx, h, work)
		return nil
	}, nil)
	if err != nil {
		s.release(h)
		cancel()
		if errors.Is(err, pool.ErrPoolFull) {
			s.metrics.RecordRejected()
			s.logger.Warn("schedule rejected, queue full",
				zap.String("agent_id", agentID),
				zap.String("task_id", taskID))
			return nil, ErrQueueFull
		}
		return nil, ErrClosed
	}

	s.updateDepth()
	s.logger.Debug("task scheduled", zap.String("agent_id", agentID), zap.String("task_id", taskID))
	return h, nil
}

// AwaitResult blocks until h finishes or ctx is done. When the task failed
// or was cancelled the returned error is the outcome's *task.TaskError.
func (s *AgentScheduler) AwaitResult(ctx context.Context, h *Handle) (*Outcome, error) {
	select {
	case <-h.done:
		if h.outcome.Err != nil {
			return h.outcome, h.outcome.Err
		}
		return h.outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cooperative cancellation of h.
func (s *AgentScheduler) Cancel(h *Handle) {
	if h != nil && h.cancel != nil {
		h.cancel()
	}
}

// Stats returns current counters.
func (s *AgentScheduler) Stats() Stats {
	ps := s.pool.Stats()
	return Stats{
		Queued:    ps.Queued,
		Active:    ps.Active,
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Cancelled: s.cancelled.Load(),
		Rejected:  ps.Rejected,
	}
}

// Close cancels in-flight work and waits for workers to exit. The backend is
// left open; whoever created it closes it.
func (s *AgentScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for h := range s.handles {
		h.cancel()
	}
	s.mu.Unlock()

	s.pool.Close()
	return nil
}

func (s *AgentScheduler) run(ctx context.Context, h *Handle, work Work) {
	start := time.Now()
	out := &Outcome{TaskID: h.TaskID, AgentID: h.AgentID}
	defer func() {
		out.Duration = time.Since(start)
		h.outcome = out
		s.release(h)
		h.cancel()
		close(h.done)
		s.updateDepth()
	}()

	if err := s.begin(ctx, h); err != nil {
		out.Err = err
		s.finish(ctx, h, out)
		return
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			out.Err = s.classify(ctx, h, err, 0)
			s.finish(ctx, h, out)
			return
		}
	}

	retryer := retry.NewBackoffRetryer(&retry.RetryPolicy{
		MaxRetries:   s.cfg.MaxRetries,
		InitialDelay: s.cfg.InitialBackoff,
		MaxDelay:     s.cfg.MaxBackoff,
		Multiplier:   2,
		Jitter:       true,
		Retryable:    isRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			s.metrics.RecordRetry(h.AgentID, string(types.GetErrorCode(err)))
			s.logger.Info("retrying agent",
				zap.String("agent_id", h.AgentID),
				zap.String("task_id", h.TaskID),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	}, s.logger)

	res, err := retry.DoWithResultTyped[*Result](retryer, ctx, func() (*Result, error) {
		out.Attempts++
		return s.attempt(ctx, h, out.Attempts, work)
	})
	if err != nil {
		out.Err = s.classify(ctx, h, err, out.Attempts)
		s.finish(ctx, h, out)
		return
	}

	if res != nil {
		if res.Message != nil {
			m := *res.Message
			out.Message = &m
		}
		out.Artifacts = res.Artifacts
	}
	s.finish(ctx, h, out)
}

// begin moves the task to WORKING unless it was cancelled while queued.
func (s *AgentScheduler) begin(ctx context.Context, h *Handle) *task.TaskError {
	if ctx.Err() != nil {
		return task.NewTaskError(task.ErrorCancelled, "cancelled before start").WithCause(ctx.Err())
	}
	if s.tracker == nil {
		return nil
	}
	t, err := s.tracker.Get(h.TaskID)
	if err != nil {
		return task.NewTaskError(task.ErrorInternal, err.Error()).WithCause(err)
	}
	switch {
	case t.State == task.StateWorking:
		return nil
	case t.State == task.StateCancelled:
		return task.NewTaskError(task.ErrorCancelled, "task cancelled before start")
	case t.IsTerminal():
		return task.NewTaskError(task.ErrorInternal, fmt.Sprintf("task already %s", t.State))
	}
	if err := s.tracker.Transition(ctx, h.TaskID, task.StateWorking); err != nil {
		return task.NewTaskError(task.ErrorInternal, err.Error()).WithCause(err)
	}
	return nil
}

func (s *AgentScheduler) attempt(ctx context.Context, h *Handle, n int, work Work) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "agent.attempt",
		trace.WithAttributes(telemetry.AttemptAttributes(h.AgentID, h.TaskID, n, s.backend.Name())...))
	defer span.End()

	attemptCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	// The call runs on its own goroutine so a deadline or cancel returns promptly
	// even when the work does not watch its context. Retries are owned here, so
	// the backend gets a budget of zero.
	type activityResult struct {
		v   any
		err error
	}
	ch := make(chan activityResult, 1)
	go func() {
		v, err := s.backend.RunActivity(attemptCtx, backend.Activity{
			Name: "agent " + h.AgentID,
			Key:  h.TaskID,
			Fn: func(ctx context.Context) (any, error) {
				return work(ctx, n)
			},
		}, s.cfg.Timeout, 0)
		ch <- activityResult{v: v, err: err}
	}()

	var v any
	var err error
	select {
	case r := <-ch:
		v, err = r.v, r.err
	case <-attemptCtx.Done():
		err = attemptCtx.Err()
	}

	var res *Result
	if err == nil {
		res, err = backend.Decode[*Result](v)
	}
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) &&
		types.GetErrorCode(err) != types.ErrTimeout {
		err = types.NewError(types.ErrTimeout,
			fmt.Sprintf("agent %s exceeded %s", h.AgentID, s.cfg.Timeout)).WithCause(err)
	}

	outcome := "success"
	if err != nil {
		outcome = outcomeLabel(ctx, err)
		telemetry.Fail(span, err)
	}
	s.metrics.RecordAttempt(h.AgentID, outcome, time.Since(start))
	return res, err
}

// classify maps the final error of a run onto exactly one TaskError.
func (s *AgentScheduler) classify(ctx context.Context, h *Handle, err error, attempts int) *task.TaskError {
	if ctx.Err() != nil {
		return task.NewTaskError(task.ErrorCancelled, "cancelled").WithCause(err)
	}

	exhausted := retry.IsExhausted(err)
	switch types.GetErrorCode(err) {
	case types.ErrTimeout:
		return task.NewTaskError(task.ErrorTimeout,
			fmt.Sprintf("agent %s timed out after %d attempt(s)", h.AgentID, attempts)).WithCause(err)
	case types.ErrTransientBackend:
		if exhausted && attempts > 1 {
			return task.NewTaskError(task.ErrorRetriesExhausted,
				fmt.Sprintf("agent %s: %d attempts failed", h.AgentID, attempts)).WithCause(err)
		}
		return task.NewTaskError(task.ErrorBackendUnavailable, err.Error()).WithCause(err)
	case types.ErrDelegateRejected:
		return task.NewTaskError(task.ErrorDelegateFailure, err.Error()).WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return task.NewTaskError(task.ErrorTimeout, err.Error()).WithCause(err)
	}
	return task.NewTaskError(task.ErrorInternal, err.Error()).WithCause(err)
}

// finish records the outcome on the task and updates counters.
func (s *AgentScheduler) finish(ctx context.Context, h *Handle, out *Outcome) {
	// Terminal bookkeeping must happen even when the run context is cancelled.
	ctx = context.WithoutCancel(ctx)

	logFields := []zap.Field{
		zap.String("agent_id", h.AgentID),
		zap.String("task_id", h.TaskID),
		zap.Int("attempts", out.Attempts),
	}

	if s.tracker != nil {
		s.record(ctx, h, out, logFields)
	}

	switch {
	case out.Err == nil:
		s.completed.Add(1)
		s.logger.Debug("task completed", logFields...)
	case out.Err.Kind == task.ErrorCancelled:
		s.cancelled.Add(1)
		s.logger.Info("task cancelled", logFields...)
	default:
		s.failed.Add(1)
		s.logger.Info("task failed", append(logFields,
			zap.String("kind", string(out.Err.Kind)),
			zap.Error(out.Err))...)
	}
}

func (s *AgentScheduler) record(ctx context.Context, h *Handle, out *Outcome, logFields []zap.Field) {
	if out.Err == nil {
		if out.Message != nil {
			if err := s.tracker.AppendMessage(ctx, h.TaskID, *out.Message); err != nil {
				s.logger.Warn("append result message", append(logFields, zap.Error(err))...)
			}
		}
		for _, a := range out.Artifacts {
			if err := s.tracker.AttachArtifact(ctx, h.TaskID, a); err != nil {
				s.logger.Warn("attach result artifact", append(logFields, zap.Error(err))...)
			}
		}
	}

	state := task.StateCompleted
	if out.Err != nil {
		state = task.StateFailed
		if out.Err.Kind == task.ErrorCancelled {
			state = task.StateCancelled
		}
	}
	if err := s.tracker.MarkTerminal(ctx, h.TaskID, state, out.Err); err != nil {
		// Already terminal, typically through a cascading cancel.
		s.logger.Debug("mark terminal skipped", append(logFields, zap.Error(err))...)
		if t, gerr := s.tracker.Get(h.TaskID); gerr == nil && t.State == task.StateCancelled && out.Err == nil {
			out.Err = task.NewTaskError(task.ErrorCancelled, "task cancelled")
		}
	}
}

// release drops h from the live set and removes its terminal watch.
func (s *AgentScheduler) release(h *Handle) {
	s.forget(h)
	if h.unwatch != nil {
		h.unwatch()
	}
}

func (s *AgentScheduler) forget(h *Handle) {
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
}

func (s *AgentScheduler) updateDepth() {
	ps := s.pool.Stats()
	s.metrics.SetQueueDepth(ps.Queued, ps.Active)
}

func isRetryable(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrTransientBackend, types.ErrTimeout:
		return true
	}
	return false
}

func outcomeLabel(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return "cancelled"
	}
	if code := types.GetErrorCode(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}
