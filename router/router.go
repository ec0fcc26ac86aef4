package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/internal/keylock"
	"github.com/BaSui01/agentorch/internal/metrics"
	"github.com/BaSui01/agentorch/persistence"
	"github.com/BaSui01/agentorch/scheduler"
	"github.com/BaSui01/agentorch/task"
	"github.com/BaSui01/agentorch/types"
)

// CreateOptions describes a new task.
type CreateOptions struct {
	ParentID  string
	AgentID   string
	ContextID string // inherited from the parent when empty
	Metadata  map[string]string
}

// TerminalFunc observes a task entering a terminal state. It receives a snapshot.
type TerminalFunc = func(t *task.Task)

type node struct {
	task     *task.Task
	root     string
	children []string
}

type watcher struct {
	id int
	fn TerminalFunc
}

// TaskRouter owns the task tree.
type TaskRouter struct {
	mu    sync.RWMutex
	nodes map[string]*node

	trees   *keylock.Locker
	repo    persistence.TaskRepository
	metrics *metrics.Collector
	logger  *zap.Logger

	watchMu  sync.Mutex
	watchers map[string][]watcher
	watchSeq int
}

var (
	_ scheduler.TaskTracker     = (*TaskRouter)(nil)
	_ scheduler.TerminalWatcher = (*TaskRouter)(nil)
)

// Option configures a TaskRouter.
type Option func(*TaskRouter)

// WithRepository mirrors every created or updated task into repo.
func WithRepository(repo persistence.TaskRepository) Option {
	return func(r *TaskRouter) { r.repo = repo }
}

// WithMetrics counts state transitions.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *TaskRouter) { r.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *TaskRouter) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty router.
func New(opts ...Option) *TaskRouter {
	r := &TaskRouter{
		nodes:    make(map[string]*node),
		trees:    keylock.New(),
		logger:   zap.NewNop(),
		watchers: make(map[string][]watcher),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "task_router"))
	return r
}

// CreateTask registers a new SUBMITTED task, as a root when ParentID is empty.
func (r *TaskRouter) CreateTask(ctx context.Context, opts CreateOptions) (*task.Task, error) {
	if opts.AgentID == "" {
		return nil, ErrAgentRequired
	}

	id := uuid.NewString()
	root := id
	if opts.ParentID != "" {
		var err error
		if root, err = r.RootOf(opts.ParentID); err != nil {
			return nil, err
		}
	}

	unlock := r.trees.Lock(root)
	defer unlock()

	t := task.New(id, opts.ParentID, opts.AgentID)
	t.ContextID = opts.ContextID
	if len(opts.Metadata) > 0 {
		t.Metadata = make(map[string]string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			t.Metadata[k] = v
		}
	}

	if opts.ParentID != "" {
		r.mu.RLock()
		parent, ok := r.nodes[opts.ParentID]
		var state task.State
		var contextID string
		if ok {
			state, contextID = parent.task.State, parent.task.ContextID
		}
		r.mu.RUnlock()
		if !ok {
			return nil, notFound(opts.ParentID)
		}
		if state.IsTerminal() {
			return nil, &InvalidParentError{ParentID: opts.ParentID, State: state}
		}
		if t.ContextID == "" {
			t.ContextID = contextID
		}
	}

	if r.repo != nil {
		if err := r.repo.CreateTask(ctx, t); err != nil {
			return nil, fmt.Errorf("persist task %s: %w", id, err)
		}
	}

	r.mu.Lock()
	r.nodes[id] = &node{task: t, root: root}
	if opts.ParentID != "" {
		p := r.nodes[opts.ParentID]
		p.children = append(p.children, id)
	}
	snapshot := t.Clone()
	r.mu.Unlock()

	r.metrics.RecordTaskTransition("", string(task.StateSubmitted))
	r.logger.Debug("task created",
		zap.String("task_id", id),
		zap.String("parent_id", opts.ParentID),
		zap.String("agent_id", opts.AgentID))
	return snapshot, nil
}

// Get returns a snapshot of the task.
func (r *TaskRouter) Get(id string) (*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, notFound(id)
	}
	return n.task.Clone(), nil
}

// ChildrenOf returns snapshots of the direct children of id in creation order.
func (r *TaskRouter) ChildrenOf(id string) ([]*task.Task, error) {
	return r.children(id, false)
}

// LiveChildren is ChildrenOf restricted to non-terminal children.
func (r *TaskRouter) LiveChildren(id string) ([]*task.Task, error) {
	return r.children(id, true)
}

func (r *TaskRouter) children(id string, liveOnly bool) ([]*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, notFound(id)
	}
	out := make([]*task.Task, 0, len(n.children))
	for _, cid := range n.children {
		c := r.nodes[cid].task
		if liveOnly && c.IsTerminal() {
			continue
		}
		out = append(out, c.Clone())
	}
	return out, nil
}

// RootOf returns the id of the root of id's tree.
func (r *TaskRouter) RootOf(id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return "", notFound(id)
	}
	return n.root, nil
}

// Ancestors returns the ids from id's parent up to the root.
func (r *TaskRouter) Ancestors(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, notFound(id)
	}
	var out []string
	for p := n.task.ParentID; p != ""; {
		out = append(out, p)
		p = r.nodes[p].task.ParentID
	}
	return out, nil
}

// Transition performs a non-terminal state change. Terminal states go through MarkTerminal.
func (r *TaskRouter) Transition(ctx context.Context, id string, to task.State) error {
	if to.IsTerminal() {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("task %s: terminal state %s must be set through MarkTerminal", id, to))
	}
	return r.mutate(ctx, id, func(t *task.Task) error {
		from := t.State
		if err := t.Transition(to, nil); err != nil {
			return err
		}
		r.metrics.RecordTaskTransition(string(from), string(to))
		return nil
	})
}

// MarkTerminal moves id into a terminal state. It succeeds at most once per task.
// COMPLETED additionally requires every child to be terminal.
func (r *TaskRouter) MarkTerminal(ctx context.Context, id string, state task.State, taskErr *task.TaskError) error {
	if !state.IsTerminal() {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("task %s: %s is not a terminal state", id, state))
	}

	var snapshot *task.Task
	err := r.mutate(ctx, id, func(t *task.Task) error {
		if state == task.StateCompleted {
			if live := r.liveChildCount(id); live > 0 {
				return types.NewError(types.ErrInvalidTransition,
					fmt.Sprintf("task %s has %d unfinished children", id, live))
			}
		}
		from := t.State
		if err := t.Transition(state, taskErr); err != nil {
			return err
		}
		r.metrics.RecordTaskTransition(string(from), string(state))
		snapshot = t.Clone()
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("task terminal",
		zap.String("task_id", id),
		zap.String("state", string(state)))
	r.notify(snapshot)
	return nil
}

// AppendMessage appends m to the task's message log.
func (r *TaskRouter) AppendMessage(ctx context.Context, id string, m task.Message) error {
	unlock, n, err := r.lockNode(id)
	if err != nil {
		return err
	}
	defer unlock()

	r.mu.Lock()
	err = n.task.AppendMessage(m)
	var stored task.Message
	if err == nil {
		stored, _ = n.task.LastMessage()
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if r.repo != nil {
		if perr := r.repo.AppendMessage(ctx, id, stored); perr != nil {
			r.logger.Warn("persist message failed", zap.String("task_id", id), zap.Error(perr))
		}
	}
	return nil
}

// AttachArtifact attaches a copy of a to the task.
func (r *TaskRouter) AttachArtifact(ctx context.Context, id string, a task.Artifact) error {
	return r.mutate(ctx, id, func(t *task.Task) error {
		return t.AttachArtifact(a)
	})
}

// CancelTree cancels id and every non-terminal descendant, leaves first.
// It returns the number of tasks it cancelled.
func (r *TaskRouter) CancelTree(ctx context.Context, id, reason string) (int, error) {
	unlock, _, err := r.lockNode(id)
	if err != nil {
		return 0, err
	}

	var cancelled []*task.Task
	r.mu.Lock()
	for _, tid := range r.postOrder(id) {
		t := r.nodes[tid].task
		if t.IsTerminal() {
			continue
		}
		from := t.State
		taskErr := task.NewTaskError(task.ErrorCancelled, reason)
		if err := t.Transition(task.StateCancelled, taskErr); err != nil {
			// Every non-terminal state may move to CANCELLED.
			r.logger.Error("cancel transition rejected", zap.String("task_id", tid), zap.Error(err))
			continue
		}
		r.metrics.RecordTaskTransition(string(from), string(task.StateCancelled))
		cancelled = append(cancelled, t.Clone())
	}
	r.mu.Unlock()

	for _, t := range cancelled {
		r.persist(ctx, t)
	}
	unlock()

	for _, t := range cancelled {
		r.notify(t)
	}
	if len(cancelled) > 0 {
		r.logger.Info("task tree cancelled",
			zap.String("task_id", id),
			zap.Int("cancelled", len(cancelled)),
			zap.String("reason", reason))
	}
	return len(cancelled), nil
}

// WatchTerminal calls fn once id reaches a terminal state, immediately when it
// already has. The returned function removes the watch.
func (r *TaskRouter) WatchTerminal(id string, fn TerminalFunc) (func(), error) {
	r.watchMu.Lock()
	r.mu.RLock()
	n, ok := r.nodes[id]
	var snapshot *task.Task
	if ok && n.task.IsTerminal() {
		snapshot = n.task.Clone()
	}
	r.mu.RUnlock()
	if !ok {
		r.watchMu.Unlock()
		return nil, notFound(id)
	}
	if snapshot != nil {
		r.watchMu.Unlock()
		fn(snapshot)
		return func() {}, nil
	}

	r.watchSeq++
	wid := r.watchSeq
	r.watchers[id] = append(r.watchers[id], watcher{id: wid, fn: fn})
	r.watchMu.Unlock()

	return func() {
		r.watchMu.Lock()
		defer r.watchMu.Unlock()
		ws := r.watchers[id]
		for i, w := range ws {
			if w.id == wid {
				r.watchers[id] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		if len(r.watchers[id]) == 0 {
			delete(r.watchers, id)
		}
	}, nil
}

// Forget drops a finished tree from memory. Every task in it must be terminal.
func (r *TaskRouter) Forget(rootID string) error {
	unlock, n, err := r.lockNode(rootID)
	if err != nil {
		return err
	}
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if n.root != rootID {
		return types.NewError(types.ErrInvalidParent, fmt.Sprintf("task %s is not a root", rootID))
	}
	ids := r.postOrder(rootID)
	for _, tid := range ids {
		if !r.nodes[tid].task.IsTerminal() {
			return types.NewError(types.ErrInvalidTransition,
				fmt.Sprintf("task %s is still %s", tid, r.nodes[tid].task.State))
		}
	}
	for _, tid := range ids {
		delete(r.nodes, tid)
	}
	return nil
}

// Len returns the number of tracked tasks.
func (r *TaskRouter) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// mutate applies fn to the task under its tree lock and persists the result.
func (r *TaskRouter) mutate(ctx context.Context, id string, fn func(t *task.Task) error) error {
	unlock, n, err := r.lockNode(id)
	if err != nil {
		return err
	}
	defer unlock()

	r.mu.Lock()
	err = fn(n.task)
	var snapshot *task.Task
	if err == nil {
		snapshot = n.task.Clone()
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.persist(ctx, snapshot)
	return nil
}

func (r *TaskRouter) lockNode(id string) (func(), *node, error) {
	root, err := r.RootOf(id)
	if err != nil {
		return nil, nil, err
	}
	unlock := r.trees.Lock(root)
	r.mu.RLock()
	n, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		unlock()
		return nil, nil, notFound(id)
	}
	return unlock, n, nil
}

// postOrder lists the subtree of id, children before parents. Caller holds r.mu.
func (r *TaskRouter) postOrder(id string) []string {
	var out []string
	var walk func(string)
	walk = func(tid string) {
		n, ok := r.nodes[tid]
		if !ok {
			return
		}
		for _, c := range n.children {
			walk(c)
		}
		out = append(out, tid)
	}
	walk(id)
	return out
}

func (r *TaskRouter) liveChildCount(id string) int {
	live := 0
	for _, cid := range r.nodes[id].children {
		if c, ok := r.nodes[cid]; ok && !c.task.IsTerminal() {
			live++
		}
	}
	return live
}

func (r *TaskRouter) persist(ctx context.Context, t *task.Task) {
	if r.repo == nil {
		return
	}
	if err := r.repo.SaveTask(ctx, t); err != nil {
		r.logger.Warn("persist task failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (r *TaskRouter) notify(t *task.Task) {
	r.watchMu.Lock()
	ws := r.watchers[t.ID]
	delete(r.watchers, t.ID)
	r.watchMu.Unlock()

	for _, w := range ws {
		w.fn(t.Clone())
	}
}
