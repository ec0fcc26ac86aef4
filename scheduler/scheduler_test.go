package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/backend"
	"github.com/BaSui01/agentorch/internal/metrics"
	"github.com/BaSui01/agentorch/router"
	"github.com/BaSui01/agentorch/scheduler"
	"github.com/BaSui01/agentorch/task"
	"github.com/BaSui01/agentorch/types"
)

func testConfig() scheduler.ScheduleConfig {
	return scheduler.ScheduleConfig{
		Timeout:        time.Second,
		MaxRetries:     2,
		MaxConcurrent:  2,
		QueueSize:      4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func newScheduler(t *testing.T, cfg scheduler.ScheduleConfig, be backend.ExecutionBackend) (*scheduler.AgentScheduler, *router.TaskRouter) {
	t.Helper()
	r := router.New()
	s := scheduler.New(cfg, be, scheduler.WithTracker(r), scheduler.WithLogger(zap.NewNop()))
	t.Cleanup(func() { _ = s.Close() })
	return s, r
}

func newTask(t *testing.T, r *router.TaskRouter, agent string) string {
	t.Helper()
	tk, err := r.CreateTask(context.Background(), router.CreateOptions{AgentID: agent})
	require.NoError(t, err)
	return tk.ID
}

func reply(text string) *scheduler.Result {
	m := task.NewTextMessage(task.RoleAgent, text)
	return &scheduler.Result{Message: &m}
}

func TestSchedule_CompletesTask(t *testing.T) {
	s, r := newScheduler(t, testConfig(), nil)
	id := newTask(t, r, "writer")

	h, err := s.Schedule(context.Background(), "writer", id, func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		res := reply("done")
		res.Artifacts = []task.Artifact{task.NewArtifact("draft", task.TextPart("body"))}
		return res, nil
	})
	require.NoError(t, err)

	out, err := s.AwaitResult(context.Background(), h)
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, "done", out.Message.Text())
	assert.Equal(t, 1, out.Attempts)

	got, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.State)
	require.Len(t, got.Messages, 1)
	require.Len(t, got.Artifacts, 1)
	require.Len(t, got.History, 2)
	assert.Equal(t, task.StateWorking, got.History[0].To)

	assert.Equal(t, int64(1), s.Stats().Completed)
}

func TestSchedule_RetriesTransientThenSucceeds(t *testing.T) {
	s, r := newScheduler(t, testConfig(), nil)
	id := newTask(t, r, "flaky")

	var calls atomic.Int32
	h, err := s.Schedule(context.Background(), "flaky", id, func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		if calls.Add(1) < 3 {
			return nil, types.Transient("backend hiccup", nil)
		}
		return reply("ok"), nil
	})
	require.NoError(t, err)

	out, err := s.AwaitResult(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, "ok", out.Message.Text())

	// Same observable outcome as a single successful call.
	got, _ := r.Get(id)
	assert.Equal(t, task.StateCompleted, got.State)
	assert.Len(t, got.Messages, 1)
}

func TestSchedule_RetriesExhausted(t *testing.T) {
	s, r := newScheduler(t, testConfig(), nil)
	id := newTask(t, r, "down")

	var calls atomic.Int32
	h, err := s.Schedule(context.Background(), "down", id, func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		calls.Add(1)
		return nil, types.Transient("still down", nil)
	})
	require.NoError(t, err)

	out, err := s.AwaitResult(context.Background(), h)
	require.Error(t, err)
	var te *task.TaskError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, task.ErrorRetriesExhausted, te.Kind)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, out.Attempts)

	got, _ := r.Get(id)
	assert.Equal(t, task.StateFailed, got.State)
	assert.Equal(t, task.ErrorRetriesExhausted, got.Error.Kind)
}

func TestSchedule_DelegateRejectedNotRetried(t *testing.T) {
	s, r := newScheduler(t, testConfig(), nil)
	id := newTask(t, r, "picky")

	var calls atomic.Int32
	h, err := s.Schedule(context.Background(), "picky", id, func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		calls.Add(1)
		return nil, types.Rejected("out of scope")
	})
	require.NoError(t, err)

	out, err := s.AwaitResult(context.Background(), h)
	require.Error(t, err)
	assert.Equal(t, task.ErrorDelegateFailure, out.Err.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSchedule_TimeoutRetriedThenRecordedOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	s, r := newScheduler(t, cfg, nil)
	id := newTask(t, r, "slow")

	var calls atomic.Int32
	h, err := s.Schedule(context.Background(), "slow", id, func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	out, err := s.AwaitResult(context.Background(), h)
	require.Error(t, err)
	assert.Equal(t, task.ErrorTimeout, out.Err.Kind)
	assert.Equal(t, 3, out.Attempts, "max_retries=2 gives three attempts")

	got, _ := r.Get(id)
	assert.Equal(t, task.StateFailed, got.State)
	assert.Equal(t, task.ErrorTimeout, got.Error.Kind)
}

func TestSchedule_UncooperativeWorkStillTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRetries = 0
	s, r := newScheduler(t, cfg, nil)
	id := newTask(t, r, "stuck")

	release := make(chan struct{})
	defer close(release)
	h, err := s.Schedule(context.Background(), "stuck", id, func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		<-release
		return reply("late"), nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := s.AwaitResult(ctx, h)
	require.Error(t, err)
	assert.Equal(t, task.ErrorTimeout, out.Err.Kind)
}

func TestSchedule_DurableBackendNarrowerTimeoutWins(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	be := backend.NewDurableBackend(client, backend.DurableConfig{
		Prefix:         "sched:",
		MaxTimeout:     20 * time.Millisecond,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, nil)

	cfg := testConfig()
	cfg.Timeout = 5 * time.Second
	cfg.MaxRetries = 0
	s, r := newScheduler(t, cfg, be)
	id := newTask(t, r, "slow")

	start := time.Now()
	h, err := s.Schedule(context.Background(), "slow", id, func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	out, err := s.AwaitResult(context.Background(), h)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, task.ErrorTimeout, out.Err.Kind)

	got, _ := r.Get(id)
	assert.Equal(t, task.StateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Len(t, got.History, 2, "exactly one terminal transition")
}

func TestSchedule_DurableBackendReplaysResult(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	be := backend.NewDurableBackend(client, backend.DurableConfig{Prefix: "sched:"}, nil)
	s := scheduler.New(testConfig(), be)
	defer s.Close()

	var calls atomic.Int32
	work := func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		calls.Add(1)
		return reply("journaled"), nil
	}

	for i := 0; i < 2; i++ {
		h, err := s.Schedule(context.Background(), "writer", "task-1", work)
		require.NoError(t, err)
		out, err := s.AwaitResult(context.Background(), h)
		require.NoError(t, err)
		assert.Equal(t, "journaled", out.Message.Text())
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestSchedule_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.QueueSize = 1
	s := scheduler.New(cfg, nil)
	defer s.Close()

	block := make(chan struct{})
	work := func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return reply("x"), nil
	}

	h1, err := s.Schedule(context.Background(), "a", "t1", work)
	require.NoError(t, err)
	h2, err := s.Schedule(context.Background(), "a", "t2", work)
	require.NoError(t, err)

	_, err = s.Schedule(context.Background(), "a", "t3", work)
	require.ErrorIs(t, err, scheduler.ErrQueueFull)
	assert.Equal(t, types.ErrQueueFull, types.GetErrorCode(err))
	assert.Equal(t, int64(1), s.Stats().Rejected)

	close(block)
	for _, h := range []*scheduler.Handle{h1, h2} {
		_, err := s.AwaitResult(context.Background(), h)
		require.NoError(t, err)
	}
}

func TestSchedule_RejectsTerminalTask(t *testing.T) {
	s, r := newScheduler(t, testConfig(), nil)
	id := newTask(t, r, "a")
	require.NoError(t, r.MarkTerminal(context.Background(), id, task.StateCancelled, nil))

	_, err := s.Schedule(context.Background(), "a", id, func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))

	_, err = s.Schedule(context.Background(), "a", "unknown", func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, router.ErrTaskNotFound)
}

func TestCancel_Cooperative(t *testing.T) {
	s, r := newScheduler(t, testConfig(), nil)
	id := newTask(t, r, "long")

	started := make(chan struct{})
	h, err := s.Schedule(context.Background(), "long", id, func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, r.AppendMessage(context.Background(), id, task.NewTextMessage(task.RoleAgent, "partial")))
	s.Cancel(h)

	out, err := s.AwaitResult(context.Background(), h)
	require.Error(t, err)
	assert.True(t, out.Cancelled())

	got, _ := r.Get(id)
	assert.Equal(t, task.StateCancelled, got.State)
	assert.Len(t, got.Messages, 1, "only what was already appended")
	assert.Equal(t, int64(1), s.Stats().Cancelled)
}

func TestCancelTree_WhileRunning(t *testing.T) {
	s, r := newScheduler(t, testConfig(), nil)
	id := newTask(t, r, "long")

	started := make(chan struct{})
	finish := make(chan struct{})
	h, err := s.Schedule(context.Background(), "long", id, func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		close(started)
		<-finish
		return reply("too late"), nil
	})
	require.NoError(t, err)

	<-started
	_, err = r.CancelTree(context.Background(), id, "abort")
	require.NoError(t, err)
	close(finish)

	out, err := s.AwaitResult(context.Background(), h)
	require.Error(t, err)
	assert.True(t, out.Cancelled())

	got, _ := r.Get(id)
	assert.Equal(t, task.StateCancelled, got.State)
	assert.Empty(t, got.Messages)
}

func TestCancelTree_StopsRunningWork(t *testing.T) {
	s, r := newScheduler(t, testConfig(), nil)
	parent := newTask(t, r, "lead")
	child, err := r.CreateTask(context.Background(), router.CreateOptions{ParentID: parent, AgentID: "worker"})
	require.NoError(t, err)

	started := make(chan struct{})
	observed := make(chan struct{})
	h, err := s.Schedule(context.Background(), "worker", child.ID, func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		close(started)
		select {
		case <-ctx.Done():
			close(observed)
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
			return reply("ran to completion"), nil
		}
	})
	require.NoError(t, err)

	<-started
	_, err = r.CancelTree(context.Background(), parent, "abort")
	require.NoError(t, err)

	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("work did not observe the cascading cancel")
	}

	out, err := s.AwaitResult(context.Background(), h)
	require.Error(t, err)
	assert.True(t, out.Cancelled())
	got, _ := r.Get(child.ID)
	assert.Equal(t, task.StateCancelled, got.State)
	assert.Empty(t, got.Messages)
}

func TestClose_LeavesBackendOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	be := backend.NewDurableBackend(client, backend.DefaultDurableConfig(), zap.NewNop())

	s := scheduler.New(testConfig(), be)
	require.NoError(t, s.Close())

	v, err := be.RunActivity(context.Background(), backend.Activity{
		Name: "after close",
		Key:  "k-after-close",
		Fn:   func(ctx context.Context) (any, error) { return "ok", nil },
	}, time.Second, 0)
	require.NoError(t, err)
	assert.NotNil(t, v)
	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestAwaitResult_ContextDone(t *testing.T) {
	s := scheduler.New(testConfig(), nil)
	defer s.Close()

	block := make(chan struct{})
	defer close(block)
	h, err := s.Schedule(context.Background(), "a", "t1", func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		<-block
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.AwaitResult(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClose_RejectsNewWork(t *testing.T) {
	s := scheduler.New(testConfig(), nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Schedule(context.Background(), "a", "t1", func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, scheduler.ErrClosed)
}

func TestSchedule_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mc := metrics.NewCollector("sched_test", reg, nil)
	s := scheduler.New(testConfig(), nil, scheduler.WithMetrics(mc))
	defer s.Close()

	var calls atomic.Int32
	h, err := s.Schedule(context.Background(), "agent-m", "t1", func(ctx context.Context, attempt int) (*scheduler.Result, error) {
		if calls.Add(1) == 1 {
			return nil, types.Transient("blip", nil)
		}
		return reply("ok"), nil
	})
	require.NoError(t, err)
	_, err = s.AwaitResult(context.Background(), h)
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "sched_test_schedule_retries_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDefaultScheduleConfig(t *testing.T) {
	cfg := scheduler.DefaultScheduleConfig()
	assert.Positive(t, cfg.Timeout)
	assert.Positive(t, cfg.MaxConcurrent)
}
