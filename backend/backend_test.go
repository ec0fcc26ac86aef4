package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/types"
)

func setupDurable(t *testing.T) (*DurableBackend, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewDurableBackend(client, DurableConfig{
		Prefix:         "test:",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(func() {
		_ = b.Close()
		_ = client.Close()
	})
	return b, mr
}

type answer struct {
	Text string `json:"text"`
}

func TestInProcessBackend_PassThrough(t *testing.T) {
	b := NewInProcessBackend(nil)
	assert.Equal(t, "inprocess", b.Name())

	got, err := b.RunActivity(context.Background(), Activity{
		Name: "echo",
		Fn:   func(ctx context.Context) (any, error) { return "hi", nil },
	}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "hi", got)
}

func TestInProcessBackend_NoRetryAndWrapsCause(t *testing.T) {
	b := NewInProcessBackend(nil)
	var calls atomic.Int32
	cause := types.Transient("down", nil)

	_, err := b.RunActivity(context.Background(), Activity{
		Name: "flaky",
		Fn: func(ctx context.Context) (any, error) {
			calls.Add(1)
			return nil, cause
		},
	}, time.Second, 5)

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var ae *ActivityError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "flaky", ae.Name)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, types.ErrTransientBackend, types.GetErrorCode(err))
}

func TestInProcessBackend_RecoversPanic(t *testing.T) {
	b := NewInProcessBackend(nil)
	_, err := b.RunActivity(context.Background(), Activity{
		Name: "boom",
		Fn:   func(ctx context.Context) (any, error) { panic("bad") },
	}, 0, 0)
	require.Error(t, err)
	assert.Equal(t, types.ErrInternalError, types.GetErrorCode(err))
}

func TestDurableBackend_RetriesTransientThenJournals(t *testing.T) {
	b, _ := setupDurable(t)
	ctx := context.Background()

	var calls atomic.Int32
	act := Activity{
		Name: "summarize",
		Key:  "task-1:summarize",
		Fn: func(ctx context.Context) (any, error) {
			if calls.Add(1) < 3 {
				return nil, types.Transient("backend down", nil)
			}
			return answer{Text: "done"}, nil
		},
	}

	got, err := b.RunActivity(ctx, act, time.Second, 3)
	require.NoError(t, err)
	assert.Equal(t, answer{Text: "done"}, got)
	assert.Equal(t, int32(3), calls.Load())

	entry, found, err := b.Lookup(ctx, act.Key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.Equal(t, 3, entry.Attempts)
}

func TestDurableBackend_ReplaysCompletedActivity(t *testing.T) {
	b, _ := setupDurable(t)
	ctx := context.Background()

	var calls atomic.Int32
	act := Activity{
		Name: "summarize",
		Key:  "task-2:summarize",
		Fn: func(ctx context.Context) (any, error) {
			calls.Add(1)
			return answer{Text: "once"}, nil
		},
	}

	first, err := b.RunActivity(ctx, act, 0, 0)
	require.NoError(t, err)
	second, err := b.RunActivity(ctx, act, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	_, isRaw := second.(json.RawMessage)
	assert.True(t, isRaw)

	a, err := Decode[answer](first)
	require.NoError(t, err)
	b2, err := Decode[answer](second)
	require.NoError(t, err)
	assert.Equal(t, a, b2)
}

func TestDurableBackend_ForgetRunsAgain(t *testing.T) {
	b, _ := setupDurable(t)
	ctx := context.Background()

	var calls atomic.Int32
	act := Activity{Name: "n", Key: "k", Fn: func(ctx context.Context) (any, error) {
		return int(calls.Add(1)), nil
	}}
	_, err := b.RunActivity(ctx, act, 0, 0)
	require.NoError(t, err)
	require.NoError(t, b.Forget(ctx, "k"))
	_, err = b.RunActivity(ctx, act, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDurableBackend_NonRetryableFailsOnce(t *testing.T) {
	b, _ := setupDurable(t)
	ctx := context.Background()

	var calls atomic.Int32
	act := Activity{Name: "reject", Key: "task-3", Fn: func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, types.Rejected("not my job")
	}}

	_, err := b.RunActivity(ctx, act, time.Second, 3)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, types.ErrDelegateRejected, types.GetErrorCode(err))

	entry, found, err := b.Lookup(ctx, "task-3")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusFailed, entry.Status)
}

func TestDurableBackend_PerAttemptTimeout(t *testing.T) {
	b, _ := setupDurable(t)

	var calls atomic.Int32
	act := Activity{Name: "slow", Fn: func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	_, err := b.RunActivity(context.Background(), act, 10*time.Millisecond, 2)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, types.ErrTimeout, types.GetErrorCode(err))

	var ae *ActivityError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 3, ae.Attempts)
}

func TestDurableBackend_MaxTimeoutNarrowsCallerTimeout(t *testing.T) {
	b, _ := setupDurable(t)
	b.cfg.MaxTimeout = 10 * time.Millisecond

	start := time.Now()
	_, err := b.RunActivity(context.Background(), Activity{Name: "slow", Fn: func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}, time.Minute, 0)

	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, types.ErrTimeout, types.GetErrorCode(err))
}

func TestDurableBackend_JournalUnavailable(t *testing.T) {
	b, mr := setupDurable(t)
	mr.Close()

	_, err := b.RunActivity(context.Background(), Activity{Name: "x", Key: "k", Fn: func(ctx context.Context) (any, error) {
		return 1, nil
	}}, 0, 0)
	require.Error(t, err)
	assert.Equal(t, types.ErrTransientBackend, types.GetErrorCode(err))
}

func TestDecode(t *testing.T) {
	v, err := Decode[int](7)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = Decode[int](json.RawMessage("42"))
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Decode[int]("nope")
	assert.Error(t, err)
}

func TestDurableBackend_CloseLeavesClientOpen(t *testing.T) {
	b, _ := setupDurable(t)
	require.NoError(t, b.Close())
	require.NoError(t, b.client.Ping(context.Background()).Err())

	v, err := b.RunActivity(context.Background(), Activity{
		Name: "after close",
		Key:  "closed-1",
		Fn:   func(ctx context.Context) (any, error) { return answer{Text: "still works"}, nil },
	}, time.Second, 0)
	require.NoError(t, err)
	assert.NotNil(t, v)
}
