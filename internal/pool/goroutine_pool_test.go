package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoroutinePool_RunsTasks(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 4, QueueSize: 16})
	defer p.Close()

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			n.Add(1)
			return nil
		}, func(error) { wg.Done() })
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int32(10), n.Load())
	assert.Equal(t, int64(10), p.Stats().Completed)
}

func TestGoroutinePool_RejectsBeyondCapacity(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 1})

	release := make(chan struct{})
	block := func(ctx context.Context) error {
		<-release
		return nil
	}

	require.NoError(t, p.Submit(context.Background(), block, nil))
	require.NoError(t, p.Submit(context.Background(), block, nil))

	err := p.Submit(context.Background(), block, nil)
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
	p.Close()
	assert.Equal(t, int64(2), p.Stats().Completed)
}

func TestGoroutinePool_ZeroQueueStillAdmitsWorkers(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 2, QueueSize: 0})
	defer p.Close()

	release := make(chan struct{})
	block := func(ctx context.Context) error {
		<-release
		return nil
	}
	require.NoError(t, p.Submit(context.Background(), block, nil))
	require.NoError(t, p.Submit(context.Background(), block, nil))
	assert.ErrorIs(t, p.Submit(context.Background(), block, nil), ErrPoolFull)
	close(release)
}

func TestGoroutinePool_ConcurrencyBound(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 3, QueueSize: 50})
	defer p.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return nil
		}, func(error) { wg.Done() }))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestGoroutinePool_PanicBecomesError(t *testing.T) {
	var handled atomic.Bool
	p := NewGoroutinePool(GoroutinePoolConfig{
		MaxWorkers:   1,
		PanicHandler: func(any) { handled.Store(true) },
	})
	defer p.Close()

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	var pe *PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "boom", pe.Value)
	assert.True(t, handled.Load())
}

func TestGoroutinePool_SubmitAfterClose(t *testing.T) {
	p := NewGoroutinePool(DefaultGoroutinePoolConfig())
	p.Close()
	p.Close()
	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) error { return nil }, nil), ErrPoolClosed)
}
