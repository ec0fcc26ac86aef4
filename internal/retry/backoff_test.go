package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errTransient = errors.New("transient")

func fastPolicy(maxRetries int) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestRetryer_SucceedsAfterTransientFailures(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	calls := 0
	got, err := DoWithResultTyped[string](r, context.Background(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestRetryer_ExhaustedWrapsLastError(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return errTransient
	})

	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestRetryer_NonRetryableStopsImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	p := fastPolicy(5)
	p.Retryable = func(err error) bool { return errors.Is(err, errTransient) }
	r := NewBackoffRetryer(p, nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.False(t, IsExhausted(err))
	assert.Equal(t, 1, calls)
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	p := fastPolicy(2)
	var attempts []int
	p.OnRetry = func(attempt int, _ error, _ time.Duration) { attempts = append(attempts, attempt) }
	r := NewBackoffRetryer(p, nil)

	_ = r.Do(context.Background(), func() error { return errTransient })
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetryer_ContextCancelledDuringBackoff(t *testing.T) {
	p := fastPolicy(3)
	p.InitialDelay = time.Second
	p.MaxDelay = time.Second
	r := NewBackoffRetryer(p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestCalculateDelay_CappedAtMax(t *testing.T) {
	r := NewBackoffRetryer(&RetryPolicy{
		MaxRetries:   10,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		Multiplier:   2,
	}, nil).(*backoffRetryer)

	assert.Equal(t, 10*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 20*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 40*time.Millisecond, r.calculateDelay(5))
}
