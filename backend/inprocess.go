package backend

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/types"
)

// InProcessBackend runs activities directly on the calling goroutine.
type InProcessBackend struct {
	logger *zap.Logger
}

var _ ExecutionBackend = (*InProcessBackend)(nil)

// NewInProcessBackend creates a pass-through backend.
func NewInProcessBackend(logger *zap.Logger) *InProcessBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InProcessBackend{logger: logger.With(zap.String("component", "backend.inprocess"))}
}

func (b *InProcessBackend) Name() string { return "inprocess" }

// RunActivity calls act.Fn once. timeout and maxRetries are ignored.
func (b *InProcessBackend) RunActivity(ctx context.Context, act Activity, _ time.Duration, _ int) (any, error) {
	result, err := invoke(ctx, act)
	if err != nil {
		b.logger.Debug("activity failed", zap.String("activity", act.Name), zap.Error(err))
		return nil, &ActivityError{Name: act.Name, Attempts: 1, Cause: err}
	}
	return result, nil
}

func (b *InProcessBackend) Close() error { return nil }

// invoke runs the activity function and turns a panic into an internal error.
func invoke(ctx context.Context, act Activity) (result any, err error) {
	if act.Fn == nil {
		return nil, types.NewError(types.ErrInternalError, "activity has no function")
	}
	defer func() {
		if r := recover(); r != nil {
			err = types.NewError(types.ErrInternalError, fmt.Sprintf("activity panicked: %v", r))
		}
	}()
	return act.Fn(ctx)
}
