package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/internal/retry"
	"github.com/BaSui01/agentorch/internal/telemetry"
	"github.com/BaSui01/agentorch/types"
)

const tracerName = "github.com/BaSui01/agentorch/backend"

// Journal entry statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// JournalEntry is the recorded state of one keyed activity.
type JournalEntry struct {
	Name      string          `json:"name"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DurableConfig configures the durable backend.
type DurableConfig struct {
	// Prefix is prepended to every journal key.
	Prefix string
	// Retention is how long journal entries are kept.
	Retention time.Duration
	// MaxTimeout caps the per-attempt timeout regardless of what the caller passes.
	MaxTimeout     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultDurableConfig returns sensible defaults.
func DefaultDurableConfig() DurableConfig {
	return DurableConfig{
		Prefix:         "agentorch:",
		Retention:      24 * time.Hour,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// DurableBackend journals keyed activities in Redis and replays recorded successes.
type DurableBackend struct {
	client *redis.Client
	cfg    DurableConfig
	tracer trace.Tracer
	logger *zap.Logger
}

var _ ExecutionBackend = (*DurableBackend)(nil)

// NewDurableBackend creates a durable backend on top of client.
func NewDurableBackend(client *redis.Client, cfg DurableConfig, logger *zap.Logger) *DurableBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultDurableConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &DurableBackend{
		client: client,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		logger: logger.With(zap.String("component", "backend.durable")),
	}
}

func (b *DurableBackend) Name() string { return "durable" }

// RunActivity executes act with a per-attempt timeout and up to maxRetries
// retries of transient failures. A keyed activity that already completed is
// replayed from the journal as json.RawMessage without running Fn.
func (b *DurableBackend) RunActivity(ctx context.Context, act Activity, timeout time.Duration, maxRetries int) (any, error) {
	ctx, span := b.tracer.Start(ctx, "activity "+act.Name,
		trace.WithAttributes(telemetry.ActivityAttributes(act.Name, act.Key)...))
	defer span.End()

	if act.Key != "" {
		entry, found, err := b.Lookup(ctx, act.Key)
		if err != nil {
			telemetry.Fail(span, err)
			return nil, &ActivityError{Name: act.Name, Cause: types.Transient("journal unavailable", err)}
		}
		if found && entry.Status == StatusCompleted {
			b.logger.Debug("replaying activity", zap.String("activity", act.Name), zap.String("key", act.Key))
			span.SetAttributes(telemetry.ActivityReplayedKey.Bool(true))
			return entry.Result, nil
		}
	}

	timeout = b.effectiveTimeout(timeout)
	attempts := 0
	retryer := retry.NewBackoffRetryer(&retry.RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: b.cfg.InitialBackoff,
		MaxDelay:     b.cfg.MaxBackoff,
		Multiplier:   2,
		Jitter:       true,
		Retryable:    types.IsRetryable,
	}, b.logger)

	result, err := retryer.DoWithResult(ctx, func() (any, error) {
		attempts++
		b.record(ctx, act, JournalEntry{Status: StatusRunning, Attempts: attempts})
		return b.attempt(ctx, act, timeout)
	})
	span.SetAttributes(telemetry.ActivityAttemptsKey.Int(attempts))

	if err != nil {
		telemetry.Fail(span, err)
		b.record(ctx, act, JournalEntry{Status: StatusFailed, Attempts: attempts, Error: err.Error()})
		return nil, &ActivityError{Name: act.Name, Attempts: attempts, Cause: err}
	}

	if act.Key != "" {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			b.logger.Warn("activity result not journaled", zap.String("activity", act.Name), zap.Error(mErr))
		} else {
			b.record(ctx, act, JournalEntry{Status: StatusCompleted, Attempts: attempts, Result: raw})
		}
	}
	return result, nil
}

func (b *DurableBackend) attempt(ctx context.Context, act Activity, timeout time.Duration) (any, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := invoke(attemptCtx, act)
	if err == nil {
		return result, nil
	}
	// Only our own deadline becomes a retryable TIMEOUT; a done parent context is final.
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return nil, types.NewError(types.ErrTimeout,
			fmt.Sprintf("activity %s exceeded %s", act.Name, timeout)).WithCause(err)
	}
	return nil, err
}

func (b *DurableBackend) effectiveTimeout(timeout time.Duration) time.Duration {
	if b.cfg.MaxTimeout > 0 && (timeout <= 0 || b.cfg.MaxTimeout < timeout) {
		return b.cfg.MaxTimeout
	}
	return timeout
}

// Lookup returns the journal entry for key.
func (b *DurableBackend) Lookup(ctx context.Context, key string) (*JournalEntry, bool, error) {
	data, err := b.client.Get(ctx, b.journalKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read journal: %w", err)
	}
	var entry JournalEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("decode journal entry: %w", err)
	}
	return &entry, true, nil
}

// Forget removes the journal entry for key so the activity runs again.
func (b *DurableBackend) Forget(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.journalKey(key)).Err(); err != nil {
		return fmt.Errorf("delete journal entry: %w", err)
	}
	return nil
}

func (b *DurableBackend) record(ctx context.Context, act Activity, entry JournalEntry) {
	if act.Key == "" {
		return
	}
	entry.Name = act.Name
	entry.UpdatedAt = time.Now()
	data, err := json.Marshal(entry)
	if err != nil {
		b.logger.Warn("encode journal entry", zap.String("activity", act.Name), zap.Error(err))
		return
	}
	// Journal writes must survive a cancelled activity context.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := b.client.Set(wctx, b.journalKey(act.Key), data, b.cfg.Retention).Err(); err != nil {
		b.logger.Warn("write journal entry",
			zap.String("activity", act.Name),
			zap.String("status", entry.Status),
			zap.Error(err))
	}
}

func (b *DurableBackend) journalKey(key string) string {
	return b.cfg.Prefix + "activity:" + key
}

// Close leaves the Redis client open; it is injected and owned by the caller.
func (b *DurableBackend) Close() error { return nil }
