package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ActivityFunc is the unit of work an activity runs.
type ActivityFunc func(ctx context.Context) (any, error)

// Activity is one named, optionally idempotent, piece of work.
type Activity struct {
	// Name is used in logs, span names and metrics.
	Name string
	// Key identifies the activity across retries and restarts. Empty means not journaled.
	Key string
	Fn  ActivityFunc
}

// ExecutionBackend runs activities. Implementations must be safe for concurrent use.
type ExecutionBackend interface {
	// Name returns the backend name ("inprocess", "durable").
	Name() string

	// RunActivity executes act. timeout and maxRetries are honored by backends
	// that track them; a zero timeout means no backend-side deadline.
	RunActivity(ctx context.Context, act Activity, timeout time.Duration, maxRetries int) (any, error)

	// Close releases backend resources.
	Close() error
}

// ActivityError wraps every failure returned by a backend.
type ActivityError struct {
	Name     string
	Attempts int
	Cause    error
}

func (e *ActivityError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("activity %s failed after %d attempts: %v", e.Name, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("activity %s failed: %v", e.Name, e.Cause)
}

func (e *ActivityError) Unwrap() error { return e.Cause }

// Decode converts an activity result into T. Replayed results from the durable
// journal arrive as json.RawMessage; fresh results are returned as-is.
func Decode[T any](v any) (T, error) {
	var zero T
	switch r := v.(type) {
	case nil:
		return zero, nil
	case T:
		return r, nil
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(r, &out); err != nil {
			return zero, fmt.Errorf("decode activity result: %w", err)
		}
		return out, nil
	default:
		return zero, fmt.Errorf("decode activity result: unexpected type %T", v)
	}
}
