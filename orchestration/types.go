package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/scheduler"
	"github.com/BaSui01/agentorch/task"
	"github.com/BaSui01/agentorch/types"
)

// Strategy selects how delegates are run.
type Strategy string

const (
	StrategySequential   Strategy = "SEQUENTIAL"
	StrategyParallel     Strategy = "PARALLEL"
	StrategyFirstSuccess Strategy = "FIRST_SUCCESS"
	StrategyBestOf       Strategy = "BEST_OF"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyFirstSuccess, StrategyBestOf:
		return true
	}
	return false
}

// FailurePolicy decides whether a PARALLEL or BEST_OF delegate failure cancels its siblings.
type FailurePolicy string

const (
	// FailurePolicyContinue lets siblings finish.
	FailurePolicyContinue FailurePolicy = "continue"
	// FailurePolicyCancelOnFatal cancels siblings on a non-retryable delegate failure.
	FailurePolicyCancelOnFatal FailurePolicy = "cancel_on_fatal"
)

// Config holds manager defaults.
type Config struct {
	DefaultStrategy Strategy
	FailurePolicy   FailurePolicy
	StrategyRetries int
	// Retention is how long a finished top-level task tree stays in the
	// router before it is forgotten. Zero keeps it until the caller forgets it.
	Retention time.Duration
	// CoordinatorID is the agent id recorded on root tasks.
	CoordinatorID string
}

// ConfigFrom converts the loaded orchestration section.
func ConfigFrom(c config.OrchestrationConfig) Config {
	return Config{
		DefaultStrategy: Strategy(strings.ToUpper(c.DefaultStrategy)),
		FailurePolicy:   FailurePolicy(strings.ToLower(c.FailurePolicy)),
		StrategyRetries: c.StrategyRetries,
		Retention:       c.TreeRetention,
	}
}

func (c Config) normalized() Config {
	if !c.DefaultStrategy.Valid() {
		c.DefaultStrategy = StrategySequential
	}
	if c.FailurePolicy != FailurePolicyCancelOnFatal {
		c.FailurePolicy = FailurePolicyContinue
	}
	if c.StrategyRetries < 0 {
		c.StrategyRetries = 0
	}
	if c.Retention < 0 {
		c.Retention = 0
	}
	if c.CoordinatorID == "" {
		c.CoordinatorID = "orchestrator"
	}
	return c
}

// Request is one inbound orchestration request.
type Request struct {
	ConversationID string
	Input          string
	Candidates     []string
	// Strategy defaults to Config.DefaultStrategy when empty.
	Strategy Strategy
	// ParentTaskID attaches the root of this request under an existing task.
	ParentTaskID string
	Metadata     map[string]string
}

// PriorOutput is what an earlier SEQUENTIAL delegate produced.
type PriorOutput struct {
	AgentID string `json:"agent_id"`
	Output  string `json:"output"`
}

// Invocation is handed to the Invoker for one delegate attempt.
type Invocation struct {
	AgentID        string
	TaskID         string
	RootTaskID     string
	ConversationID string
	Input          string
	Prior          []PriorOutput
	Attempt        int
}

// Invoker runs one delegate attempt. Transient failures should be reported as
// TRANSIENT_BACKEND or TIMEOUT so the scheduler retries them.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*scheduler.Result, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, inv Invocation) (*scheduler.Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (*scheduler.Result, error) {
	return f(ctx, inv)
}

// Router dispatches an invocation to the invoker registered for its agent,
// falling back to Default.
type Router struct {
	Routes  map[string]Invoker
	Default Invoker
}

func (r *Router) Invoke(ctx context.Context, inv Invocation) (*scheduler.Result, error) {
	if in, ok := r.Routes[inv.AgentID]; ok {
		return in.Invoke(ctx, inv)
	}
	if r.Default != nil {
		return r.Default.Invoke(ctx, inv)
	}
	return nil, types.Rejected(fmt.Sprintf("no invoker for agent %s", inv.AgentID)).WithAgent(inv.AgentID)
}

// SubAgentResult is the outcome of one delegate.
type SubAgentResult struct {
	AgentID   string          `json:"agent_id"`
	TaskID    string          `json:"task_id,omitempty"`
	Success   bool            `json:"success"`
	Output    string          `json:"output,omitempty"`
	Artifacts []task.Artifact `json:"artifacts,omitempty"`
	Error     *task.TaskError `json:"error,omitempty"`
	Cancelled bool            `json:"cancelled,omitempty"`
	Score     float64         `json:"score,omitempty"`
	Attempts  int             `json:"attempts"`
	Duration  time.Duration   `json:"duration"`
}

func (r SubAgentResult) outcome() string {
	switch {
	case r.Success:
		return "success"
	case r.Cancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// fatal reports a failure that retrying the same delegate would not fix.
func (r SubAgentResult) fatal() bool {
	if r.Success || r.Cancelled || r.Error == nil {
		return false
	}
	switch r.Error.Kind {
	case task.ErrorDelegateFailure, task.ErrorInternal:
		return true
	}
	return false
}

// Response is the aggregated result of one request.
type Response struct {
	RootTask  *task.Task       `json:"root_task"`
	Strategy  Strategy         `json:"strategy"`
	Output    string           `json:"output"`
	Artifacts []task.Artifact  `json:"artifacts,omitempty"`
	Results   []SubAgentResult `json:"results"`
	// Selected is the result the output came from, for FIRST_SUCCESS and BEST_OF.
	Selected *SubAgentResult `json:"selected,omitempty"`
}

// Scorer ranks successful delegate results for BEST_OF. Higher is better.
type Scorer interface {
	Score(ctx context.Context, req *Request, r SubAgentResult) (float64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, req *Request, r SubAgentResult) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, req *Request, r SubAgentResult) (float64, error) {
	return f(ctx, req, r)
}

// ErrorKind classifies orchestration failures.
type ErrorKind string

const (
	KindNoCandidates       ErrorKind = "no_candidates"
	KindAllDelegatesFailed ErrorKind = "all_delegates_failed"
)

// OrchestrationError is returned when no usable result exists.
type OrchestrationError struct {
	Kind       ErrorKind
	Strategy   Strategy
	RootTaskID string
	Failed     int
}

func (e *OrchestrationError) Error() string {
	if e.Kind == KindNoCandidates {
		return fmt.Sprintf("orchestration %s: no candidates", e.Strategy)
	}
	return fmt.Sprintf("orchestration %s: all %d delegates failed", e.Strategy, e.Failed)
}

// Unwrap exposes the matching error code to types.GetErrorCode.
func (e *OrchestrationError) Unwrap() error {
	code := types.ErrAllDelegatesFailed
	if e.Kind == KindNoCandidates {
		code = types.ErrNoCandidates
	}
	return types.NewError(code, e.Error())
}
