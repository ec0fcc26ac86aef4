package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and resource attribute keys shared by the scheduler, the execution
// backends and the orchestration manager. Dashboards join spans of one task
// tree on TaskIDKey and RootTaskIDKey.
const (
	AgentIDKey        = attribute.Key("agentorch.agent.id")
	TaskIDKey         = attribute.Key("agentorch.task.id")
	RootTaskIDKey     = attribute.Key("agentorch.root_task.id")
	ConversationIDKey = attribute.Key("agentorch.conversation.id")
	StrategyKey       = attribute.Key("agentorch.strategy")
	CandidatesKey     = attribute.Key("agentorch.candidates")
	AttemptKey        = attribute.Key("agentorch.attempt")
	BackendKey        = attribute.Key("agentorch.backend")
	StoreKey          = attribute.Key("agentorch.store")

	ActivityNameKey     = attribute.Key("agentorch.activity.name")
	ActivityKeyKey      = attribute.Key("agentorch.activity.key")
	ActivityAttemptsKey = attribute.Key("agentorch.activity.attempts")
	ActivityReplayedKey = attribute.Key("agentorch.activity.replayed")
)

// AttemptAttributes describes one scheduler attempt of an agent on a task.
func AttemptAttributes(agentID, taskID string, attempt int, backend string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AgentIDKey.String(agentID),
		TaskIDKey.String(taskID),
		AttemptKey.Int(attempt),
		BackendKey.String(backend),
	}
}

// ExecuteAttributes describes one orchestration run before its root task exists.
func ExecuteAttributes(strategy, conversationID string, candidates int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		StrategyKey.String(strategy),
		CandidatesKey.Int(candidates),
	}
	if conversationID != "" {
		attrs = append(attrs, ConversationIDKey.String(conversationID))
	}
	return attrs
}

// ActivityAttributes describes one backend activity.
func ActivityAttributes(name, key string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{ActivityNameKey.String(name)}
	if key != "" {
		attrs = append(attrs, ActivityKeyKey.String(key))
	}
	return attrs
}

// Fail marks span as failed with err. A nil err leaves the span untouched.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
