package task

import "fmt"

// ErrorKind classifies terminal task failures.
type ErrorKind string

const (
	ErrorTimeout            ErrorKind = "timeout"
	ErrorBackendUnavailable ErrorKind = "backend_unavailable"
	ErrorRetriesExhausted   ErrorKind = "retries_exhausted"
	ErrorDelegateFailure    ErrorKind = "delegate_failure"
	ErrorCancelled          ErrorKind = "cancelled"
	ErrorInternal           ErrorKind = "internal"
)

// TaskError is recorded on a task when it ends in FAILED (or CANCELLED with a reason).
type TaskError struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	ChildTaskID string    `json:"child_task_id,omitempty"`
	Cause       error     `json:"-"`
}

// NewTaskError creates a TaskError.
func NewTaskError(kind ErrorKind, message string) *TaskError {
	return &TaskError{Kind: kind, Message: message}
}

func (e *TaskError) Error() string {
	if e.ChildTaskID != "" {
		return fmt.Sprintf("%s: %s (child task %s)", e.Kind, e.Message, e.ChildTaskID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error { return e.Cause }

// WithCause attaches the underlying error.
func (e *TaskError) WithCause(err error) *TaskError {
	e.Cause = err
	return e
}

// WithChild records the child task the failure originated from.
func (e *TaskError) WithChild(childTaskID string) *TaskError {
	e.ChildTaskID = childTaskID
	return e
}

func (e *TaskError) clone() *TaskError {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
