package router

import (
	"errors"
	"fmt"

	"github.com/BaSui01/agentorch/task"
	"github.com/BaSui01/agentorch/types"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = types.NewError(types.ErrNotFound, "task not found")
	// ErrAgentRequired is returned when a task is created without an agent.
	ErrAgentRequired = errors.New("router: agent id is required")
)

// InvalidParentError is returned when a child is created under a terminal parent.
type InvalidParentError struct {
	ParentID string
	State    task.State
}

func (e *InvalidParentError) Error() string {
	return fmt.Sprintf("parent task %s is %s and accepts no children", e.ParentID, e.State)
}

// Unwrap exposes the INVALID_PARENT code to types.GetErrorCode.
func (e *InvalidParentError) Unwrap() error {
	return types.NewError(types.ErrInvalidParent, e.Error())
}

func notFound(id string) error {
	return fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
}
