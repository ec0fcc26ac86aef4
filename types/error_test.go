package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrTransientBackend, "backend down").
		WithCause(root).
		WithAgent("agent-a")

	assert.Equal(t, ErrTransientBackend, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "agent-a", err.AgentID)
	assert.Contains(t, err.Error(), "TRANSIENT_BACKEND")
}

func TestError_DefaultRetryability(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want bool
	}{
		{ErrTransientBackend, true},
		{ErrTimeout, true},
		{ErrDelegateRejected, false},
		{ErrInvalidTransition, false},
		{ErrInternalError, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(NewError(tt.code, "x")))
		})
	}
}

func TestError_HelpersSeeThroughWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("calling delegate: %w", Rejected("bad input"))
	assert.Equal(t, ErrDelegateRejected, GetErrorCode(wrapped))
	assert.False(t, IsRetryable(wrapped))

	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}
