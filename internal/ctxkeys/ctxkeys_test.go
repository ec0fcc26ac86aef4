package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	_, ok := RequestID(context.Background())
	assert.False(t, ok)

	_, ok = RequestID(WithRequestID(context.Background(), ""))
	assert.False(t, ok, "empty id is treated as absent")

	id, ok := RequestID(WithRequestID(context.Background(), "req-1"))
	assert.True(t, ok)
	assert.Equal(t, "req-1", id)
}

func TestConversationID(t *testing.T) {
	ctx := WithConversationID(WithRequestID(context.Background(), "req-1"), "conv-1")

	id, ok := ConversationID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "conv-1", id)

	req, _ := RequestID(ctx)
	assert.Equal(t, "req-1", req)
}
