package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry_RegisterLookup(t *testing.T) {
	r := NewMemoryRegistry(nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &AgentIdentity{ID: "writer", Capabilities: []string{"draft"}}))
	err := r.Register(ctx, &AgentIdentity{ID: "writer"})
	assert.ErrorIs(t, err, ErrAgentExists)

	a, err := r.Lookup(ctx, "writer")
	require.NoError(t, err)
	assert.Equal(t, KindLocal, a.Kind)
	assert.Equal(t, StatusOnline, a.Status)
	assert.Equal(t, "writer", a.Name)
	assert.False(t, a.RegisteredAt.IsZero())

	// Lookup returns copies.
	a.Capabilities[0] = "mutated"
	again, _ := r.Lookup(ctx, "writer")
	assert.Equal(t, "draft", again.Capabilities[0])

	_, err = r.Lookup(ctx, "ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestMemoryRegistry_Validation(t *testing.T) {
	r := NewMemoryRegistry(nil)
	ctx := context.Background()

	assert.ErrorIs(t, r.Register(ctx, nil), ErrInvalidAgent)
	assert.ErrorIs(t, r.Register(ctx, &AgentIdentity{}), ErrInvalidAgent)
	assert.ErrorIs(t, r.Register(ctx, &AgentIdentity{ID: "x", Kind: KindRemote}), ErrInvalidAgent)
	assert.ErrorIs(t, r.Register(ctx, &AgentIdentity{ID: "x", Kind: "alien"}), ErrInvalidAgent)
}

func TestMemoryRegistry_RemoteAndCapabilities(t *testing.T) {
	r := NewMemoryRegistry(nil)
	ctx := context.Background()

	require.NoError(t, r.RegisterRemote(ctx, map[string]string{
		"billing": "http://billing:8080",
		"sales":   "http://sales:8080",
	}))
	require.NoError(t, r.Register(ctx, &AgentIdentity{ID: "a", Capabilities: []string{"review"}}))
	require.NoError(t, r.Register(ctx, &AgentIdentity{ID: "b", Capabilities: []string{"review", "draft"}}))

	list := r.List(ctx)
	require.Len(t, list, 4)
	assert.Equal(t, "a", list[0].ID)

	billing, err := r.Lookup(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, KindRemote, billing.Kind)
	assert.Equal(t, "http://billing:8080", billing.Endpoint)

	require.NoError(t, r.SetStatus(ctx, "a", StatusOffline))
	found := r.FindByCapability(ctx, "review")
	require.Len(t, found, 1)
	assert.Equal(t, "b", found[0].ID)

	require.NoError(t, r.Unregister(ctx, "b"))
	assert.ErrorIs(t, r.Unregister(ctx, "b"), ErrAgentNotFound)
	assert.ErrorIs(t, r.SetStatus(ctx, "b", StatusBusy), ErrAgentNotFound)
}
