package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentorch/persistence"
	"github.com/BaSui01/agentorch/registry"
	"github.com/BaSui01/agentorch/types"
)

func startConv(t *testing.T, m *Manager, conv, primary string) {
	t.Helper()
	_, err := m.StartConversation(context.Background(), conv, primary)
	require.NoError(t, err)
}

func TestNestedHandoff_ReturnsToIntermediate(t *testing.T) {
	store := persistence.NewMemoryStore()
	m := NewManager(WithRepository(store), WithLogger(zap.NewNop()))
	ctx := context.Background()
	startConv(t, m, "c1", "primary")

	s, err := m.InitiateHandoff(ctx, "c1", "X")
	require.NoError(t, err)
	assert.Equal(t, StateHandedOff, s.State)
	assert.Equal(t, "primary", s.ReturnAddress())

	s, err = m.NestHandoff(ctx, "c1", "Y")
	require.NoError(t, err)
	assert.Equal(t, StateHandedOffNested, s.State)
	assert.Equal(t, "Y", s.Owner())
	assert.Equal(t, "X", s.ReturnAddress())

	s, err = m.ReturnControl(ctx, "c1")
	require.NoError(t, err)
	owner, _ := m.Current("c1")
	assert.Equal(t, "X", owner, "Y returns to X, not to the primary")
	assert.Equal(t, StateHandedOff, s.State)

	s, err = m.ReturnControl(ctx, "c1")
	require.NoError(t, err)
	owner, _ = m.Current("c1")
	assert.Equal(t, "primary", owner)
	assert.Equal(t, StateOwnedByPrimary, s.State)
	assert.Empty(t, s.Stack)

	recs, err := store.ListHandoffs(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, recs, 5)
	ops := make([]string, len(recs))
	for i, r := range recs {
		ops[i] = r.Operation
	}
	assert.Equal(t, []string{"start", "initiate", "nest", "return", "return"}, ops)
	assert.Equal(t, "Y", recs[3].FromAgent)
	assert.Equal(t, "X", recs[3].ToAgent)
}

func TestIllegalTransitionsLeaveSessionUntouched(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	startConv(t, m, "c1", "primary")

	_, err := m.NestHandoff(ctx, "c1", "X")
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, OpNest, te.Op)
	assert.Equal(t, StateOwnedByPrimary, te.From)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))

	_, err = m.ReturnControl(ctx, "c1")
	assert.Error(t, err)

	_, err = m.InitiateHandoff(ctx, "c1", "X")
	require.NoError(t, err)
	before, _ := m.Session("c1")

	_, err = m.InitiateHandoff(ctx, "c1", "Z")
	assert.Error(t, err, "initiate is only legal from the primary")
	_, err = m.NestHandoff(ctx, "c1", "X")
	assert.Error(t, err, "X already owns the turn")
	_, err = m.NestHandoff(ctx, "c1", "")
	assert.Error(t, err)

	after, _ := m.Session("c1")
	assert.Equal(t, before, after)
}

func TestUnknownConversation(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	_, err := m.InitiateHandoff(ctx, "nope", "X")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Current("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Session("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, m.EndConversation(ctx, "nope"), ErrSessionNotFound)

	startConv(t, m, "c1", "p")
	_, err = m.StartConversation(ctx, "c1", "p")
	assert.ErrorIs(t, err, ErrSessionExists)
	_, err = m.StartConversation(ctx, "", "p")
	assert.Error(t, err)
}

type failingAudit struct {
	persistence.ConversationRepository
	fail bool
}

func (f *failingAudit) AppendHandoff(ctx context.Context, rec persistence.HandoffRecord) error {
	if f.fail {
		return errors.New("audit store down")
	}
	return f.ConversationRepository.AppendHandoff(ctx, rec)
}

func TestAuditFailureAbortsTransition(t *testing.T) {
	audit := &failingAudit{ConversationRepository: persistence.NewMemoryStore()}
	m := NewManager(WithRepository(audit))
	ctx := context.Background()
	startConv(t, m, "c1", "primary")

	audit.fail = true
	_, err := m.InitiateHandoff(ctx, "c1", "X")
	require.Error(t, err)

	owner, _ := m.Current("c1")
	assert.Equal(t, "primary", owner)

	audit.fail = false
	_, err = m.InitiateHandoff(ctx, "c1", "X")
	require.NoError(t, err)
}

func TestRegistryValidatesTarget(t *testing.T) {
	reg := registry.NewMemoryRegistry(nil)
	require.NoError(t, reg.Register(context.Background(), &registry.AgentIdentity{ID: "billing"}))
	m := NewManager(WithRegistry(reg))
	ctx := context.Background()
	startConv(t, m, "c1", "triage")

	_, err := m.InitiateHandoff(ctx, "c1", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent not found")

	_, err = m.InitiateHandoff(ctx, "c1", "billing")
	require.NoError(t, err)
}

func TestSubscribe(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	var mu sync.Mutex
	var mine, all []Event
	stopMine := m.Subscribe("c1", func(ev Event) {
		mu.Lock()
		mine = append(mine, ev)
		mu.Unlock()
	})
	stopAll := m.Subscribe("", func(ev Event) {
		mu.Lock()
		all = append(all, ev)
		mu.Unlock()
	})

	startConv(t, m, "c1", "p")
	startConv(t, m, "c2", "p")
	_, err := m.InitiateHandoff(ctx, "c1", "X")
	require.NoError(t, err)
	stopMine()
	_, err = m.ReturnControl(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, m.EndConversation(ctx, "c2"))
	stopAll()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, mine, 2)
	assert.Equal(t, OpInitiate, mine[1].Op)
	assert.Equal(t, "p", mine[1].From)
	assert.Equal(t, "X", mine[1].To)
	assert.Len(t, all, 5)
	assert.Equal(t, OpEnd, all[4].Op)
	assert.Equal(t, 1, m.Len())
}

func TestConcurrentHandoffsAreSerializedPerConversation(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	const convs = 8
	for i := 0; i < convs; i++ {
		startConv(t, m, fmt.Sprintf("c%d", i), "p")
	}

	var wg sync.WaitGroup
	for i := 0; i < convs; i++ {
		conv := fmt.Sprintf("c%d", i)
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				_, _ = m.InitiateHandoff(ctx, conv, fmt.Sprintf("agent-%d", j))
			}(j)
		}
	}
	wg.Wait()

	for i := 0; i < convs; i++ {
		s, err := m.Session(fmt.Sprintf("c%d", i))
		require.NoError(t, err)
		// Exactly one initiate wins; the rest see HANDED_OFF and fail.
		assert.Equal(t, StateHandedOff, s.State)
		assert.Len(t, s.Stack, 1)
		assert.Equal(t, 1, s.Version)
	}
}

func TestHandoff_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := NewManager()
		ctx := context.Background()
		if _, err := m.StartConversation(ctx, "c", "primary"); err != nil {
			rt.Fatal(err)
		}

		steps := rapid.IntRange(1, 50).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			before, _ := m.Session("c")
			target := rapid.SampledFrom([]string{"a", "b", "c", "d"}).Draw(rt, "target")
			var err error
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				_, err = m.InitiateHandoff(ctx, "c", target)
			case 1:
				_, err = m.NestHandoff(ctx, "c", target)
			case 2:
				_, err = m.ReturnControl(ctx, "c")
			}
			after, _ := m.Session("c")
			if err != nil && after.Version != before.Version {
				rt.Fatalf("failed transition changed the session")
			}
			if after.State != StateOwnedByPrimary && len(after.Stack) == 0 {
				rt.Fatalf("state %s with empty stack", after.State)
			}
			if after.State == StateOwnedByPrimary && len(after.Stack) != 0 {
				rt.Fatalf("primary owns with stack %v", after.Stack)
			}
		}

		// n returns after n handoffs restore the primary.
		s, _ := m.Session("c")
		for range s.Stack {
			if _, err := m.ReturnControl(ctx, "c"); err != nil {
				rt.Fatal(err)
			}
		}
		final, _ := m.Session("c")
		if final.State != StateOwnedByPrimary {
			rt.Fatalf("expected primary ownership, got %s", final.State)
		}
	})
}

func TestNReturnsAfterNNestedHandoffs(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	startConv(t, m, "c", "p")

	_, err := m.InitiateHandoff(ctx, "c", "a0")
	require.NoError(t, err)
	for i := 1; i < 6; i++ {
		_, err := m.NestHandoff(ctx, "c", fmt.Sprintf("a%d", i))
		require.NoError(t, err)
	}
	for i := 5; i >= 0; i-- {
		owner, _ := m.Current("c")
		assert.Equal(t, fmt.Sprintf("a%d", i), owner)
		_, err := m.ReturnControl(ctx, "c")
		require.NoError(t, err)
	}
	s, _ := m.Session("c")
	assert.Equal(t, StateOwnedByPrimary, s.State)
}
