package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/internal/database"
	"github.com/BaSui01/agentorch/task"
)

type store interface {
	TaskRepository
	ConversationRepository
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "test:", time.Hour, zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newDatabaseStore(t *testing.T) *DatabaseStore {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"}, zap.NewNop())
	require.NoError(t, err)

	cfg := database.DefaultPoolConfig()
	// Every sqlite :memory: connection is its own database.
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1
	cfg.HealthCheckInterval = 0
	pool, err := database.NewPoolManager(db, cfg, zap.NewNop())
	require.NoError(t, err)

	s, err := NewDatabaseStore(pool, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stores(t *testing.T) map[string]store {
	return map[string]store{
		"memory":   NewMemoryStore(),
		"redis":    newRedisStore(t),
		"database": newDatabaseStore(t),
	}
}

func TestStores_TaskLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tk := task.New("t-1", "", "writer")
			tk.Metadata = map[string]string{"k": "v"}
			require.NoError(t, s.CreateTask(ctx, tk))

			err := s.CreateTask(ctx, tk)
			assert.ErrorIs(t, err, ErrAlreadyExists)

			require.NoError(t, s.AppendMessage(ctx, "t-1", task.NewTextMessage(task.RoleUser, "hello")))
			require.NoError(t, s.AppendMessage(ctx, "t-1", task.NewTextMessage(task.RoleAgent, "world")))

			require.NoError(t, tk.Transition(task.StateWorking, nil))
			require.NoError(t, tk.AttachArtifact(task.NewArtifact("draft", task.TextPart("body"))))
			require.NoError(t, s.SaveTask(ctx, tk))

			got, err := s.GetTask(ctx, "t-1")
			require.NoError(t, err)
			assert.Equal(t, task.StateWorking, got.State)
			assert.Equal(t, "writer", got.AgentID)
			assert.Equal(t, "v", got.Metadata["k"])
			require.Len(t, got.Artifacts, 1)
			assert.Equal(t, "draft", got.Artifacts[0].Name)
			require.Len(t, got.History, 1)

			// SaveTask does not touch the message log.
			require.Len(t, got.Messages, 2)
			assert.Equal(t, "hello", got.Messages[0].Text())
			assert.Equal(t, "world", got.Messages[1].Text())
		})
	}
}

func TestStores_FailedTaskKeepsError(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tk := task.New("t-err", "root", "coder")
			require.NoError(t, s.CreateTask(ctx, tk))
			require.NoError(t, tk.Transition(task.StateWorking, nil))
			require.NoError(t, tk.Transition(task.StateFailed,
				task.NewTaskError(task.ErrorTimeout, "deadline exceeded")))
			require.NoError(t, s.SaveTask(ctx, tk))

			got, err := s.GetTask(ctx, "t-err")
			require.NoError(t, err)
			assert.Equal(t, task.StateFailed, got.State)
			assert.Equal(t, "root", got.ParentID)
			require.NotNil(t, got.Error)
			assert.Equal(t, task.ErrorTimeout, got.Error.Kind)
		})
	}
}

func TestStores_NotFoundAndInvalid(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.GetTask(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			err = s.AppendMessage(ctx, "missing", task.NewTextMessage(task.RoleUser, "x"))
			assert.ErrorIs(t, err, ErrNotFound)

			assert.ErrorIs(t, s.CreateTask(ctx, nil), ErrInvalidInput)
			assert.ErrorIs(t, s.SaveTask(ctx, &task.Task{}), ErrInvalidInput)
			assert.ErrorIs(t, s.AppendHandoff(ctx, HandoffRecord{}), ErrInvalidInput)
		})
	}
}

func TestStores_Handoffs(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			recs := []HandoffRecord{
				{ConversationID: "c-1", Operation: "initiate", FromAgent: "triage", ToAgent: "billing", State: "ACTIVE", Depth: 1},
				{ConversationID: "c-1", Operation: "nest", FromAgent: "billing", ToAgent: "refunds", State: "ACTIVE", Depth: 2},
				{ConversationID: "c-2", Operation: "initiate", FromAgent: "triage", ToAgent: "sales", State: "ACTIVE", Depth: 1},
				{ConversationID: "c-1", Operation: "return", FromAgent: "refunds", ToAgent: "billing", State: "RETURNED", Depth: 1},
			}
			for _, r := range recs {
				require.NoError(t, s.AppendHandoff(ctx, r))
			}

			got, err := s.ListHandoffs(ctx, "c-1")
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "initiate", got[0].Operation)
			assert.Equal(t, "nest", got[1].Operation)
			assert.Equal(t, "return", got[2].Operation)
			assert.Equal(t, 2, got[1].Depth)
			assert.False(t, got[0].At.IsZero())

			none, err := s.ListHandoffs(ctx, "c-unknown")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	tk := task.New("t-1", "", "a")
	require.NoError(t, s.CreateTask(ctx, tk))

	got, err := s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	got.State = task.StateCompleted

	again, err := s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, task.StateSubmitted, again.State)
}

func TestRedisStore_TTLApplied(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "ttl:", time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, task.New("t-1", "", "a")))
	require.NoError(t, s.AppendMessage(ctx, "t-1", task.NewTextMessage(task.RoleUser, "hi")))
	assert.Equal(t, time.Minute, mr.TTL("ttl:task:t-1"))
	assert.Equal(t, time.Minute, mr.TTL("ttl:task:t-1:messages"))

	mr.FastForward(2 * time.Minute)
	_, err := s.GetTask(ctx, "t-1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Ping(ctx))
}
