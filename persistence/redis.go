package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/task"
)

// RedisStore keeps tasks as JSON documents and appends messages and handoff
// records to Redis lists. Suitable for multi-process deployments.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

var (
	_ TaskRepository         = (*RedisStore)(nil)
	_ ConversationRepository = (*RedisStore)(nil)
)

// NewRedisStore creates a Redis-backed store. ttl <= 0 keeps records forever.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "agentorch:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "persistence.redis")),
	}
}

func (s *RedisStore) taskKey(id string) string {
	return s.prefix + "task:" + id
}

func (s *RedisStore) messagesKey(id string) string {
	return s.prefix + "task:" + id + ":messages"
}

func (s *RedisStore) handoffsKey(conversationID string) string {
	return s.prefix + "conv:" + conversationID + ":handoffs"
}

// encodeTask serializes everything but the message log.
func encodeTask(t *task.Task) ([]byte, error) {
	c := t.Clone()
	c.Messages = nil
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return data, nil
}

func (s *RedisStore) CreateTask(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return ErrInvalidInput
	}
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.taskKey(t.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
	}
	s.logger.Debug("task created", zap.String("task_id", t.ID))
	return nil
}

func (s *RedisStore) SaveTask(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return ErrInvalidInput
	}
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.taskKey(t.ID), data, s.ttl)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.messagesKey(t.ID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, taskID string, m task.Message) error {
	n, err := s.client.Exists(ctx, s.taskKey(taskID)).Result()
	if err != nil {
		return fmt.Errorf("append message to %s: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.messagesKey(taskID), data)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.messagesKey(taskID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message to %s: %w", taskID, err)
	}
	return nil
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, s.taskKey(id))
	msgCmd := pipe.LRange(ctx, s.messagesKey(id), 0, -1)
	_, _ = pipe.Exec(ctx)

	data, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}

	raw, err := msgCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get messages of %s: %w", id, err)
	}
	for _, r := range raw {
		var m task.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message of %s: %w", id, err)
		}
		t.Messages = append(t.Messages, m)
	}
	return &t, nil
}

func (s *RedisStore) AppendHandoff(ctx context.Context, rec HandoffRecord) error {
	if rec.ConversationID == "" {
		return ErrInvalidInput
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal handoff record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.handoffsKey(rec.ConversationID), data)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.handoffsKey(rec.ConversationID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append handoff for %s: %w", rec.ConversationID, err)
	}
	return nil
}

func (s *RedisStore) ListHandoffs(ctx context.Context, conversationID string) ([]HandoffRecord, error) {
	raw, err := s.client.LRange(ctx, s.handoffsKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list handoffs for %s: %w", conversationID, err)
	}
	out := make([]HandoffRecord, 0, len(raw))
	for _, r := range raw {
		var rec HandoffRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal handoff record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ping checks that Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
