package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentorch/internal/database"
	"github.com/BaSui01/agentorch/task"
)

// TaskModel is the row of one task. Document holds the JSON encoding of the
// task without its messages.
type TaskModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	ParentID  string `gorm:"size:64;index"`
	AgentID   string `gorm:"size:128;index"`
	State     string `gorm:"size:32;index"`
	Document  string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TaskModel) TableName() string { return "orch_tasks" }

// MessageModel is one appended message. Seq orders messages within a task.
type MessageModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TaskID    string `gorm:"size:64;uniqueIndex:idx_task_seq"`
	Seq       int    `gorm:"uniqueIndex:idx_task_seq"`
	Payload   string `gorm:"type:text"`
	CreatedAt time.Time
}

func (MessageModel) TableName() string { return "orch_task_messages" }

// HandoffModel is one row of the handoff audit trail.
type HandoffModel struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:64;index"`
	Operation      string `gorm:"size:32"`
	FromAgent      string `gorm:"size:128"`
	ToAgent        string `gorm:"size:128"`
	State          string `gorm:"size:32"`
	Depth          int
	At             time.Time
}

func (HandoffModel) TableName() string { return "orch_handoffs" }

// DatabaseStore persists tasks and handoff records through GORM.
type DatabaseStore struct {
	pool    *database.PoolManager
	retries int
	logger  *zap.Logger
}

var (
	_ TaskRepository         = (*DatabaseStore)(nil)
	_ ConversationRepository = (*DatabaseStore)(nil)
)

// NewDatabaseStore migrates the schema and returns a ready store.
func NewDatabaseStore(pool *database.PoolManager, logger *zap.Logger) (*DatabaseStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().AutoMigrate(&TaskModel{}, &MessageModel{}, &HandoffModel{}); err != nil {
		return nil, fmt.Errorf("migrate persistence schema: %w", err)
	}
	return &DatabaseStore{
		pool:    pool,
		retries: 3,
		logger:  logger.With(zap.String("component", "persistence.database")),
	}, nil
}

func toTaskModel(t *task.Task) (*TaskModel, error) {
	data, err := encodeTask(t)
	if err != nil {
		return nil, err
	}
	return &TaskModel{
		ID:        t.ID,
		ParentID:  t.ParentID,
		AgentID:   t.AgentID,
		State:     string(t.State),
		Document:  string(data),
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}, nil
}

func (s *DatabaseStore) CreateTask(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return ErrInvalidInput
	}
	row, err := toTaskModel(t)
	if err != nil {
		return err
	}
	return s.pool.WithTransactionRetry(ctx, s.retries, func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&TaskModel{}).Where("id = ?", t.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
		}
		return tx.Create(row).Error
	})
}

func (s *DatabaseStore) SaveTask(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return ErrInvalidInput
	}
	row, err := toTaskModel(t)
	if err != nil {
		return err
	}
	return s.pool.WithTransactionRetry(ctx, s.retries, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"parent_id", "agent_id", "state", "document", "updated_at"}),
		}).Create(row).Error
	})
}

func (s *DatabaseStore) AppendMessage(ctx context.Context, taskID string, m task.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.pool.WithTransactionRetry(ctx, s.retries, func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&TaskModel{}).Where("id = ?", taskID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		var seq int64
		if err := tx.Model(&MessageModel{}).Where("task_id = ?", taskID).Count(&seq).Error; err != nil {
			return err
		}
		return tx.Create(&MessageModel{
			TaskID:  taskID,
			Seq:     int(seq),
			Payload: string(payload),
		}).Error
	})
}

func (s *DatabaseStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	db := s.pool.DB().WithContext(ctx)

	var row TaskModel
	if err := db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	var t task.Task
	if err := json.Unmarshal([]byte(row.Document), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}

	var msgs []MessageModel
	if err := db.Where("task_id = ?", id).Order("seq ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("get messages of %s: %w", id, err)
	}
	for _, mm := range msgs {
		var m task.Message
		if err := json.Unmarshal([]byte(mm.Payload), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message of %s: %w", id, err)
		}
		t.Messages = append(t.Messages, m)
	}
	return &t, nil
}

func (s *DatabaseStore) AppendHandoff(ctx context.Context, rec HandoffRecord) error {
	if rec.ConversationID == "" {
		return ErrInvalidInput
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	row := &HandoffModel{
		ConversationID: rec.ConversationID,
		Operation:      rec.Operation,
		FromAgent:      rec.FromAgent,
		ToAgent:        rec.ToAgent,
		State:          rec.State,
		Depth:          rec.Depth,
		At:             rec.At,
	}
	if err := s.pool.DB().WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("append handoff for %s: %w", rec.ConversationID, err)
	}
	return nil
}

func (s *DatabaseStore) ListHandoffs(ctx context.Context, conversationID string) ([]HandoffRecord, error) {
	var rows []HandoffModel
	err := s.pool.DB().WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list handoffs for %s: %w", conversationID, err)
	}
	out := make([]HandoffRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, HandoffRecord{
			ConversationID: r.ConversationID,
			Operation:      r.Operation,
			FromAgent:      r.FromAgent,
			ToAgent:        r.ToAgent,
			State:          r.State,
			Depth:          r.Depth,
			At:             r.At,
		})
	}
	return out, nil
}

// Ping checks the database connection.
func (s *DatabaseStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the underlying pool.
func (s *DatabaseStore) Close() error {
	return s.pool.Close()
}
