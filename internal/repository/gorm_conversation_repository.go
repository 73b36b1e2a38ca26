package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"hyperchat-go/internal/model"
)

// conversationRecord 是会话在关系型数据库中的行结构。
// 时间戳以毫秒存储，字段名刻意避开 GORM 对 CreatedAt/UpdatedAt 的自动维护。
type conversationRecord struct {
	ID              string `gorm:"primaryKey;size:64"`
	Summary         string `gorm:"type:text"`
	Configuration   string `gorm:"type:text"`
	Messages        string `gorm:"type:longtext"`
	CreatedAtMillis int64  `gorm:"column:created_at;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at;not null;index"`
}

type gormStore struct {
	db *gorm.DB
}

// NewGormStore 创建基于 GORM（MySQL）的 Store，并为每个产品迁移一张表。
func NewGormStore(db *gorm.DB) (Store, error) {
	for _, product := range model.Products() {
		if err := db.Table(tableName(product)).AutoMigrate(&conversationRecord{}); err != nil {
			return nil, fmt.Errorf("failed to migrate %s: %w", tableName(product), err)
		}
	}
	return &gormStore{db: db}, nil
}

func (s *gormStore) Conversations(product model.Product) (ConversationRepository, error) {
	if err := checkProduct(product); err != nil {
		return nil, err
	}
	return &gormConversationRepository{db: s.db, product: product, table: tableName(product)}, nil
}

// gormConversationRepository 是 ConversationRepository 接口的 GORM 实现。
type gormConversationRepository struct {
	db      *gorm.DB
	product model.Product
	table   string
}

func (r *gormConversationRepository) toModel(rec conversationRecord) (*model.Conversation, error) {
	cfg, err := decodeConfiguration(rec.Configuration)
	if err != nil {
		return nil, err
	}
	messages, err := decodeMessages(rec.Messages)
	if err != nil {
		return nil, err
	}
	return &model.Conversation{
		ID:            rec.ID,
		Product:       r.product,
		Summary:       rec.Summary,
		Configuration: cfg,
		Messages:      messages,
		CreatedAt:     fromMillis(rec.CreatedAtMillis),
		UpdatedAt:     fromMillis(rec.UpdatedAtMillis),
	}, nil
}

func (r *gormConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	var rec conversationRecord
	err := r.db.WithContext(ctx).Table(r.table).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return r.toModel(rec)
}

func (r *gormConversationRepository) Insert(ctx context.Context, conversation model.Conversation) error {
	exists, err := r.exists(ctx, conversation.ID)
	if err != nil {
		return err
	}
	if exists {
		return ErrConversationExists
	}

	cfg, err := encodeConfiguration(conversation.Configuration)
	if err != nil {
		return err
	}
	messages, err := encodeMessages(conversation.Messages)
	if err != nil {
		return err
	}
	rec := conversationRecord{
		ID:              conversation.ID,
		Summary:         conversation.Summary,
		Configuration:   cfg,
		Messages:        messages,
		CreatedAtMillis: toMillis(conversation.CreatedAt),
		UpdatedAtMillis: toMillis(conversation.UpdatedAt),
	}
	err = r.db.WithContext(ctx).Table(r.table).Create(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConversationExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

// UpdateFields 用单条 UPDATE 写入补丁字段。
func (r *gormConversationRepository) UpdateFields(ctx context.Context, id string, patch model.ConversationPatch) error {
	updates := map[string]interface{}{}
	if patch.Summary != nil {
		updates["summary"] = *patch.Summary
	}
	if patch.Messages != nil {
		messages, err := encodeMessages(patch.Messages)
		if err != nil {
			return err
		}
		updates["messages"] = messages
	}
	if patch.UpdatedAt != nil {
		updates["updated_at"] = toMillis(*patch.UpdatedAt)
	}

	if len(updates) > 0 {
		res := r.db.WithContext(ctx).Table(r.table).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update conversation: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}
	}

	// MySQL 对值未变化的行返回 0，需要再确认一次是否存在
	exists, err := r.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrConversationNotFound
	}
	return nil
}

func (r *gormConversationRepository) exists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Table(r.table).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check conversation: %w", err)
	}
	return count > 0, nil
}

func (r *gormConversationRepository) ListRecent(ctx context.Context, limit int) ([]model.Conversation, error) {
	var recs []conversationRecord
	q := r.db.WithContext(ctx).Table(r.table).Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	result := make([]model.Conversation, 0, len(recs))
	for _, rec := range recs {
		conv, err := r.toModel(rec)
		if err != nil {
			return nil, err
		}
		result = append(result, *conv)
	}
	return result, nil
}
