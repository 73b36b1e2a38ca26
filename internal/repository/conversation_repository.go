// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"hyperchat-go/internal/model"
)

var (
	// ErrConversationNotFound 表示按 id 找不到会话。
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationExists 表示插入的会话 id 已存在。
	ErrConversationExists = errors.New("conversation already exists")
)

// ConversationRepository 是某个产品下会话表的持久化操作。
// UpdateFields 对给定字段的写入是原子的。
type ConversationRepository interface {
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	Insert(ctx context.Context, conversation model.Conversation) error
	UpdateFields(ctx context.Context, id string, patch model.ConversationPatch) error
	// ListRecent 按 updatedAt 倒序返回会话，limit <= 0 表示不限制。
	ListRecent(ctx context.Context, limit int) ([]model.Conversation, error)
}

// Store 按产品划分会话表。
type Store interface {
	Conversations(product model.Product) (ConversationRepository, error)
}

func checkProduct(product model.Product) error {
	if !product.Valid() {
		return fmt.Errorf("unknown product %q", product)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func encodeMessages(messages []model.Message) (string, error) {
	if messages == nil {
		messages = []model.Message{}
	}
	b, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("failed to marshal messages: %w", err)
	}
	return string(b), nil
}

func decodeMessages(raw string) ([]model.Message, error) {
	messages := []model.Message{}
	if raw == "" {
		return messages, nil
	}
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	return messages, nil
}

func encodeConfiguration(cfg model.Configuration) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return string(b), nil
}

func decodeConfiguration(raw string) (model.Configuration, error) {
	var cfg model.Configuration
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return cfg, nil
}

// ---- Redis ----

type redisStore struct {
	redisClient *redis.Client
}

// NewRedisStore 创建一个基于 Redis 的 Store。
// 每个会话存为一个 hash，另用一个按 updatedAt 打分的 zset 维护列表顺序。
func NewRedisStore(redisClient *redis.Client) Store {
	return &redisStore{redisClient: redisClient}
}

func (s *redisStore) Conversations(product model.Product) (ConversationRepository, error) {
	if err := checkProduct(product); err != nil {
		return nil, err
	}
	return &redisConversationRepository{redisClient: s.redisClient, product: product}, nil
}

type redisConversationRepository struct {
	redisClient *redis.Client
	product     model.Product
}

func (r *redisConversationRepository) key(id string) string {
	return fmt.Sprintf("conversation:%s:%s", r.product, id)
}

func (r *redisConversationRepository) indexKey() string {
	return fmt.Sprintf("conversations:%s", r.product)
}

func (r *redisConversationRepository) decode(id string, fields map[string]string) (*model.Conversation, error) {
	if len(fields) == 0 {
		return nil, ErrConversationNotFound
	}
	cfg, err := decodeConfiguration(fields["configuration"])
	if err != nil {
		return nil, err
	}
	messages, err := decodeMessages(fields["messages"])
	if err != nil {
		return nil, err
	}
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	updatedAt, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
	return &model.Conversation{
		ID:            id,
		Product:       r.product,
		Summary:       fields["summary"],
		Configuration: cfg,
		Messages:      messages,
		CreatedAt:     fromMillis(createdAt),
		UpdatedAt:     fromMillis(updatedAt),
	}, nil
}

// GetByID 从 Redis 获取会话。
func (r *redisConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	fields, err := r.redisClient.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return r.decode(id, fields)
}

// Insert 写入一个新会话。
func (r *redisConversationRepository) Insert(ctx context.Context, conversation model.Conversation) error {
	n, err := r.redisClient.Exists(ctx, r.key(conversation.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	if n > 0 {
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
	fields := map[string]interface{}{
		"summary":       conversation.Summary,
		"configuration": cfg,
		"messages":      messages,
		"created_at":    toMillis(conversation.CreatedAt),
		"updated_at":    toMillis(conversation.UpdatedAt),
	}

	_, err = r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key(conversation.ID), fields)
		pipe.ZAdd(ctx, r.indexKey(), &redis.Z{Score: float64(toMillis(conversation.UpdatedAt)), Member: conversation.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

// UpdateFields 在一个 MULTI/EXEC 中写入给定字段。
func (r *redisConversationRepository) UpdateFields(ctx context.Context, id string, patch model.ConversationPatch) error {
	n, err := r.redisClient.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	if patch.IsEmpty() {
		return nil
	}

	fields := map[string]interface{}{}
	if patch.Summary != nil {
		fields["summary"] = *patch.Summary
	}
	if patch.Messages != nil {
		messages, err := encodeMessages(patch.Messages)
		if err != nil {
			return err
		}
		fields["messages"] = messages
	}
	if patch.UpdatedAt != nil {
		fields["updated_at"] = toMillis(*patch.UpdatedAt)
	}

	_, err = r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key(id), fields)
		if patch.UpdatedAt != nil {
			pipe.ZAdd(ctx, r.indexKey(), &redis.Z{Score: float64(toMillis(*patch.UpdatedAt)), Member: id})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}

// ListRecent 按 updatedAt 倒序列出会话。
func (r *redisConversationRepository) ListRecent(ctx context.Context, limit int) ([]model.Conversation, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.redisClient.ZRevRange(ctx, r.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if len(ids) == 0 {
		return []model.Conversation{}, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = r.redisClient.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}

	result := make([]model.Conversation, 0, len(ids))
	for i, id := range ids {
		conv, err := r.decode(id, cmds[i].Val())
		if errors.Is(err, ErrConversationNotFound) {
			// 索引里残留的 id，跳过
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *conv)
	}
	return result, nil
}
