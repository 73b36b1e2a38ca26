package service

import (
	"context"
	"fmt"

	"hyperchat-go/internal/model"
	"hyperchat-go/internal/repository"
)

// ConversationService 定义了会话管理（列表、新建、切换、重命名）的接口。
type ConversationService interface {
	ListConversations(ctx context.Context, product model.Product, limit int) ([]model.Conversation, error)
	CreateConversation(ctx context.Context, product model.Product) (model.Conversation, error)
	// GetConversation 切换到某个会话：加载进引擎并返回其内存状态。
	GetConversation(ctx context.Context, product model.Product, id string) (model.Conversation, error)
	RenameConversation(ctx context.Context, product model.Product, id string, summary string) (model.Conversation, error)
}

type conversationService struct {
	store  repository.Store
	engine SessionEngine
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(store repository.Store, engine SessionEngine) ConversationService {
	return &conversationService{store: store, engine: engine}
}

// ListConversations 按 updatedAt 倒序列出某个产品下的会话。
func (s *conversationService) ListConversations(ctx context.Context, product model.Product, limit int) ([]model.Conversation, error) {
	repo, err := s.store.Conversations(product)
	if err != nil {
		return nil, err
	}
	return repo.ListRecent(ctx, limit)
}

func (s *conversationService) CreateConversation(ctx context.Context, product model.Product) (model.Conversation, error) {
	return s.engine.Create(ctx, product)
}

// GetConversation 切换会话不会取消其他会话上正在进行的回合。
func (s *conversationService) GetConversation(ctx context.Context, product model.Product, id string) (model.Conversation, error) {
	conv, err := s.engine.Open(ctx, product, id)
	if err != nil {
		return model.Conversation{}, err
	}
	if conv.Product != product {
		return model.Conversation{}, fmt.Errorf("conversation %s belongs to product %s: %w", id, conv.Product, repository.ErrConversationNotFound)
	}
	return conv, nil
}

// RenameConversation 确保会话已打开，再通过引擎修改摘要。
func (s *conversationService) RenameConversation(ctx context.Context, product model.Product, id string, summary string) (model.Conversation, error) {
	if _, err := s.GetConversation(ctx, product, id); err != nil {
		return model.Conversation{}, err
	}
	return s.engine.Rename(ctx, id, summary)
}
