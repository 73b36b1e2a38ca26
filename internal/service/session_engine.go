package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hyperchat-go/internal/config"
	"hyperchat-go/internal/guard"
	"hyperchat-go/internal/model"
	"hyperchat-go/internal/repository"
	"hyperchat-go/pkg/llm"
	"hyperchat-go/pkg/log"
	"hyperchat-go/pkg/tokenizer"
)

// SessionEngine 管理所有已打开会话的内存状态。
// 每个会话由一个独立的 actor（goroutine + mailbox）持有，所有修改都在该 actor 内串行执行。
type SessionEngine interface {
	// Create 新建一个会话，写入存储后在引擎中打开。
	Create(ctx context.Context, product model.Product) (model.Conversation, error)
	// Open 从存储加载会话到引擎中，已打开时直接返回内存副本。
	Open(ctx context.Context, product model.Product, id string) (model.Conversation, error)
	// StartTurn 发起一个回合。问题去掉首尾空白后为空时直接返回 nil。
	// 返回 nil 时用户消息已经写入存储，补全请求已在后台发出。
	StartTurn(ctx context.Context, id string, question string) error
	// Rename 修改会话摘要并写入存储。
	Rename(ctx context.Context, id string, summary string) (model.Conversation, error)
	// Snapshot 返回会话当前内存状态的副本。
	Snapshot(ctx context.Context, id string) (model.Conversation, error)
	// State 返回会话当前回合的状态。
	State(ctx context.Context, id string) (TurnState, error)
	Busy(id string) bool
	Subscribe() *Subscription
	// Close 停止所有 actor，并等待已发出的存储写入完成。
	Close() error
}

// EngineOptions 是会话引擎的可选参数，零值字段使用默认值。
type EngineOptions struct {
	Guard          guard.Guard
	Defaults       map[model.Product]model.Configuration
	MailboxSize    int
	EventBuffer    int
	RequestTimeout time.Duration
	PersistTimeout time.Duration
	TokenCounter   tokenizer.Counter
	NewID          func() string
	Now            func() time.Time
}

// OptionsFromConfig 根据配置文件生成引擎参数。
func OptionsFromConfig(cfg config.Config) EngineOptions {
	return EngineOptions{
		Defaults:       DefaultConfigurations(cfg.Products),
		MailboxSize:    cfg.Engine.MailboxSize,
		EventBuffer:    cfg.Engine.EventBuffer,
		RequestTimeout: cfg.Engine.RequestTimeout,
		PersistTimeout: cfg.Engine.PersistTimeout,
	}
}

// DefaultConfigurations 把配置文件中的产品参数转换为会话创建时复制的默认值。
func DefaultConfigurations(products map[string]config.ProductConfig) map[model.Product]model.Configuration {
	defaults := make(map[model.Product]model.Configuration, len(products))
	for name, p := range products {
		product := model.Product(name)
		if !product.Valid() {
			log.Warnf("忽略未知产品配置: %s", name)
			continue
		}
		defaults[product] = model.Configuration{
			Model:           p.Model,
			Stream:          p.Stream,
			Temperature:     p.Temperature,
			TopP:            p.TopP,
			MaxTokens:       p.MaxTokens,
			SystemPrompt:    p.SystemPrompt,
			ContextMessages: p.ContextMessages,
			ImageSize:       p.ImageSize,
			ImageCount:      p.ImageCount,
		}
	}
	return defaults
}

func (o *EngineOptions) applyDefaults() {
	if o.Guard == nil {
		o.Guard = guard.New()
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 64
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Minute
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 10 * time.Second
	}
	if o.TokenCounter == nil {
		o.TokenCounter = tokenizer.Count
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.New().String() }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type sessionEngine struct {
	store     repository.Store
	providers map[model.Product]llm.Client
	opts      EngineOptions
	hub       *eventHub

	// ctx 是所有补全请求的根 context，只在 Close 时取消
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	actors map[string]*sessionActor
	closed bool
}

// NewSessionEngine 创建一个新的 SessionEngine 实例。
func NewSessionEngine(store repository.Store, providers map[model.Product]llm.Client, opts EngineOptions) SessionEngine {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &sessionEngine{
		store:     store,
		providers: providers,
		opts:      opts,
		hub:       newEventHub(opts.EventBuffer),
		ctx:       ctx,
		cancel:    cancel,
		actors:    make(map[string]*sessionActor),
	}
}

func (e *sessionEngine) Create(ctx context.Context, product model.Product) (model.Conversation, error) {
	if !product.Valid() {
		return model.Conversation{}, fmt.Errorf("unknown product %q", product)
	}
	repo, err := e.store.Conversations(product)
	if err != nil {
		return model.Conversation{}, err
	}

	now := e.opts.Now()
	conv := model.Conversation{
		ID:            e.opts.NewID(),
		Product:       product,
		Configuration: e.opts.Defaults[product],
		Messages:      []model.Message{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := repo.Insert(ctx, conv); err != nil {
		return model.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}

	a, err := e.spawn(repo, conv)
	if err != nil {
		return model.Conversation{}, err
	}
	log.Infof("[SessionEngine] 新建会话 %s (%s)", conv.ID, product)
	return a.snapshot(ctx)
}

func (e *sessionEngine) Open(ctx context.Context, product model.Product, id string) (model.Conversation, error) {
	if a, err := e.actor(id); err == nil {
		return a.snapshot(ctx)
	} else if err == ErrEngineClosed {
		return model.Conversation{}, err
	}

	repo, err := e.store.Conversations(product)
	if err != nil {
		return model.Conversation{}, err
	}
	conv, err := repo.GetByID(ctx, id)
	if err != nil {
		return model.Conversation{}, err
	}
	a, err := e.spawn(repo, *conv)
	if err != nil {
		return model.Conversation{}, err
	}
	return a.snapshot(ctx)
}

// spawn 为会话启动 actor。并发打开同一会话时保留先启动的那个。
func (e *sessionEngine) spawn(repo repository.ConversationRepository, conv model.Conversation) (*sessionActor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if a, ok := e.actors[conv.ID]; ok {
		return a, nil
	}
	a := newSessionActor(e, repo, e.providers[conv.Product], conv)
	e.actors[conv.ID] = a
	go a.run()
	go a.runWriter()
	return a, nil
}

func (e *sessionEngine) actor(id string) (*sessionActor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	a, ok := e.actors[id]
	if !ok {
		return nil, ErrConversationNotOpen
	}
	return a, nil
}

func (e *sessionEngine) StartTurn(ctx context.Context, id string, question string) error {
	if strings.TrimSpace(question) == "" {
		return nil
	}
	a, err := e.actor(id)
	if err != nil {
		return err
	}
	return a.call(ctx, &startTurnCmd{question: question})
}

func (e *sessionEngine) Rename(ctx context.Context, id string, summary string) (model.Conversation, error) {
	a, err := e.actor(id)
	if err != nil {
		return model.Conversation{}, err
	}
	cmd := &renameCmd{summary: summary}
	if err := a.call(ctx, cmd); err != nil {
		return model.Conversation{}, err
	}
	return cmd.result, nil
}

func (e *sessionEngine) Snapshot(ctx context.Context, id string) (model.Conversation, error) {
	a, err := e.actor(id)
	if err != nil {
		return model.Conversation{}, err
	}
	return a.snapshot(ctx)
}

func (e *sessionEngine) State(ctx context.Context, id string) (TurnState, error) {
	a, err := e.actor(id)
	if err != nil {
		return TurnIdle, err
	}
	cmd := &snapshotCmd{}
	if err := a.call(ctx, cmd); err != nil {
		return TurnIdle, err
	}
	return cmd.state, nil
}

func (e *sessionEngine) Busy(id string) bool {
	return e.opts.Guard.Busy(id)
}

func (e *sessionEngine) Subscribe() *Subscription {
	return e.hub.subscribe()
}

func (e *sessionEngine) publish(ev Event) {
	e.hub.publish(ev)
}

func (e *sessionEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	actors := make([]*sessionActor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.actors = map[string]*sessionActor{}
	e.mu.Unlock()

	e.cancel()
	for _, a := range actors {
		a.stop()
	}
	for _, a := range actors {
		a.wait()
	}
	e.hub.close()
	log.Infof("[SessionEngine] 已关闭，共停止 %d 个会话", len(actors))
	return nil
}
