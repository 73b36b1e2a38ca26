package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperchat-go/internal/model"
	"hyperchat-go/internal/repository"
	"hyperchat-go/pkg/llm"
)

// ---- fakes ----

type memStore struct {
	mu         sync.Mutex
	rows       map[model.Product]map[string]model.Conversation
	updates    int
	failUpdate func(patch model.ConversationPatch) error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[model.Product]map[string]model.Conversation)}
}

func (s *memStore) Conversations(product model.Product) (repository.ConversationRepository, error) {
	if !product.Valid() {
		return nil, fmt.Errorf("unknown product %q", product)
	}
	return &memRepo{store: s, product: product}, nil
}

func (s *memStore) get(product model.Product, id string) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.rows[product][id]
	return conv.Clone(), ok
}

func (s *memStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func (s *memStore) setFailUpdate(fn func(patch model.ConversationPatch) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdate = fn
}

type memRepo struct {
	store   *memStore
	product model.Product
}

func (r *memRepo) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	conv, ok := r.store.get(r.product, id)
	if !ok {
		return nil, repository.ErrConversationNotFound
	}
	return &conv, nil
}

func (r *memRepo) Insert(ctx context.Context, conversation model.Conversation) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	table := r.store.rows[r.product]
	if table == nil {
		table = make(map[string]model.Conversation)
		r.store.rows[r.product] = table
	}
	if _, ok := table[conversation.ID]; ok {
		return repository.ErrConversationExists
	}
	table[conversation.ID] = conversation.Clone()
	return nil
}

func (r *memRepo) UpdateFields(ctx context.Context, id string, patch model.ConversationPatch) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if r.store.failUpdate != nil {
		if err := r.store.failUpdate(patch); err != nil {
			return err
		}
	}
	conv, ok := r.store.rows[r.product][id]
	if !ok {
		return repository.ErrConversationNotFound
	}
	r.store.rows[r.product][id] = patch.Apply(conv)
	r.store.updates++
	return nil
}

func (r *memRepo) ListRecent(ctx context.Context, limit int) ([]model.Conversation, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	result := make([]model.Conversation, 0, len(r.store.rows[r.product]))
	for _, conv := range r.store.rows[r.product] {
		result = append(result, conv.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// fakeProvider 在 gate 关闭前阻塞，随后按配置返回 token、文本或错误。
type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	requests []*llm.Request

	gate   chan struct{}
	tokens []string
	text   string
	images []string
	usage  *llm.Usage
	err    error
}

func (p *fakeProvider) record(req *llm.Request) {
	p.mu.Lock()
	p.calls++
	p.requests = append(p.requests, req)
	p.mu.Unlock()
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) lastRequest() *llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

func (p *fakeProvider) waitGate(ctx context.Context) error {
	if p.gate == nil {
		return nil
	}
	select {
	case <-p.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakeProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.record(req)
	if err := p.waitGate(ctx); err != nil {
		return nil, err
	}
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{Text: p.text, ImageURLs: p.images, Usage: p.usage}, nil
}

func (p *fakeProvider) Stream(ctx context.Context, req *llm.Request, w llm.TokenWriter) (*llm.Usage, error) {
	p.record(req)
	if err := p.waitGate(ctx); err != nil {
		return nil, err
	}
	for _, tok := range p.tokens {
		if err := w.WriteToken(tok); err != nil {
			return nil, err
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.usage, nil
}

// ---- helpers ----

func testOptions() EngineOptions {
	var n int64
	return EngineOptions{
		Defaults: map[model.Product]model.Configuration{
			model.ProductChat:            {Model: "gpt-test", Stream: true},
			model.ProductAnthropicChat:   {Model: "claude-test", Stream: false},
			model.ProductTextCompletion:  {Model: "davinci-test"},
			model.ProductImageGeneration: {Model: "dall-e-test", ImageSize: "256x256", ImageCount: 2},
		},
		TokenCounter: func(s string) int { return len(strings.Fields(s)) },
		NewID:        func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&n, 1)) },
	}
}

func newTestEngine(t *testing.T, store *memStore, providers map[model.Product]llm.Client) SessionEngine {
	t.Helper()
	engine := NewSessionEngine(store, providers, testOptions())
	t.Cleanup(func() { engine.Close() })
	return engine
}

func waitEvent(t *testing.T, sub *Subscription, id string, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			require.True(t, ok, "subscription closed while waiting for %s", typ)
			if ev.ConversationID == id && ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s on %s", typ, id)
		}
	}
}

func waitEvents(t *testing.T, sub *Subscription, id string, types ...EventType) map[EventType]Event {
	t.Helper()
	want := make(map[EventType]bool, len(types))
	for _, typ := range types {
		want[typ] = true
	}
	got := make(map[EventType]Event, len(types))
	timeout := time.After(2 * time.Second)
	for len(got) < len(want) {
		select {
		case ev, ok := <-sub.C:
			require.True(t, ok, "subscription closed")
			if ev.ConversationID == id && want[ev.Type] {
				got[ev.Type] = ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %v on %s", types, id)
		}
	}
	return got
}

func storedMessages(t *testing.T, store *memStore, product model.Product, id string) []model.Message {
	t.Helper()
	conv, ok := store.get(product, id)
	require.True(t, ok)
	return conv.Messages
}

// ---- tests ----

func TestStartTurn_SingleFlight(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &fakeProvider{gate: make(chan struct{}), tokens: []string{"ok"}}
	engine := newTestEngine(t, store, map[model.Product]llm.Client{model.ProductChat: provider})
	sub := engine.Subscribe()
	defer sub.Close()

	conv, err := engine.Create(ctx, model.ProductChat)
	require.NoError(t, err)

	require.NoError(t, engine.StartTurn(ctx, conv.ID, "first"))
	assert.True(t, engine.Busy(conv.ID))
	assert.ErrorIs(t, engine.StartTurn(ctx, conv.ID, "second"), ErrBusy)

	close(provider.gate)
	waitEvent(t, sub, conv.ID, EventTurnSettled)

	assert.Equal(t, 1, provider.callCount())
	assert.False(t, engine.Busy(conv.ID))

	snap, err := engine.Snapshot(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "first", snap.Messages[0].Text())

	// 回合结束后可以再次发起
	require.NoError(t, engine.StartTurn(ctx, conv.ID, "third"))
	waitEvent(t, sub, conv.ID, EventTurnSettled)
	assert.Equal(t, 2, provider.callCount())
}

func TestStartTurn_UserMessageDurableBeforeProviderResponds(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &fakeProvider{gate: make(chan struct{}), tokens: []string{"hi"}}
	engine := newTestEngine(t, store, map[model.Product]llm.Client{model.ProductChat: provider})
	sub := engine.Subscribe()
	defer sub.Close()

	conv, err := engine.Create(ctx, model.ProductChat)
	require.NoError(t, err)
	require.NoError(t, engine.StartTurn(ctx, conv.ID, "hello there"))

	stored := storedMessages(t, store, model.ProductChat, conv.ID)
	require.Len(t, stored, 1)
	assert.Equal(t, model.RoleUser, stored[0].Role)
	assert.Equal(t, "hello there", stored[0].Text())
	assert.Equal(t, 2, stored[0].TokenCount)
	assert.NotEmpty(t, stored[0].ID)

	snap, err := engine.Snapshot(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, snap.Messages, 2)
	assert.True(t, snap.Messages[1].IsPlaceholder())

	state, err := engine.State(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, TurnPending, state)

	close(provider.gate)
	waitEvent(t, sub, conv.ID, EventTurnSettled)

	req := provider.lastRequest()
	require.NotNil(t, req)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "hello there", req.Messages[0].Content)
}

func TestStreamingAndMonolithicProduceEqualContent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	streaming := &fakeProvider{tokens: []string{"Hel", "lo", " world"}, usage: &llm.Usage{CompletionTokens: 3}}
	monolithic := &fakeProvider{text: "Hello world", usage: &llm.Usage{CompletionTokens: 3}}
	engine := newTestEngine(t, store, map[model.Product]llm.Client{
		model.ProductChat:          streaming,
		model.ProductAnthropicChat: monolithic,
	})
	sub := engine.Subscribe()
	defer sub.Close()

	a, err := engine.Create(ctx, model.ProductChat)
	require.NoError(t, err)
	b, err := engine.Create(ctx, model.ProductAnthropicChat)
	require.NoError(t, err)

	require.NoError(t, engine.StartTurn(ctx, a.ID, "say hello"))
	var tokens []string
	for len(tokens) < 3 {
		ev := waitEvent(t, sub, a.ID, EventTokenIngested)
		tokens = append(tokens, ev.Token)
	}
	assert.Equal(t, []string{"Hel", "lo", " world"}, tokens)
	waitEvent(t, sub, a.ID, EventTurnSettled)

	require.NoError(t, engine.StartTurn(ctx, b.ID, "say hello"))
	waitEvent(t, sub, b.ID, EventTurnSettled)

	require.Eventually(t, func() bool {
		return len(storedMessages(t, store, model.ProductChat, a.ID)) == 2 &&
			len(storedMessages(t, store, model.ProductAnthropicChat, b.ID)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	streamed := storedMessages(t, store, model.ProductChat, a.ID)[1]
	whole := storedMessages(t, store, model.ProductAnthropicChat, b.ID)[1]
	assert.Equal(t, whole.Content, streamed.Content)
	assert.Equal(t, []model.ContentPart{model.TextPrompt("Hello world")}, streamed.Content)
	assert.Equal(t, 3, streamed.TokenCount)
	assert.NotEmpty(t, streamed.ID)
	assert.NotEmpty(t, whole.ID)
}

func TestRollback(t *testing.T) {
	cases := []struct {
		name   string
		tokens []string
	}{
		{name: "before first token"},
		{name: "after partial stream", tokens: []string{"par", "tial"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := newMemStore()
			provider := &fakeProvider{
				gate:   make(chan struct{}),
				tokens: tc.tokens,
				err:    &llm.Error{Code: 500, Message: "boom"},
			}
			engine := newTestEngine(t, store, map[model.Product]llm.Client{model.ProductChat: provider})
			sub := engine.Subscribe()
			defer sub.Close()

			conv, err := engine.Create(ctx, model.ProductChat)
			require.NoError(t, err)
			require.NoError(t, engine.StartTurn(ctx, conv.ID, "question"))

			before, _ := store.get(model.ProductChat, conv.ID)
			writes := store.updateCount()

			close(provider.gate)
			ev := waitEvent(t, sub, conv.ID, EventTurnFailed)
			require.NotNil(t, ev.Error)
			assert.Equal(t, 500, ev.Error.Code)
			assert.Equal(t, "boom", ev.Error.Message)

			snap, err := engine.Snapshot(ctx, conv.ID)
			require.NoError(t, err)
			require.Len(t, snap.Messages, 1)
			assert.Equal(t, model.RoleUser, snap.Messages[0].Role)
			assert.False(t, engine.Busy(conv.ID))

			after, _ := store.get(model.ProductChat, conv.ID)
			assert.Equal(t, before, after)
			assert.Equal(t, writes, store.updateCount())
		})
	}
}

func TestStartTurn_WhitespaceIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &fakeProvider{}
	engine := newTestEngine(t, store, map[model.Product]llm.Client{model.ProductChat: provider})
	sub := engine.Subscribe()
	defer sub.Close()

	conv, err := engine.Create(ctx, model.ProductChat)
	require.NoError(t, err)

	assert.NoError(t, engine.StartTurn(ctx, conv.ID, "   "))
	assert.NoError(t, engine.StartTurn(ctx, conv.ID, "\n\t"))

	assert.Equal(t, 0, provider.callCount())
	assert.False(t, engine.Busy(conv.ID))
	assert.Equal(t, 0, store.updateCount())
	assert.Empty(t, storedMessages(t, store, model.ProductChat, conv.ID))

	snap, err := engine.Snapshot(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, snap.Messages)
	assert.Len(t, sub.C, 0)
}

func TestFinalizeWriteFailureKeepsMessage(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &fakeProvider{tokens: []string{"visible"}}
	engine := newTestEngine(t, store, map[model.Product]llm.Client{model.ProductChat: provider})
	sub := engine.Subscribe()
	defer sub.Close()

	conv, err := engine.Create(ctx, model.ProductChat)
	require.NoError(t, err)

	// 只让包含助手回复的那次写入失败
	store.setFailUpdate(func(patch model.ConversationPatch) error {
		if n := len(patch.Messages); n > 0 && patch.Messages[n-1].Role == model.RoleAssistant {
			return errors.New("disk full")
		}
		return nil
	})

	require.NoError(t, engine.StartTurn(ctx, conv.ID, "question"))
	// 写入在后台执行，两个事件的先后不确定
	events := waitEvents(t, sub, conv.ID, EventTurnSettled, EventPersistenceFailed)
	settled := events[EventTurnSettled]
	require.NotNil(t, settled.Conversation)
	assert.Len(t, settled.Conversation.Messages, 2)

	failed := events[EventPersistenceFailed]
	require.NotNil(t, failed.Error)
	assert.Contains(t, failed.Error.Message, "disk full")

	snap, err := engine.Snapshot(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "visible", snap.Messages[1].Text())
	assert.False(t, engine.Busy(conv.ID))

	// 存储里只有用户消息
	assert.Len(t, storedMessages(t, store, model.ProductChat, conv.ID), 1)

	store.setFailUpdate(nil)
	require.NoError(t, engine.StartTurn(ctx, conv.ID, "again"))
	waitEvent(t, sub, conv.ID, EventTurnSettled)
	require.Eventually(t, func() bool {
		return len(storedMessages(t, store, model.ProductChat, conv.ID)) == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartTurn_UserWriteFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &fakeProvider{tokens: []string{"x"}}
	engine := newTestEngine(t, store, map[model.Product]llm.Client{model.ProductChat: provider})

	conv, err := engine.Create(ctx, model.ProductChat)
	require.NoError(t, err)
	store.setFailUpdate(func(model.ConversationPatch) error { return errors.New("read-only") })

	err = engine.StartTurn(ctx, conv.ID, "question")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")

	assert.Equal(t, 0, provider.callCount())
	assert.False(t, engine.Busy(conv.ID))
	snap, err := engine.Snapshot(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, snap.Messages)
}

func TestTurnsMutateTheirOwnConversation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &fakeProvider{gate: make(chan struct{}), tokens: []string{"reply"}}
	engine := newTestEngine(t, store, map[model.Product]llm.Client{model.ProductChat: provider})
	sub := engine.Subscribe()
	defer sub.Close()

	a, err := engine.Create(ctx, model.ProductChat)
	require.NoError(t, err)
	b, err := engine.Create(ctx, model.ProductChat)
	require.NoError(t, err)

	require.NoError(t, engine.StartTurn(ctx, a.ID, "to a"))
	// 切换到另一个会话不会被 a 的回合阻塞，也不会影响它
	_, err = engine.Open(ctx, model.ProductChat, b.ID)
	require.NoError(t, err)
	require.NoError(t, engine.StartTurn(ctx, b.ID, "to b"))
	assert.True(t, engine.Busy(a.ID))
	assert.True(t, engine.Busy(b.ID))

	close(provider.gate)
	waitEvent(t, sub, a.ID, EventTurnSettled)
	waitEvent(t, sub, b.ID, EventTurnSettled)

	snapA, err := engine.Snapshot(ctx, a.ID)
	require.NoError(t, err)
	snapB, err := engine.Snapshot(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, snapA.Messages, 2)
	require.Len(t, snapB.Messages, 2)
	assert.Equal(t, "to a", snapA.Messages[0].Text())
	assert.Equal(t, "to b", snapB.Messages[0].Text())
	assert.Equal(t, "reply", snapA.Messages[1].Text())
	assert.Equal(t, "reply", snapB.Messages[1].Text())
}

func TestEmptyStreamPersistsEmptyAssistantMessage(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &fakeProvider{}
	engine := newTestEngine(t, store, map[model.Product]llm.Client{model.ProductChat: provider})
	sub := engine.Subscribe()
	defer sub.Close()

	conv, err := engine.Create(ctx, model.ProductChat)
	require.NoError(t, err)
	require.NoError(t, engine.StartTurn(ctx, conv.ID, "anything"))
	waitEvent(t, sub, conv.ID, EventTurnSettled)

	require.Eventually(t, func() bool {
		return len(storedMessages(t, store, model.ProductChat, conv.ID)) == 2
	}, 2*time.Second, 10*time.Millisecond)
	last := storedMessages(t, store, model.ProductChat, conv.ID)[1]
	assert.Equal(t, model.RoleAssistant, last.Role)
	assert.NotEmpty(t, last.ID)
	assert.Empty(t, last.Content)
}

func TestImageGenerationTurn(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &fakeProvider{images: []string{"https://img/1.png", "https://img/2.png"}}
	engine := newTestEngine(t, store, map[model.Product]llm.Client{model.ProductImageGeneration: provider})
	sub := engine.Subscribe()
	defer sub.Close()

	conv, err := engine.Create(ctx, model.ProductImageGeneration)
	require.NoError(t, err)
	require.NoError(t, engine.StartTurn(ctx, conv.ID, "a red fox"))
	settled := waitEvent(t, sub, conv.ID, EventTurnSettled)

	req := provider.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "a red fox", req.Prompt)
	assert.Empty(t, req.Messages)
	assert.Equal(t, "256x256", req.ImageSize)
	assert.Equal(t, 2, req.ImageCount)

	last, ok := settled.Conversation.LastMessage()
	require.True(t, ok)
	assert.Equal(t, []model.ContentPart{
		model.ImagePrompt("https://img/1.png"),
		model.ImagePrompt("https://img/2.png"),
	}, last.Content)
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &fakeProvider{gate: make(chan struct{})}
	engine := newTestEngine(t, store, map[model.Product]llm.Client{model.ProductChat: provider})
	sub := engine.Subscribe()
	defer sub.Close()

	conv, err := engine.Create(ctx, model.ProductChat)
	require.NoError(t, err)

	require.NoError(t, engine.StartTurn(ctx, conv.ID, "question"))
	_, err = engine.Rename(ctx, conv.ID, "busy")
	assert.ErrorIs(t, err, ErrBusy)

	close(provider.gate)
	waitEvent(t, sub, conv.ID, EventTurnSettled)

	renamed, err := engine.Rename(ctx, conv.ID, "Trip planning")
	require.NoError(t, err)
	assert.Equal(t, "Trip planning", renamed.Summary)
	ev := waitEvent(t, sub, conv.ID, EventConversationRenamed)
	assert.Equal(t, "Trip planning", ev.Conversation.Summary)

	stored, _ := store.get(model.ProductChat, conv.ID)
	assert.Equal(t, "Trip planning", stored.Summary)
}

func TestEngineErrors(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	engine := NewSessionEngine(store, map[model.Product]llm.Client{}, testOptions())

	conv, err := engine.Create(ctx, model.ProductModeration)
	require.NoError(t, err)
	assert.ErrorIs(t, engine.StartTurn(ctx, conv.ID, "hi"), ErrNoProvider)
	assert.ErrorIs(t, engine.StartTurn(ctx, "unknown", "hi"), ErrConversationNotOpen)

	_, err = engine.Open(ctx, model.ProductChat, "missing")
	assert.ErrorIs(t, err, repository.ErrConversationNotFound)

	_, err = engine.Create(ctx, model.Product("fax"))
	assert.Error(t, err)

	require.NoError(t, engine.Close())
	assert.ErrorIs(t, engine.StartTurn(ctx, conv.ID, "hi"), ErrEngineClosed)
	_, err = engine.Create(ctx, model.ProductChat)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestCloseWaitsForFinalizeWrite(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &fakeProvider{text: "done"}
	engine := NewSessionEngine(store, map[model.Product]llm.Client{model.ProductTextCompletion: provider}, testOptions())
	sub := engine.Subscribe()

	conv, err := engine.Create(ctx, model.ProductTextCompletion)
	require.NoError(t, err)
	require.NoError(t, engine.StartTurn(ctx, conv.ID, "complete me"))
	waitEvent(t, sub, conv.ID, EventTurnSettled)

	require.NoError(t, engine.Close())
	stored := storedMessages(t, store, model.ProductTextCompletion, conv.ID)
	require.Len(t, stored, 2)
	assert.Equal(t, "done", stored[1].Text())

	_, ok := <-sub.C
	for ok {
		_, ok = <-sub.C
	}
}

func TestStalledObserverDoesNotBlockOtherConversations(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tokens := make([]string, 400)
	for i := range tokens {
		tokens[i] = "t"
	}
	chat := &fakeProvider{tokens: tokens}
	completion := &fakeProvider{text: "ok"}

	opts := testOptions()
	opts.EventBuffer = 16
	engine := NewSessionEngine(store, map[model.Product]llm.Client{
		model.ProductChat:           chat,
		model.ProductTextCompletion: completion,
	}, opts)
	t.Cleanup(func() { engine.Close() })

	stalled := engine.Subscribe()
	defer stalled.Close()
	sub := engine.Subscribe()
	defer sub.Close()

	a, err := engine.Create(ctx, model.ProductChat)
	require.NoError(t, err)
	b, err := engine.Create(ctx, model.ProductTextCompletion)
	require.NoError(t, err)

	require.NoError(t, engine.StartTurn(ctx, a.ID, "long answer please"))
	waitEvent(t, sub, a.ID, EventTurnSettled)

	callCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, engine.StartTurn(callCtx, b.ID, "complete me"))
	waitEvent(t, sub, b.ID, EventTurnSettled)
}

func TestStartTurn_CancelAfterEnqueueReportsRealOutcome(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{text: "still answered"}
	engine := newTestEngine(t, store, map[model.Product]llm.Client{model.ProductTextCompletion: provider})
	sub := engine.Subscribe()
	defer sub.Close()

	conv, err := engine.Create(context.Background(), model.ProductTextCompletion)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store.setFailUpdate(func(model.ConversationPatch) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- engine.StartTurn(ctx, conv.ID, "hello") }()

	<-entered
	cancel()
	close(release)

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StartTurn did not return")
	}
	waitEvent(t, sub, conv.ID, EventTurnSettled)
	assert.Equal(t, 1, provider.callCount())
}

func TestIngest_EmptyTokensAreIgnored(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &fakeProvider{tokens: []string{"", "a", "", "b"}}
	engine := newTestEngine(t, store, map[model.Product]llm.Client{model.ProductChat: provider})
	sub := engine.Subscribe()
	defer sub.Close()

	conv, err := engine.Create(ctx, model.ProductChat)
	require.NoError(t, err)
	require.NoError(t, engine.StartTurn(ctx, conv.ID, "hi"))

	var got []string
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-sub.C:
			if ev.ConversationID != conv.ID {
				continue
			}
			switch ev.Type {
			case EventTokenIngested:
				got = append(got, ev.Token)
			case EventTurnSettled:
				done = true
			}
		case <-timeout:
			t.Fatal("turn did not settle")
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)

	snap, err := engine.Snapshot(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "ab", snap.Messages[1].Text())
}
