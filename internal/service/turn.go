package service

import (
	"context"
	"fmt"
	"time"

	"hyperchat-go/internal/chatlog"
	"hyperchat-go/internal/model"
	"hyperchat-go/pkg/llm"
	"hyperchat-go/pkg/log"
)

// TurnState 是会话当前回合所处的阶段。
type TurnState string

const (
	TurnIdle      TurnState = "idle"
	TurnPending   TurnState = "pending"
	TurnStreaming TurnState = "streaming"
)

type activeTurn struct {
	seq       uint64
	streaming bool
	state     TurnState
	cancel    context.CancelFunc
	startedAt time.Time
}

// startTurn 获取并发锁，追加并写入用户消息，加入占位消息后在后台发起补全请求。
func (a *sessionActor) startTurn(cmd *startTurnCmd) error {
	if a.client == nil {
		return fmt.Errorf("%w: %s", ErrNoProvider, a.product)
	}
	opts := a.engine.opts
	if !opts.Guard.TryAcquire(a.id) {
		return ErrBusy
	}

	now := opts.Now()
	user := chatlog.NewUserMessage(
		opts.NewID(),
		[]model.ContentPart{model.TextPrompt(cmd.question)},
		opts.TokenCounter(cmd.question),
		now,
	)
	next := chatlog.TouchUpdatedAt(chatlog.AppendMessage(a.conv, user), now)

	// 用户消息必须先落盘，之后才能发出网络请求
	if err := a.persistSync(messagesPatch(next), "user message"); err != nil {
		opts.Guard.Release(a.id)
		log.Errorf("[SessionEngine] 会话 %s 写入用户消息失败: %v", a.id, err)
		return fmt.Errorf("failed to persist user message: %w", err)
	}
	a.conv = next

	req := buildRequest(a.conv, cmd.question)
	a.conv = chatlog.AppendMessage(a.conv, chatlog.NewPlaceholder(now))

	a.turnSeq++
	ctx, cancel := context.WithTimeout(a.engine.ctx, opts.RequestTimeout)
	turn := &activeTurn{
		seq:       a.turnSeq,
		streaming: a.product.IsChat() && a.conv.Configuration.Stream,
		state:     TurnPending,
		cancel:    cancel,
		startedAt: now,
	}
	a.turn = turn

	snap := a.conv.Clone()
	a.engine.publish(Event{
		Type:           EventTurnStarted,
		ConversationID: a.id,
		Product:        a.product,
		Conversation:   &snap,
	})

	go a.runProvider(ctx, turn.seq, turn.streaming, req)
	return nil
}

// runProvider 在独立 goroutine 中调用补全服务，结果全部回送给 actor 处理。
func (a *sessionActor) runProvider(ctx context.Context, seq uint64, streaming bool, req *llm.Request) {
	if streaming {
		usage, err := a.client.Stream(ctx, req, llm.TokenWriterFunc(func(token string) error {
			if !a.post(tokenMsg{seq: seq, token: token}) {
				return errActorStopped
			}
			return nil
		}))
		if err != nil {
			a.post(failMsg{seq: seq, err: err})
			return
		}
		a.post(settleMsg{seq: seq, usage: usage})
		return
	}

	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		a.post(failMsg{seq: seq, err: err})
		return
	}
	if resp == nil {
		a.post(failMsg{seq: seq, err: &llm.Error{Code: 502, Message: "empty response from provider"}})
		return
	}
	a.post(settleMsg{seq: seq, response: resp, usage: resp.Usage})
}

func (a *sessionActor) current(seq uint64) bool {
	return a.turn != nil && a.turn.seq == seq
}

// ingest 把一个流式 token 应用到助手消息上，不触发存储写入。
func (a *sessionActor) ingest(m tokenMsg) {
	if !a.current(m.seq) || m.token == "" {
		return
	}
	a.conv = chatlog.AppendToken(a.conv, a.engine.opts.NewID, m.token)
	a.turn.state = TurnStreaming
	a.engine.publish(Event{
		Type:           EventTokenIngested,
		ConversationID: a.id,
		Product:        a.product,
		Token:          m.token,
	})
}

// finalize 固化助手消息并发出一次不等待结果的写入。
func (a *sessionActor) finalize(m settleMsg) {
	if !a.current(m.seq) {
		return
	}
	opts := a.engine.opts
	if m.response != nil {
		a.conv = chatlog.ReplaceLastAssistantContent(a.conv, opts.NewID, responseContent(a.product, m.response))
	}
	a.conv = chatlog.SettleLastAssistant(a.conv, opts.NewID, completionTokens(m.usage))
	a.conv = chatlog.TouchUpdatedAt(a.conv, opts.Now())
	a.persistAsync(messagesPatch(a.conv), "finalize")

	log.Infow("[SessionEngine] 回合完成",
		"conversationId", a.id,
		"product", a.product,
		"streaming", a.turn.streaming,
		"elapsed", opts.Now().Sub(a.turn.startedAt).String())
	a.endTurn()

	snap := a.conv.Clone()
	a.engine.publish(Event{
		Type:           EventTurnSettled,
		ConversationID: a.id,
		Product:        a.product,
		Conversation:   &snap,
	})
}

// rollback 删除占位或部分流式内容，不写存储，并把错误交给界面。
func (a *sessionActor) rollback(m failMsg) {
	if !a.current(m.seq) {
		return
	}
	a.conv = chatlog.PopLastAssistant(a.conv)
	terr := toTurnError(m.err)
	log.Warnw("[SessionEngine] 回合失败",
		"conversationId", a.id,
		"product", a.product,
		"code", terr.Code,
		"error", m.err)
	a.endTurn()

	a.engine.publish(Event{
		Type:           EventTurnFailed,
		ConversationID: a.id,
		Product:        a.product,
		Error:          terr,
	})
}

func (a *sessionActor) endTurn() {
	a.turn.cancel()
	a.turn = nil
	a.engine.opts.Guard.Release(a.id)
}

// abandonTurn 在引擎关闭时丢弃未完成的回合，内存中的占位不会写入存储。
func (a *sessionActor) abandonTurn() {
	if a.turn == nil {
		return
	}
	log.Warnf("[SessionEngine] 引擎关闭，放弃会话 %s 未完成的回合", a.id)
	a.conv = chatlog.PopLastAssistant(a.conv)
	a.endTurn()
}

func completionTokens(usage *llm.Usage) int {
	if usage == nil {
		return 0
	}
	return usage.CompletionTokens
}
