package service

import (
	"context"
	"fmt"
	"sync"

	"hyperchat-go/internal/chatlog"
	"hyperchat-go/internal/model"
	"hyperchat-go/internal/repository"
	"hyperchat-go/pkg/llm"
	"hyperchat-go/pkg/log"
)

// 调用方通过 call 发给 actor 的命令。
type (
	startTurnCmd struct {
		question string
	}
	renameCmd struct {
		summary string
		result  model.Conversation
	}
	snapshotCmd struct {
		conv  model.Conversation
		state TurnState
	}
)

type request struct {
	cmd   interface{}
	reply chan error
}

// 补全 goroutine 回送给 actor 的消息，seq 用来丢弃已结束回合的迟到消息。
type (
	tokenMsg struct {
		seq   uint64
		token string
	}
	settleMsg struct {
		seq      uint64
		response *llm.Response
		usage    *llm.Usage
	}
	failMsg struct {
		seq uint64
		err error
	}
)

// writeJob 是一次存储写入。reply 为 nil 表示写入结果不被等待。
type writeJob struct {
	patch  model.ConversationPatch
	reason string
	reply  chan error
}

// sessionActor 独占一个会话的内存状态。
// run 串行处理 mailbox 中的消息；runWriter 按提交顺序执行存储写入，
// 所以同一会话的写入永远不会乱序。
type sessionActor struct {
	id      string
	product model.Product
	engine  *sessionEngine
	repo    repository.ConversationRepository
	client  llm.Client

	// 以下字段只在 run 所在的 goroutine 中访问
	conv    model.Conversation
	turn    *activeTurn
	turnSeq uint64

	mailbox    chan interface{}
	writes     chan writeJob
	quit       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	writerDone chan struct{}
}

func newSessionActor(e *sessionEngine, repo repository.ConversationRepository, client llm.Client, conv model.Conversation) *sessionActor {
	return &sessionActor{
		id:         conv.ID,
		product:    conv.Product,
		engine:     e,
		repo:       repo,
		client:     client,
		conv:       conv.Clone(),
		mailbox:    make(chan interface{}, e.opts.MailboxSize),
		writes:     make(chan writeJob, e.opts.MailboxSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (a *sessionActor) run() {
	defer func() {
		close(a.writes)
		close(a.done)
	}()
	for {
		select {
		case msg := <-a.mailbox:
			a.dispatch(msg)
		case <-a.quit:
			a.abandonTurn()
			return
		}
	}
}

func (a *sessionActor) dispatch(msg interface{}) {
	switch m := msg.(type) {
	case *request:
		m.reply <- a.handle(m.cmd)
	case tokenMsg:
		a.ingest(m)
	case settleMsg:
		a.finalize(m)
	case failMsg:
		a.rollback(m)
	default:
		log.Warnf("[SessionEngine] 会话 %s 收到未知消息 %T", a.id, msg)
	}
}

func (a *sessionActor) handle(cmd interface{}) error {
	switch c := cmd.(type) {
	case *startTurnCmd:
		return a.startTurn(c)
	case *renameCmd:
		return a.rename(c)
	case *snapshotCmd:
		c.conv = a.conv.Clone()
		c.state = TurnIdle
		if a.turn != nil {
			c.state = a.turn.state
		}
		return nil
	}
	return nil
}

// call 把命令投递给 actor 并等待结果。
// ctx 只约束入队，命令进入 mailbox 后一直等到 actor 回复。
func (a *sessionActor) call(ctx context.Context, cmd interface{}) error {
	req := &request{cmd: cmd, reply: make(chan error, 1)}
	select {
	case a.mailbox <- req:
	case <-a.quit:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-a.done:
		return ErrEngineClosed
	}
}

// post 由补全 goroutine 调用，actor 已停止时返回 false。
func (a *sessionActor) post(msg interface{}) bool {
	select {
	case a.mailbox <- msg:
		return true
	case <-a.quit:
		return false
	}
}

func (a *sessionActor) snapshot(ctx context.Context) (model.Conversation, error) {
	cmd := &snapshotCmd{}
	if err := a.call(ctx, cmd); err != nil {
		return model.Conversation{}, err
	}
	return cmd.conv, nil
}

func (a *sessionActor) rename(cmd *renameCmd) error {
	if a.turn != nil {
		return ErrBusy
	}
	next := chatlog.SetSummary(a.conv, cmd.summary)
	summary := next.Summary
	if err := a.persistSync(model.ConversationPatch{Summary: &summary}, "rename"); err != nil {
		return fmt.Errorf("failed to rename conversation: %w", err)
	}
	a.conv = next
	cmd.result = next.Clone()
	a.engine.publish(Event{
		Type:           EventConversationRenamed,
		ConversationID: a.id,
		Product:        a.product,
		Conversation:   &cmd.result,
	})
	return nil
}

// persistSync 提交一次写入并等待结果。之前提交的写入会先执行完。
func (a *sessionActor) persistSync(patch model.ConversationPatch, reason string) error {
	reply := make(chan error, 1)
	a.writes <- writeJob{patch: patch, reason: reason, reply: reply}
	return <-reply
}

// persistAsync 提交一次不等待结果的写入，失败只记录日志并发出 persistence-failed 事件。
func (a *sessionActor) persistAsync(patch model.ConversationPatch, reason string) {
	a.writes <- writeJob{patch: patch, reason: reason}
}

func (a *sessionActor) runWriter() {
	defer close(a.writerDone)
	for job := range a.writes {
		ctx, cancel := context.WithTimeout(context.Background(), a.engine.opts.PersistTimeout)
		err := a.repo.UpdateFields(ctx, a.id, job.patch)
		cancel()

		if job.reply != nil {
			job.reply <- err
			continue
		}
		if err != nil {
			log.Errorw("[SessionEngine] 会话写入失败",
				"conversationId", a.id,
				"product", a.product,
				"reason", job.reason,
				"error", err)
			a.engine.publish(Event{
				Type:           EventPersistenceFailed,
				ConversationID: a.id,
				Product:        a.product,
				Error:          &TurnError{Message: err.Error()},
			})
		}
	}
}

func (a *sessionActor) stop() {
	a.stopOnce.Do(func() { close(a.quit) })
}

// wait 等待 actor 退出以及排队中的写入全部执行完毕。
func (a *sessionActor) wait() {
	<-a.done
	<-a.writerDone
}

func messagesPatch(c model.Conversation) model.ConversationPatch {
	updatedAt := c.UpdatedAt
	return model.ConversationPatch{
		Messages:  c.Clone().Messages,
		UpdatedAt: &updatedAt,
	}
}
