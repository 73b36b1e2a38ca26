// Package guard 提供按会话 id 的单飞（single-flight）忙碌标记。
package guard

import "sync"

// Guard 记录哪些会话当前有未完成的回合。
type Guard interface {
	// TryAcquire 在会话空闲时将其置为忙碌并返回 true；已忙碌时返回 false 且不改变状态。
	TryAcquire(conversationID string) bool
	// Release 无条件地将会话置回空闲。
	Release(conversationID string)
	// Busy 报告会话当前是否忙碌。
	Busy(conversationID string) bool
}

type memoryGuard struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

// New 创建一个进程内的 Guard。不同会话之间互不影响。
func New() Guard {
	return &memoryGuard{busy: make(map[string]struct{})}
}

func (g *memoryGuard) TryAcquire(conversationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.busy[conversationID]; ok {
		return false
	}
	g.busy[conversationID] = struct{}{}
	return true
}

func (g *memoryGuard) Release(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.busy, conversationID)
}

func (g *memoryGuard) Busy(conversationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.busy[conversationID]
	return ok
}
