package service

import (
	"sync"

	"hyperchat-go/internal/model"
)

// EventType 是引擎对外发出的事件类型。
type EventType string

const (
	EventTurnStarted         EventType = "turn-started"
	EventTokenIngested       EventType = "token-ingested"
	EventTurnSettled         EventType = "turn-settled"
	EventTurnFailed          EventType = "turn-failed"
	EventPersistenceFailed   EventType = "persistence-failed"
	EventConversationRenamed EventType = "conversation-renamed"
)

// Event 是观察者能看到的唯一信号。处理函数里不得再同步调用引擎的操作。
type Event struct {
	Type           EventType           `json:"type"`
	ConversationID string              `json:"conversationId"`
	Product        model.Product       `json:"product"`
	Token          string              `json:"token,omitempty"`
	Conversation   *model.Conversation `json:"conversation,omitempty"`
	Error          *TurnError          `json:"error,omitempty"`
}

// Subscription 是一个事件订阅。事件按发布顺序投递到 C。
// 每个订阅有自己的投递协程和无界队列，读得慢的订阅者不会拖住发布方。
type Subscription struct {
	C <-chan Event

	ch        chan Event
	done      chan struct{}
	wake      chan struct{}
	closeOnce sync.Once
	hub       *eventHub

	mu       sync.Mutex
	queue    []Event
	finished bool
}

// Close 取消订阅，尚未投递的事件被丢弃，之后 C 会被关闭。
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.hub.remove(s)
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

// finish 表示不会再有新事件，队列中已有的事件仍会投递完。
func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			s.mu.Lock()
			s.queue = nil
			s.mu.Unlock()
			return
		}
	}
}

// eventHub 把事件扇出给任意数量的订阅者，publish 从不阻塞。
type eventHub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

func newEventHub(buffer int) *eventHub {
	if buffer <= 0 {
		buffer = 256
	}
	return &eventHub{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

func (h *eventHub) subscribe() *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{
		C:    ch,
		ch:   ch,
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
		hub:  h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.finished = true
	} else {
		h.subs[sub] = struct{}{}
	}
	go sub.pump()
	return sub
}

func (h *eventHub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

func (h *eventHub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		sub.enqueue(ev)
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		sub.finish()
		delete(h.subs, sub)
	}
}
