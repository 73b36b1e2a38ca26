// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"hyperchat-go/internal/model"
	"hyperchat-go/internal/service"
	"hyperchat-go/pkg/log"
	"hyperchat-go/pkg/token"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 连接由票据保护
		},
	}
)

const (
	// 与界面的提示条保持一致：同时最多一条，3 秒后自动消失
	notificationWindow = 3 * time.Second
	// 单次写入的超时，对端停止读取时写循环据此退出
	writeWait = 10 * time.Second
)

// clientFrame 是客户端通过 WebSocket 发来的指令。
type clientFrame struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversationId"`
	Product        model.Product `json:"product"`
	Question       string        `json:"question"`
}

// notification 是发给界面的提示消息，Type 为 warning 或 error。
type notification struct {
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// ChatHandler 负责处理 WebSocket 聊天连接。
type ChatHandler struct {
	engine  service.SessionEngine
	tickets *token.TicketManager
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(engine service.SessionEngine, tickets *token.TicketManager) *ChatHandler {
	return &ChatHandler{engine: engine, tickets: tickets}
}

// GetWebsocketToken 返回一张用于建立 WebSocket 连接的短期票据。
func (h *ChatHandler) GetWebsocketToken(c *gin.Context) {
	ticket, err := h.tickets.Issue()
	if err != nil {
		log.Errorf("签发连接票据失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法签发连接票据", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"token": ticket}})
}

// Handle 处理一个传入的 WebSocket 连接。
// 读循环把指令交给会话引擎；写循环独占连接，转发引擎事件和提示消息。
// 票据由 middleware.TicketAuth 在此之前验证。
func (h *ChatHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Info("WebSocket 连接已建立")

	sub := h.engine.Subscribe()
	defer sub.Close()

	outgoing := make(chan interface{}, 16)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, sub, outgoing, done)
		// 写失败后不再消费事件，同时让读循环尽快返回
		sub.Close()
		conn.Close()
	}()

	ctx := c.Request.Context()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			h.send(outgoing, writerDone, notification{Type: "error", Code: http.StatusBadRequest, Message: "无法解析的消息"})
			continue
		}
		if reply := h.dispatch(ctx, frame); reply != nil {
			h.send(outgoing, writerDone, reply)
		}
	}

	close(done)
	<-writerDone
}

// dispatch 执行一条客户端指令，返回需要回给客户端的消息（可能为 nil）。
func (h *ChatHandler) dispatch(ctx context.Context, frame clientFrame) interface{} {
	switch frame.Type {
	case "ask":
		err := h.engine.StartTurn(ctx, frame.ConversationID, frame.Question)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, service.ErrBusy):
			return notification{Type: "warning", Message: service.BusyHint}
		default:
			log.Warnf("发起回合失败, conversation=%s: %v", frame.ConversationID, err)
			return notification{Type: "error", Message: err.Error()}
		}
	case "open":
		conv, err := h.engine.Open(ctx, frame.Product, frame.ConversationID)
		if err != nil {
			return notification{Type: "error", Message: err.Error()}
		}
		return gin.H{"type": "opened", "conversation": conv, "busy": h.engine.Busy(conv.ID)}
	default:
		return notification{Type: "error", Code: http.StatusBadRequest, Message: "未知的消息类型: " + frame.Type}
	}
}

func (h *ChatHandler) send(outgoing chan<- interface{}, done <-chan struct{}, msg interface{}) {
	select {
	case outgoing <- msg:
	case <-done:
	}
}

func (h *ChatHandler) writeLoop(conn *websocket.Conn, sub *service.Subscription, outgoing <-chan interface{}, done <-chan struct{}) {
	notices := newNotifier(notificationWindow, time.Now)
	write := func(msg interface{}) bool {
		if n, ok := msg.(notification); ok && !notices.allow(n) {
			return true
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.Warnf("写入 WebSocket 失败: %v", err)
			return false
		}
		return true
	}

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if !write(ev) {
				return
			}
			if n, ok := eventNotification(ev); ok && !write(n) {
				return
			}
		case msg := <-outgoing:
			if !write(msg) {
				return
			}
		case <-done:
			return
		}
	}
}

// eventNotification 把失败类事件转换成提示消息。
func eventNotification(ev service.Event) (notification, bool) {
	switch ev.Type {
	case service.EventTurnFailed:
		n := notification{Type: "error", Message: "request failed"}
		if ev.Error != nil {
			n.Code = ev.Error.Code
			n.Message = ev.Error.Message
		}
		return n, true
	case service.EventPersistenceFailed:
		return notification{Type: "warning", Message: "conversation could not be saved"}, true
	}
	return notification{}, false
}

// notifier 合并短时间内重复出现的相同提示。
type notifier struct {
	window time.Duration
	now    func() time.Time
	last   notification
	lastAt time.Time
}

func newNotifier(window time.Duration, now func() time.Time) *notifier {
	return &notifier{window: window, now: now}
}

func (n *notifier) allow(msg notification) bool {
	now := n.now()
	if msg == n.last && !n.lastAt.IsZero() && now.Sub(n.lastAt) < n.window {
		return false
	}
	n.last = msg
	n.lastAt = now
	return true
}
