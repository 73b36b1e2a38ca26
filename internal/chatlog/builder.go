// Package chatlog 提供构造消息并在会话消息序列上追加/替换条目的纯函数。
//
// 所有函数都接收一个 Conversation 值并返回新的 Conversation，调用方手里的旧值
// 不会被修改，因此会话引擎可以把每次状态变化都当作一次快照替换。
package chatlog

import (
	"time"

	"hyperchat-go/internal/model"
)

// NewUserMessage 构造一条用户消息。
func NewUserMessage(id string, content []model.ContentPart, tokenCount int, now time.Time) model.Message {
	return model.Message{
		ID:         id,
		Role:       model.RoleUser,
		Content:    append([]model.ContentPart(nil), content...),
		TokenCount: tokenCount,
		CreatedAt:  now,
	}
}

// NewPlaceholder 构造一条空的助手占位消息，用于驱动加载指示。
func NewPlaceholder(now time.Time) model.Message {
	return model.Message{Role: model.RoleAssistant, CreatedAt: now}
}

// AppendMessage 在序列末尾追加一条消息。
func AppendMessage(c model.Conversation, m model.Message) model.Conversation {
	next := c.Clone()
	next.Messages = append(next.Messages, m.Clone())
	return next
}

// AppendToken 把一个流式 token 应用到最后一条助手消息上：
// 占位消息在收到第一个 token 时获得 id 并变成单个 TextPrompt，
// 之后的 token 按到达顺序追加到该 TextPrompt 的 text 上。
// token 为空或最后一条不是助手消息时原样返回。
func AppendToken(c model.Conversation, newID func() string, token string) model.Conversation {
	last, ok := c.LastMessage()
	if !ok || last.Role != model.RoleAssistant || token == "" {
		return c
	}

	next := c.Clone()
	idx := len(next.Messages) - 1
	msg := next.Messages[idx]
	switch {
	case msg.IsPlaceholder():
		msg.ID = newID()
		msg.Content = []model.ContentPart{model.TextPrompt(token)}
	case len(msg.Content) > 0 && msg.Content[0].Type == model.ContentPartText:
		msg.Content[0].Text += token
	default:
		msg.Content = append([]model.ContentPart{model.TextPrompt(token)}, msg.Content...)
	}
	next.Messages[idx] = msg
	return next
}

// ReplaceLastAssistantText 把最后一条助手消息的文本整体替换为 text。
func ReplaceLastAssistantText(c model.Conversation, newID func() string, text string) model.Conversation {
	return ReplaceLastAssistantContent(c, newID, []model.ContentPart{model.TextPrompt(text)})
}

// ReplaceLastAssistantContent 用一次性返回的内容替换最后一条助手消息的内容。
// 占位消息会在这里获得 id。
func ReplaceLastAssistantContent(c model.Conversation, newID func() string, content []model.ContentPart) model.Conversation {
	last, ok := c.LastMessage()
	if !ok || last.Role != model.RoleAssistant {
		return c
	}

	next := c.Clone()
	idx := len(next.Messages) - 1
	msg := next.Messages[idx]
	if msg.ID == "" {
		msg.ID = newID()
	}
	msg.Content = append([]model.ContentPart(nil), content...)
	next.Messages[idx] = msg
	return next
}

// SettleLastAssistant 在回合完成时固化最后一条助手消息：
// 仍是占位的消息获得 id（内容保持为空），tokenCount > 0 时写入用量。
func SettleLastAssistant(c model.Conversation, newID func() string, tokenCount int) model.Conversation {
	last, ok := c.LastMessage()
	if !ok || last.Role != model.RoleAssistant {
		return c
	}

	next := c.Clone()
	idx := len(next.Messages) - 1
	msg := next.Messages[idx]
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.Content == nil {
		msg.Content = []model.ContentPart{}
	}
	if tokenCount > 0 {
		msg.TokenCount = tokenCount
	}
	next.Messages[idx] = msg
	return next
}

// PopLast 删除最后一条消息。
func PopLast(c model.Conversation) model.Conversation {
	if len(c.Messages) == 0 {
		return c
	}
	next := c.Clone()
	next.Messages = next.Messages[:len(next.Messages)-1]
	return next
}

// PopLastAssistant 仅当最后一条是助手消息（占位或部分流式内容）时删除它。
func PopLastAssistant(c model.Conversation) model.Conversation {
	last, ok := c.LastMessage()
	if !ok || last.Role != model.RoleAssistant {
		return c
	}
	return PopLast(c)
}

// TouchUpdatedAt 更新 updatedAt，保证其单调不减。
func TouchUpdatedAt(c model.Conversation, now time.Time) model.Conversation {
	next := c.Clone()
	if now.After(next.UpdatedAt) {
		next.UpdatedAt = now
	}
	return next
}

// SetSummary 设置会话标题。
func SetSummary(c model.Conversation, summary string) model.Conversation {
	next := c.Clone()
	next.Summary = summary
	return next
}
