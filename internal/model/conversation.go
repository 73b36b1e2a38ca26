// Package model 包含了应用的数据模型定义。
package model

import (
	"strings"
	"time"
)

// Product 标识会话绑定的服务商/模式，创建后不可更改。
type Product string

const (
	ProductChat            Product = "chat"
	ProductAnthropicChat   Product = "anthropic_chat"
	ProductTextCompletion  Product = "text_completion"
	ProductImageGeneration Product = "image_generation"
	ProductModeration      Product = "moderation"
)

// Products 返回所有受支持的产品。
func Products() []Product {
	return []Product{
		ProductChat,
		ProductAnthropicChat,
		ProductTextCompletion,
		ProductImageGeneration,
		ProductModeration,
	}
}

// Valid 报告 p 是否为已知产品。产品名会被用作表名/键前缀，所以只允许已知取值。
func (p Product) Valid() bool {
	for _, known := range Products() {
		if p == known {
			return true
		}
	}
	return false
}

// IsChat 报告该产品是否以多轮对话历史作为提示上下文。只有聊天类产品会走流式路径。
func (p Product) IsChat() bool {
	return p == ProductChat || p == ProductAnthropicChat
}

// SingleShot 报告该产品是否为一次性请求（调用前清空输入，失败后不恢复）。
func (p Product) SingleShot() bool {
	return p == ProductImageGeneration || p == ProductModeration
}

// Role 是消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentPartType 是 ContentPart 的变体标签。
type ContentPartType string

const (
	ContentPartText  ContentPartType = "text_prompt"
	ContentPartImage ContentPartType = "image_prompt"
	ContentPartAudio ContentPartType = "audio_prompt"
)

// ContentPart 是消息内容的一个片段，Type 决定哪些字段有效。
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	URL      string          `json:"url,omitempty"`
	FileName string          `json:"fileName,omitempty"`
}

// TextPrompt 构造一个文本片段。
func TextPrompt(text string) ContentPart {
	return ContentPart{Type: ContentPartText, Text: text}
}

// ImagePrompt 构造一个图片引用片段。
func ImagePrompt(url string) ContentPart {
	return ContentPart{Type: ContentPartImage, URL: url}
}

// AudioPrompt 构造一个音频文件引用片段。
func AudioPrompt(fileName string) ContentPart {
	return ContentPart{Type: ContentPartAudio, FileName: fileName}
}

// Message 代表会话中的单条消息。
type Message struct {
	ID         string        `json:"id"`
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	TokenCount int           `json:"tokenCount"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// IsPlaceholder 报告 m 是否为尚未收到任何内容的助手占位消息。
func (m Message) IsPlaceholder() bool {
	return m.Role == RoleAssistant && m.ID == "" && len(m.Content) == 0
}

// Text 拼接消息中所有文本片段。
func (m Message) Text() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Type == ContentPartText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// Clone 返回 m 的深拷贝。
func (m Message) Clone() Message {
	if m.Content != nil {
		m.Content = append([]ContentPart(nil), m.Content...)
	}
	return m
}

// Configuration 是会话创建时从产品默认值复制而来的参数快照。
type Configuration struct {
	Model           string  `json:"model"`
	Stream          bool    `json:"stream"`
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	MaxTokens       int     `json:"maxTokens,omitempty"`
	SystemPrompt    string  `json:"systemPrompt,omitempty"`
	ContextMessages int     `json:"contextMessages,omitempty"`
	ImageSize       string  `json:"imageSize,omitempty"`
	ImageCount      int     `json:"imageCount,omitempty"`
}

// Conversation 是绑定到某个产品的一条持久化消息线程。
type Conversation struct {
	ID            string        `json:"id"`
	Product       Product       `json:"product"`
	Summary       string        `json:"summary"`
	Configuration Configuration `json:"configuration"`
	Messages      []Message     `json:"messages"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Clone 返回 c 的深拷贝，Messages 永远不为 nil。
func (c Conversation) Clone() Conversation {
	messages := make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		messages[i] = m.Clone()
	}
	c.Messages = messages
	return c
}

// LastMessage 返回最后一条消息。
func (c Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// ConversationPatch 描述一次按 id 的部分更新，nil 字段表示不更新。
type ConversationPatch struct {
	Summary   *string
	Messages  []Message
	UpdatedAt *time.Time
}

// IsEmpty 报告该补丁是否没有任何需要写入的字段。
func (p ConversationPatch) IsEmpty() bool {
	return p.Summary == nil && p.Messages == nil && p.UpdatedAt == nil
}

// Apply 把补丁应用到 c 上并返回新值。
func (p ConversationPatch) Apply(c Conversation) Conversation {
	if p.Summary != nil {
		c.Summary = *p.Summary
	}
	if p.Messages != nil {
		c.Messages = Conversation{Messages: p.Messages}.Clone().Messages
	}
	if p.UpdatedAt != nil {
		c.UpdatedAt = *p.UpdatedAt
	}
	return c
}
