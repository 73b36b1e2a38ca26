// Package service 包含了应用的业务逻辑层：会话引擎以及围绕它的会话管理服务。
package service

import (
	"hyperchat-go/internal/model"
	"hyperchat-go/pkg/llm"
)

const defaultContextMessages = 20

// buildRequest 根据会话当前内容和本轮问题构建补全请求。
// 调用时会话尾部应为刚追加的用户消息，占位符尚未加入。
func buildRequest(conv model.Conversation, question string) *llm.Request {
	cfg := conv.Configuration
	req := &llm.Request{
		Model:      cfg.Model,
		Params:     buildGenerationParams(cfg),
		ImageSize:  cfg.ImageSize,
		ImageCount: cfg.ImageCount,
	}
	if conv.Product.IsChat() {
		req.SystemPrompt = cfg.SystemPrompt
		req.Messages = composeMessages(conv.Messages, cfg.ContextMessages)
		return req
	}
	req.Prompt = question
	return req
}

// composeMessages 取最近 limit 条有文本的消息作为上下文，占位符不会被发送。
func composeMessages(history []model.Message, limit int) []llm.Message {
	if limit <= 0 {
		limit = defaultContextMessages
	}
	msgs := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if m.IsPlaceholder() {
			continue
		}
		text := m.Text()
		if text == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: text})
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

func buildGenerationParams(cfg model.Configuration) *llm.GenerationParams {
	var gp llm.GenerationParams
	if cfg.Temperature != 0 {
		t := cfg.Temperature
		gp.Temperature = &t
	}
	if cfg.TopP != 0 {
		p := cfg.TopP
		gp.TopP = &p
	}
	if cfg.MaxTokens != 0 {
		m := cfg.MaxTokens
		gp.MaxTokens = &m
	}
	if gp.Temperature == nil && gp.TopP == nil && gp.MaxTokens == nil {
		return nil
	}
	return &gp
}

// responseContent 把一次性返回的结果转换为助手消息内容。
func responseContent(product model.Product, resp *llm.Response) []model.ContentPart {
	if product == model.ProductImageGeneration {
		parts := make([]model.ContentPart, 0, len(resp.ImageURLs))
		for _, url := range resp.ImageURLs {
			parts = append(parts, model.ImagePrompt(url))
		}
		return parts
	}
	return []model.ContentPart{model.TextPrompt(resp.Text)}
}
