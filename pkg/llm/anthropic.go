package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"

	"hyperchat-go/internal/config"
)

const defaultAnthropicMaxTokens = 1024

type anthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates a client for the Anthropic Messages API.
func NewAnthropicClient(cfg config.AnthropicConfig) Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicClient{client: anthropic.NewClient(opts...)}
}

func (c *anthropicClient) buildParams(req *Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(defaultAnthropicMaxTokens)
	temperature, topP, limit := params(req.Params)
	if limit != nil && *limit > 0 {
		maxTokens = int64(*limit)
	}

	p := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.SystemPrompt != "" {
		p.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if temperature != nil {
		p.Temperature = anthropic.Float(*temperature)
	}
	if topP != nil {
		p.TopP = anthropic.Float(*topP)
	}
	return p
}

func anthropicUsage(u anthropic.Usage) *Usage {
	return &Usage{
		PromptTokens:     int(u.InputTokens),
		CompletionTokens: int(u.OutputTokens),
		TotalTokens:      int(u.InputTokens + u.OutputTokens),
	}
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &Error{Code: apiErr.StatusCode, Message: apiErr.Error()}
	}
	return errors.Wrap(err, "failed to call anthropic api")
}

func (c *anthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	message, err := c.client.Messages.New(ctx, c.buildParams(req))
	if err != nil {
		return nil, anthropicError(err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	return &Response{Text: sb.String(), Usage: anthropicUsage(message.Usage)}, nil
}

func (c *anthropicClient) Stream(ctx context.Context, req *Request, writer TokenWriter) (*Usage, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.buildParams(req))
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, &Error{Code: 502, Message: "malformed stream event: " + err.Error()}
		}

		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				if err := writer.WriteToken(text.Text); err != nil {
					return nil, errors.Wrap(err, "failed to deliver token")
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, anthropicError(err)
	}
	return anthropicUsage(message.Usage), nil
}
