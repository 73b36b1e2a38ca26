package llm

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"

	"hyperchat-go/internal/config"
)

// completionClient 调用旧式 /completions 接口，只支持一次性请求。
type completionClient struct {
	client openai.Client
}

// NewCompletionClient creates a text-completion client.
func NewCompletionClient(cfg config.OpenAIConfig) Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Organization != "" {
		opts = append(opts, option.WithOrganization(cfg.Organization))
	}
	return &completionClient{client: openai.NewClient(opts...)}
}

func (c *completionClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	p := openai.CompletionNewParams{
		Model:  openai.CompletionNewParamsModel(req.Model),
		Prompt: openai.CompletionNewParamsPromptUnion{OfString: openai.String(req.Prompt)},
	}
	temperature, topP, maxTokens := params(req.Params)
	if temperature != nil {
		p.Temperature = openai.Float(*temperature)
	}
	if topP != nil {
		p.TopP = openai.Float(*topP)
	}
	if maxTokens != nil {
		p.MaxTokens = openai.Int(int64(*maxTokens))
	}

	completion, err := c.client.Completions.New(ctx, p)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &Error{Code: apiErr.StatusCode, Message: apiErr.Message}
		}
		return nil, errors.Wrap(err, "failed to call completions api")
	}
	if len(completion.Choices) == 0 {
		return nil, &Error{Code: 502, Message: "completion response has no choices"}
	}

	return &Response{
		Text: completion.Choices[0].Text,
		Usage: &Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}, nil
}

func (c *completionClient) Stream(context.Context, *Request, TokenWriter) (*Usage, error) {
	return nil, ErrStreamingUnsupported
}
