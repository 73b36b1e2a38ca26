package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	goopenai "github.com/sashabaranov/go-openai"

	"hyperchat-go/internal/config"
)

func newGoOpenAI(cfg config.OpenAIConfig) *goopenai.Client {
	c := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	c.OrgID = cfg.Organization
	return goopenai.NewClientWithConfig(c)
}

func goOpenAIError(err error, action string) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Code: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Code: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return errors.Wrapf(err, "failed to call %s api", action)
}

// imageClient 生成图片，结果以 URL 形式返回。
type imageClient struct {
	client *goopenai.Client
}

// NewImageClient creates an image-generation client.
func NewImageClient(cfg config.OpenAIConfig) Client {
	return &imageClient{client: newGoOpenAI(cfg)}
}

func (c *imageClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	n := req.ImageCount
	if n <= 0 {
		n = 1
	}
	size := req.ImageSize
	if size == "" {
		size = goopenai.CreateImageSize512x512
	}

	resp, err := c.client.CreateImage(ctx, goopenai.ImageRequest{
		Prompt:         req.Prompt,
		N:              n,
		Size:           size,
		ResponseFormat: goopenai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return nil, goOpenAIError(err, "image")
	}

	urls := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		urls = append(urls, d.URL)
	}
	return &Response{ImageURLs: urls}, nil
}

func (c *imageClient) Stream(context.Context, *Request, TokenWriter) (*Usage, error) {
	return nil, ErrStreamingUnsupported
}

// moderationClient 调用内容审核接口，结果以 JSON 代码块文本返回。
type moderationClient struct {
	client *goopenai.Client
}

// NewModerationClient creates a moderation client.
func NewModerationClient(cfg config.OpenAIConfig) Client {
	return &moderationClient{client: newGoOpenAI(cfg)}
}

func (c *moderationClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.client.Moderations(ctx, goopenai.ModerationRequest{
		Input: req.Prompt,
		Model: req.Model,
	})
	if err != nil {
		return nil, goOpenAIError(err, "moderation")
	}

	pretty, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal moderation result")
	}
	return &Response{Text: fmt.Sprintf("```json \n%s\n```", pretty)}, nil
}

func (c *moderationClient) Stream(context.Context, *Request, TokenWriter) (*Usage, error) {
	return nil, ErrStreamingUnsupported
}
