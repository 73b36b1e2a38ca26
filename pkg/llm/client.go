// Package llm provides completion-provider clients for the chat products.
package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Client defines the interface for a completion provider.
type Client interface {
	// Complete 发起一次性请求，返回完整的响应。
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Stream 发起流式请求，按到达顺序把每个文本 token 写入 writer。
	// 返回值为服务商上报的用量，未知时为 nil。
	Stream(ctx context.Context, req *Request, writer TokenWriter) (*Usage, error)
}

// TokenWriter 接收流式响应中的增量文本。
type TokenWriter interface {
	WriteToken(token string) error
}

// TokenWriterFunc 让普通函数满足 TokenWriter。
type TokenWriterFunc func(token string) error

func (f TokenWriterFunc) WriteToken(token string) error { return f(token) }

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Request 是一次补全请求。聊天类产品使用 Messages，其余产品使用 Prompt。
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Prompt       string
	Params       *GenerationParams
	ImageSize    string
	ImageCount   int
}

// Usage 是服务商上报的 token 用量。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response 是一次性请求的结果。
type Response struct {
	Text      string
	ImageURLs []string
	Usage     *Usage
}

// Error 是归一化后的服务商错误，Code 取 HTTP 状态码，传输层错误为 0。
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// ErrStreamingUnsupported 由只支持一次性请求的客户端在 Stream 中返回。
var ErrStreamingUnsupported = errors.New("streaming is not supported by this provider")

// AsError 把任意错误归一化为 *Error。
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: http.StatusRequestTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &Error{Code: 0, Message: "request canceled"}
	}
	return &Error{Code: 0, Message: err.Error()}
}

func params(gen *GenerationParams) (temperature *float64, topP *float64, maxTokens *int) {
	if gen == nil {
		return nil, nil, nil
	}
	return gen.Temperature, gen.TopP, gen.MaxTokens
}
