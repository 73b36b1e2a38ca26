package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"hyperchat-go/internal/config"
)

// chatClient 调用 OpenAI 兼容的 /chat/completions 接口（OpenAI、DeepSeek 等）。
type chatClient struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

// NewChatClient creates a chat client for an OpenAI-compatible endpoint.
func NewChatClient(cfg config.OpenAIConfig, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &chatClient{cfg: cfg, client: httpClient}
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *chatUsage) toUsage() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
	// 部分兼容服务在已经返回 200 后，用 data 行下发错误
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *chatClient) buildRequest(req *Request, stream bool) chatRequest {
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, req.Messages...)

	body := chatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	body.Temperature, body.TopP, body.MaxTokens = params(req.Params)
	return body
}

func (c *chatClient) do(ctx context.Context, body chatRequest) (*http.Response, error) {
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.Organization != "" {
		httpReq.Header.Set("OpenAI-Organization", c.cfg.Organization)
	}
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to call chat api")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeHTTPError(resp)
	}
	return resp, nil
}

// decodeHTTPError 把非 200 响应转换成 *Error，优先使用 {"error":{"message":...}} 中的信息。
func decodeHTTPError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(resp.Body)
	var body apiErrorBody
	msg := strings.TrimSpace(string(bodyBytes))
	if err := json.Unmarshal(bodyBytes, &body); err == nil && body.Error.Message != "" {
		msg = body.Error.Message
	}
	if msg == "" {
		msg = resp.Status
	}
	return &Error{Code: resp.StatusCode, Message: msg}
}

// Complete 以非流式方式调用聊天接口。
func (c *chatClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.do(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Code: http.StatusBadGateway, Message: "malformed chat response: " + err.Error()}
	}
	if len(out.Choices) == 0 {
		return nil, &Error{Code: http.StatusBadGateway, Message: "chat response has no choices"}
	}
	return &Response{Text: out.Choices[0].Message.Content, Usage: out.Usage.toUsage()}, nil
}

// Stream 调用聊天接口并解析 SSE 流，每个 delta 依次写入 writer。
func (c *chatClient) Stream(ctx context.Context, req *Request, writer TokenWriter) (*Usage, error) {
	resp, err := c.do(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var usage *Usage
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "failed to read from stream")
		}

		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}
			if data == "" {
				// 空 data 行当作心跳
				continue
			}

			var chunk chatChunk
			if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr != nil {
				return nil, &Error{Code: http.StatusBadGateway, Message: "malformed stream chunk: " + jsonErr.Error()}
			}
			if chunk.Error != nil {
				msg := chunk.Error.Message
				if msg == "" {
					msg = "stream interrupted by provider error"
				}
				return nil, &Error{Code: http.StatusBadGateway, Message: msg}
			}
			if chunk.Usage != nil {
				usage = chunk.Usage.toUsage()
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if werr := writer.WriteToken(chunk.Choices[0].Delta.Content); werr != nil {
					return nil, errors.Wrap(werr, "failed to deliver token")
				}
			}
		}

		if err == io.EOF {
			break
		}
	}
	return usage, nil
}
