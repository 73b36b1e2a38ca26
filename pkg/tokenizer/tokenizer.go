// Package tokenizer 为用户消息同步计算 token 数。
package tokenizer

import (
	"sync"

	"github.com/weaviate/tiktoken-go"

	"hyperchat-go/pkg/log"
)

// Counter 返回一段文本的 token 数，无法计算时返回 0。
type Counter func(text string) int

const defaultEncoding = "cl100k_base"

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func load() *tiktoken.Tiktoken {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding(defaultEncoding)
		if err != nil {
			log.Warnf("初始化 tiktoken 失败，token 计数将记为 0: %v", err)
			return
		}
		encoding = enc
	})
	return encoding
}

// Count 使用 cl100k_base 编码计数。编码表加载失败时退化为 0。
func Count(text string) int {
	if text == "" {
		return 0
	}
	enc := load()
	if enc == nil {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}

// Zero 是不做计数的 Counter。
func Zero(string) int { return 0 }
