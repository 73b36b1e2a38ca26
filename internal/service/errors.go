package service

import (
	"errors"

	"hyperchat-go/pkg/llm"
)

// BusyHint 是回合进行中再次提交时展示给用户的提示。
const BusyHint = "Please wait your request is being processed!"

var (
	// ErrBusy 表示该会话已有未完成的回合，请求被拒绝（不排队、不重试）。
	ErrBusy = errors.New(BusyHint)
	// ErrEngineClosed 表示引擎已关闭。
	ErrEngineClosed = errors.New("session engine is closed")
	// ErrConversationNotOpen 表示会话尚未在引擎中打开。
	ErrConversationNotOpen = errors.New("conversation is not open")
	// ErrNoProvider 表示会话所属产品没有配置补全服务。
	ErrNoProvider = errors.New("no completion provider configured for product")

	errActorStopped = errors.New("session actor stopped")
)

// TurnError 是回合失败时交给界面展示的结构化错误。
type TurnError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *TurnError) Error() string {
	return e.Message
}

func toTurnError(err error) *TurnError {
	perr := llm.AsError(err)
	return &TurnError{Code: perr.Code, Message: perr.Message}
}
