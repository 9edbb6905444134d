package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode 返回给客户端的错误码
type ErrorCode string

const (
	CodeNotAuthenticated  ErrorCode = "not_authenticated"
	CodeAccessDenied      ErrorCode = "access_denied"
	CodeNotInConversation ErrorCode = "not_in_conversation"
	CodeInvalidPayload    ErrorCode = "invalid_payload"
	CodeInternalError     ErrorCode = "internal_error"
)

// Retryable 客户端是否可以对该错误重试
func (c ErrorCode) Retryable() bool {
	return c == CodeInternalError
}

// Error 协议层错误，同时也是error信封的data
type Error struct {
	Code           ErrorCode `json:"code"`
	Message        string    `json:"message"`
	EventType      EventType `json:"eventType,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
}

func (e *Error) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("%s: %s (%s %s)", e.Code, e.Message, e.EventType, e.ConversationID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError 构造协议错误
func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// For 绑定触发错误的事件与会话
func (e *Error) For(t EventType, conversationID string) *Error {
	cp := *e
	cp.EventType = t
	if conversationID != "" {
		cp.ConversationID = conversationID
	}
	return &cp
}

// AsError 将任意错误转换为协议错误，未知错误归为 internal_error
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeInternalError, Message: "internal error"}
}

// ErrorEnvelope 构造error信封，id回显客户端ID
func ErrorEnvelope(e *Error, id string) Envelope {
	return MustEnvelope(TypeError, e).WithID(id)
}
