package dao

import (
	"context"
	"errors"

	"goim-realtime/apps/realtime-service/model"
	"goim-realtime/pkg/protocol"
)

// ErrConversationNotFound 会话不存在或尚未对读可见
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationStore 会话数据访问接口
type ConversationStore interface {
	// Participants 会话参与者的用户ID
	Participants(ctx context.Context, conversationID string) ([]string, error)
	// ConversationDetail 会话详情，含参与者
	ConversationDetail(ctx context.Context, conversationID string) (*protocol.Conversation, error)
}

// MessageStore 消息数据访问接口
type MessageStore interface {
	// PersistMessage 持久化消息，返回服务端分配的ID和创建时间
	PersistMessage(ctx context.Context, msg *model.NewMessage) (*model.StoredMessage, error)
}
