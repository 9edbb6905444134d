package dao

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"goim-realtime/apps/realtime-service/model"
	"goim-realtime/pkg/database"
	"goim-realtime/pkg/protocol"
)

// conversationDAO 会话数据访问实现
type conversationDAO struct {
	db *database.PostgreSQL
}

// NewConversationDAO 创建会话DAO实例
func NewConversationDAO(db *database.PostgreSQL) ConversationStore {
	return &conversationDAO{db: db}
}

// Participants 获取参与者ID
func (d *conversationDAO) Participants(ctx context.Context, conversationID string) ([]string, error) {
	var userIDs []string
	err := d.db.WithContext(ctx).
		Model(&model.Participant{}).
		Where("conversation_id = ?", conversationID).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, err
	}
	return userIDs, nil
}

// ConversationDetail 获取会话详情
func (d *conversationDAO) ConversationDetail(ctx context.Context, conversationID string) (*protocol.Conversation, error) {
	var conv model.Conversation
	err := d.db.WithContext(ctx).Where("id = ?", conversationID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}

	var participants []model.Participant
	err = d.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("joined_at ASC").
		Find(&participants).Error
	if err != nil {
		return nil, err
	}
	return model.ToProtocolConversation(&conv, participants), nil
}
