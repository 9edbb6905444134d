package model

import (
	"time"

	"goim-realtime/pkg/protocol"
)

// 消息类型
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
)

// 参与者角色
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// Conversation 会话表，由会话CRUD服务写入，实时服务只读
type Conversation struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)"`
	Name      string    `gorm:"type:varchar(255)"`
	Type      string    `gorm:"type:varchar(32)"`
	CreatedBy string    `gorm:"type:varchar(64);index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName 表名
func (Conversation) TableName() string { return "conversations" }

// Participant 会话参与者表
type Participant struct {
	ConversationID string    `gorm:"primaryKey;type:varchar(64)"`
	UserID         string    `gorm:"primaryKey;type:varchar(64);index"`
	DisplayName    string    `gorm:"type:varchar(255)"`
	Role           string    `gorm:"type:varchar(32);default:member"`
	JoinedAt       time.Time `gorm:"autoCreateTime"`
}

// TableName 表名
func (Participant) TableName() string { return "conversation_participants" }

// NewMessage 待持久化的消息
type NewMessage struct {
	ConversationID string
	AuthorID       string
	AuthorName     string
	Content        string
	Type           string
	ReplyToID      string
}

// StoredMessage MongoDB中的消息文档
type StoredMessage struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	AuthorID       string    `bson:"author_id"`
	AuthorName     string    `bson:"author_name"`
	Content        string    `bson:"content"`
	Type           string    `bson:"type"`
	ReplyToID      string    `bson:"reply_to_id,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
}

// ToProtocol 转换为线上格式
func (m *StoredMessage) ToProtocol() protocol.Message {
	return protocol.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		Type:           m.Type,
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt.UnixMilli(),
		Author:         protocol.Author{ID: m.AuthorID, DisplayName: m.AuthorName},
	}
}

// ToProtocolConversation 组装会话详情
func ToProtocolConversation(c *Conversation, participants []Participant) *protocol.Conversation {
	out := &protocol.Conversation{
		ID:           c.ID,
		Name:         c.Name,
		Type:         c.Type,
		CreatedBy:    c.CreatedBy,
		CreatedAt:    c.CreatedAt.UnixMilli(),
		Participants: make([]protocol.Participant, 0, len(participants)),
	}
	for _, p := range participants {
		out.Participants = append(out.Participants, protocol.Participant{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Role:        p.Role,
		})
	}
	return out
}
