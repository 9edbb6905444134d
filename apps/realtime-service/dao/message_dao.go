package dao

import (
	"context"
	"fmt"
	"time"

	"goim-realtime/apps/realtime-service/model"
	"goim-realtime/pkg/database"
	"goim-realtime/pkg/snowflake"
)

// MessagesCollection 消息集合名
const MessagesCollection = "messages"

// messageDAO 消息数据访问实现
type messageDAO struct {
	db  *database.MongoDB
	ids *snowflake.Node
}

// NewMessageDAO 创建消息DAO实例
func NewMessageDAO(db *database.MongoDB, ids *snowflake.Node) MessageStore {
	return &messageDAO{db: db, ids: ids}
}

// PersistMessage 写入消息
func (d *messageDAO) PersistMessage(ctx context.Context, msg *model.NewMessage) (*model.StoredMessage, error) {
	id, err := d.ids.NextString()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	stored := &model.StoredMessage{
		ID:             id,
		ConversationID: msg.ConversationID,
		AuthorID:       msg.AuthorID,
		AuthorName:     msg.AuthorName,
		Content:        msg.Content,
		Type:           msg.Type,
		ReplyToID:      msg.ReplyToID,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
	if stored.Type == "" {
		stored.Type = model.MessageTypeText
	}

	if _, err := d.db.Collection(MessagesCollection).InsertOne(ctx, stored); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return stored, nil
}
