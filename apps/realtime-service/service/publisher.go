package service

import (
	"context"
	"encoding/json"

	"goim-realtime/pkg/kafka"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/protocol"
)

// MessagePublisher 已持久化消息的下游事件
type MessagePublisher interface {
	PublishMessageCreated(ctx context.Context, msg protocol.Message)
}

// messageCreatedEvent Kafka事件体
type messageCreatedEvent struct {
	EventType string           `json:"eventType"`
	Message   protocol.Message `json:"message"`
	ProcessID string           `json:"processId"`
	EmittedAt int64            `json:"emittedAt"`
}

// KafkaMessagePublisher 发布到Kafka，按会话ID分区保证会话内顺序
type KafkaMessagePublisher struct {
	producer  *kafka.Producer
	topic     string
	processID string
	log       logger.Logger
}

// NewKafkaMessagePublisher 创建Kafka发布器
func NewKafkaMessagePublisher(producer *kafka.Producer, topic, processID string, log logger.Logger) *KafkaMessagePublisher {
	return &KafkaMessagePublisher{producer: producer, topic: topic, processID: processID, log: log}
}

// PublishMessageCreated 发布失败只记录日志
func (p *KafkaMessagePublisher) PublishMessageCreated(ctx context.Context, msg protocol.Message) {
	data, err := json.Marshal(messageCreatedEvent{
		EventType: string(protocol.TypeMessageCreated),
		Message:   msg,
		ProcessID: p.processID,
		EmittedAt: protocol.NowMillis(),
	})
	if err != nil {
		p.log.Error(ctx, "Marshal message event failed", logger.F("message_id", msg.ID), logger.F("error", err))
		return
	}
	if err := p.producer.SendMessage(ctx, p.topic, []byte(msg.ConversationID), data); err != nil {
		p.log.Warn(ctx, "Publish message event failed", logger.F("message_id", msg.ID), logger.F("error", err))
	}
}

// NopPublisher 未配置Kafka时使用
type NopPublisher struct{}

// PublishMessageCreated 丢弃事件
func (NopPublisher) PublishMessageCreated(context.Context, protocol.Message) {}
