package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType 事件类型
type EventType string

// 客户端发往服务端的事件
const (
	TypeJoinConversation    EventType = "join_conversation"
	TypeLeaveConversation   EventType = "leave_conversation"
	TypeTypingStart         EventType = "typing_start"
	TypeTypingStop          EventType = "typing_stop"
	TypeMessageCreated      EventType = "message_created"
	TypePing                EventType = "ping"
	TypeConversationCreated EventType = "conversation_created"
)

// 服务端发往客户端的事件，typing_*、message_created、conversation_created 两个方向共用
const (
	TypeConnectionReady       EventType = "connection_ready"
	TypePong                  EventType = "pong"
	TypeJoinedConversation    EventType = "joined_conversation"
	TypeLeftConversation      EventType = "left_conversation"
	TypeParticipantJoined     EventType = "participant_joined"
	TypeParticipantLeft       EventType = "participant_left"
	TypeConversationConfirmed EventType = "conversation_confirmed"
	TypeError                 EventType = "error"
)

// IsCritical 是否为需要确认的关键事件
func (t EventType) IsCritical() bool {
	return t == TypeMessageCreated || t == TypeJoinConversation
}

// Envelope 线上传输的消息信封
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope 构造信封，data 序列化为JSON
func NewEnvelope(t EventType, data interface{}) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: NowMillis()}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Data = raw
	return env, nil
}

// MustEnvelope 构造信封，序列化失败时panic，仅用于内部固定结构
func MustEnvelope(t EventType, data interface{}) Envelope {
	env, err := NewEnvelope(t, data)
	if err != nil {
		panic(err)
	}
	return env
}

// WithID 返回带客户端ID的信封副本
func (e Envelope) WithID(id string) Envelope {
	e.ID = id
	return e
}

// Marshal 编码为JSON
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeData 解析data字段
func (e Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty data", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// ParseEnvelope 解析原始帧
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// NowMillis 当前毫秒时间戳
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
