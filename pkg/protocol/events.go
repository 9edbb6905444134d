package protocol

import (
	"strings"
)

// InboundEvent 客户端发往服务端的事件，封闭的和类型
type InboundEvent interface {
	Type() EventType
	Accept(v InboundVisitor) error
	inbound()
}

// InboundVisitor 服务端分发表，新增事件类型时在此增加方法，实现方编译期即可发现遗漏
type InboundVisitor interface {
	VisitJoinConversation(e JoinConversation) error
	VisitLeaveConversation(e LeaveConversation) error
	VisitTyping(e Typing) error
	VisitCreateMessage(e CreateMessage) error
	VisitPing(e Ping) error
	VisitConversationCreated(e ConversationCreated) error
}

// JoinConversation 加入会话
type JoinConversation struct {
	ConversationID string `json:"conversationId"`
}

// LeaveConversation 离开会话
type LeaveConversation struct {
	ConversationID string `json:"conversationId"`
}

// Typing 正在输入，Started区分typing_start和typing_stop
type Typing struct {
	ConversationID string `json:"conversationId"`
	Started        bool   `json:"-"`
}

// CreateMessage 发送消息
type CreateMessage struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	MessageType    string `json:"type,omitempty"`
	ReplyToID      string `json:"replyToId,omitempty"`
}

// Ping 存活探测
type Ping struct{}

// ConversationCreated 发送方通过REST创建会话后的通知
type ConversationCreated struct {
	ConversationID string `json:"conversationId"`
}

func (JoinConversation) Type() EventType    { return TypeJoinConversation }
func (LeaveConversation) Type() EventType   { return TypeLeaveConversation }
func (CreateMessage) Type() EventType       { return TypeMessageCreated }
func (Ping) Type() EventType                { return TypePing }
func (ConversationCreated) Type() EventType { return TypeConversationCreated }

func (e Typing) Type() EventType {
	if e.Started {
		return TypeTypingStart
	}
	return TypeTypingStop
}

func (e JoinConversation) Accept(v InboundVisitor) error    { return v.VisitJoinConversation(e) }
func (e LeaveConversation) Accept(v InboundVisitor) error   { return v.VisitLeaveConversation(e) }
func (e Typing) Accept(v InboundVisitor) error              { return v.VisitTyping(e) }
func (e CreateMessage) Accept(v InboundVisitor) error       { return v.VisitCreateMessage(e) }
func (e Ping) Accept(v InboundVisitor) error                { return v.VisitPing(e) }
func (e ConversationCreated) Accept(v InboundVisitor) error { return v.VisitConversationCreated(e) }

func (JoinConversation) inbound()    {}
func (LeaveConversation) inbound()   {}
func (Typing) inbound()              {}
func (CreateMessage) inbound()       {}
func (Ping) inbound()                {}
func (ConversationCreated) inbound() {}

// DecodeInbound 将信封解析为强类型事件，校验失败返回 invalid_payload
func DecodeInbound(env Envelope) (InboundEvent, error) {
	switch env.Type {
	case TypeJoinConversation:
		var e JoinConversation
		if err := decodeConversationPayload(env, &e, &e.ConversationID); err != nil {
			return nil, err
		}
		return e, nil
	case TypeLeaveConversation:
		var e LeaveConversation
		if err := decodeConversationPayload(env, &e, &e.ConversationID); err != nil {
			return nil, err
		}
		return e, nil
	case TypeTypingStart, TypeTypingStop:
		e := Typing{Started: env.Type == TypeTypingStart}
		if err := decodeConversationPayload(env, &e, &e.ConversationID); err != nil {
			return nil, err
		}
		return e, nil
	case TypeMessageCreated:
		var e CreateMessage
		if err := decodeConversationPayload(env, &e, &e.ConversationID); err != nil {
			return nil, err
		}
		if strings.TrimSpace(e.Content) == "" {
			return nil, invalidPayload(env, e.ConversationID, "content is required")
		}
		if e.MessageType == "" {
			e.MessageType = "text"
		}
		return e, nil
	case TypePing:
		return Ping{}, nil
	case TypeConversationCreated:
		var e ConversationCreated
		if err := decodeConversationPayload(env, &e, &e.ConversationID); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, invalidPayload(env, "", "unknown event type "+string(env.Type))
	}
}

func decodeConversationPayload(env Envelope, v interface{}, conversationID *string) error {
	if err := env.DecodeData(v); err != nil {
		return invalidPayload(env, "", err.Error())
	}
	if strings.TrimSpace(*conversationID) == "" {
		return invalidPayload(env, "", "conversationId is required")
	}
	return nil
}

func invalidPayload(env Envelope, conversationID, msg string) *Error {
	return &Error{
		Code:           CodeInvalidPayload,
		Message:        msg,
		EventType:      env.Type,
		ConversationID: conversationID,
	}
}

// ConnectionReady 认证成功后的欢迎事件
type ConnectionReady struct {
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName"`
	ConnectionID string `json:"connectionId"`
	ProcessID    string `json:"processId"`
}

// ConversationRef 仅携带会话ID的确认
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// ParticipantEvent 参与者加入/离开/输入状态
type ParticipantEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName,omitempty"`
}

// Author 消息作者
type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// Message 已持久化的消息
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	ReplyToID      string `json:"replyToId,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	Author         Author `json:"author"`
}

// Participant 会话参与者
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Conversation 会话详情
type Conversation struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	Type         string        `json:"type,omitempty"`
	CreatedBy    string        `json:"createdBy,omitempty"`
	CreatedAt    int64         `json:"createdAt"`
	Participants []Participant `json:"participants"`
}

// ConversationPayload conversation_created / conversation_confirmed 的数据
type ConversationPayload struct {
	Conversation Conversation `json:"conversation"`
}
