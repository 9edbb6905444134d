// Package chatclient 实时聊天客户端：连接状态机、断线重连、关键事件的确认与重试。
package chatclient

import (
	"errors"
	"time"
)

// Status 连接状态
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error" // 不可重试的故障，例如认证被拒
)

// State 连接状态快照
type State struct {
	Status            Status
	ReconnectAttempts int
	NextReconnectAt   time.Time
	LastError         error
}

var (
	// ErrNotConnected 未连接时发送
	ErrNotConnected = errors.New("not connected")
	// ErrAckTimeout 重试耗尽仍未收到确认
	ErrAckTimeout = errors.New("acknowledgment timeout")
	// ErrConnectionClosed 连接被正常关闭，待确认记录不再重放
	ErrConnectionClosed = errors.New("connection closed")
	// ErrAuthenticationFailed 服务端拒绝凭证
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrHeartbeatTimeout 连续未收到pong
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrUnexpectedClose 连接异常断开
	ErrUnexpectedClose = errors.New("connection closed unexpectedly")
	// ErrSendBufferFull 发送缓冲区已满
	ErrSendBufferFull = errors.New("send buffer full")
)
