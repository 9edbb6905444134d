package service

import (
	"context"

	"goim-realtime/apps/realtime-service/dao"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/protocol"
)

// Forwarder 将信封投递到其他进程上的连接
type Forwarder interface {
	Forward(ctx context.Context, processID, connectionID string, env protocol.Envelope) error
}

// BroadcastResult 一次扇出的统计
type BroadcastResult struct {
	Recipients int  // 参与者数（不含排除的发送方）
	Delivered  int  // 本地投递成功
	Forwarded  int  // 转发到其他进程
	Failed     int  // 投递失败，已丢弃
	Degraded   bool // 目录不可用，只做了本地扇出
}

// Broadcaster 会话扇出引擎
type Broadcaster struct {
	conversations dao.ConversationStore
	registry      *Registry
	forwarder     Forwarder
	log           logger.Logger
}

// NewBroadcaster 创建扇出引擎，forwarder为nil表示单进程部署
func NewBroadcaster(conversations dao.ConversationStore, registry *Registry, forwarder Forwarder, log logger.Logger) *Broadcaster {
	return &Broadcaster{
		conversations: conversations,
		registry:      registry,
		forwarder:     forwarder,
		log:           log,
	}
}

// Broadcast 向会话的全部参与者扇出，excludeUserID的所有连接都不会收到
func (b *Broadcaster) Broadcast(ctx context.Context, conversationID string, env protocol.Envelope, excludeUserID string) (BroadcastResult, error) {
	userIDs, err := b.conversations.Participants(ctx, conversationID)
	if err != nil {
		return BroadcastResult{}, err
	}
	return b.BroadcastToUsers(ctx, userIDs, env, excludeUserID), nil
}

// BroadcastToUsers 向指定用户扇出，发送即忘，单个目标失败不影响其余目标
func (b *Broadcaster) BroadcastToUsers(ctx context.Context, userIDs []string, env protocol.Envelope, excludeUserID string) BroadcastResult {
	var res BroadcastResult
	seen := make(map[string]struct{}, len(userIDs))

	for _, userID := range userIDs {
		if userID == excludeUserID {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		res.Recipients++

		for _, conn := range b.registry.LocalConnectionsFor(userID) {
			if err := conn.Send(env); err != nil {
				res.Failed++
				b.log.Debug(ctx, "Drop envelope for unreachable connection",
					logger.F("connection_id", conn.ID()), logger.F("type", string(env.Type)), logger.F("error", err))
				continue
			}
			res.Delivered++
		}

		if b.forwarder == nil || res.Degraded {
			continue
		}
		entries, err := b.registry.ConnectionsFor(ctx, userID)
		if err != nil {
			res.Degraded = true
			b.log.Warn(ctx, "Presence lookup failed, falling back to local fanout",
				logger.F("user_id", userID), logger.F("error", err))
			continue
		}
		for _, e := range entries {
			if e.ProcessID == b.registry.ProcessID() {
				continue
			}
			if err := b.forwarder.Forward(ctx, e.ProcessID, e.ConnectionID, env); err != nil {
				res.Failed++
				b.log.Debug(ctx, "Forward failed",
					logger.F("process_id", e.ProcessID), logger.F("connection_id", e.ConnectionID), logger.F("error", err))
				continue
			}
			res.Forwarded++
		}
	}
	return res
}
