// Package presence 跨进程在线目录：记录每个用户的活跃连接位于哪个进程、加入了哪些会话。
//
// 目录只是协调手段，不是正确性的来源：条目可能在进程崩溃后短暂残留，
// 投递到失效连接的消息会被丢弃。
package presence

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable 目录不可用
var ErrUnavailable = errors.New("presence directory unavailable")

// Entry 目录条目，一个活跃连接对应一条
type Entry struct {
	UserID        string    `json:"userId"`
	ConnectionID  string    `json:"connectionId"`
	ProcessID     string    `json:"processId"`
	Conversations []string  `json:"conversations"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// Directory 在线目录
type Directory interface {
	// Register 写入或覆盖连接条目
	Register(ctx context.Context, e Entry) error
	// Unregister 删除连接条目，条目不存在时不报错
	Unregister(ctx context.Context, userID, connectionID string) error
	// ConnectionsFor 查询用户的全部连接条目
	ConnectionsFor(ctx context.Context, userID string) ([]Entry, error)
}
