package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/presence"
	"goim-realtime/pkg/protocol"
)

var (
	// ErrConnectionGone 连接已注销，不再接受任何写入
	ErrConnectionGone = errors.New("connection is gone")
	// ErrConnectionConflict 同一连接ID被不同用户注册
	ErrConnectionConflict = errors.New("connection id already registered to another user")
)

// Conn 本进程持有的一条连接
type Conn interface {
	ID() string
	// Send 非阻塞投递，连接关闭或缓冲区满时返回错误
	Send(env protocol.Envelope) error
	Close(code int, reason string)
}

// registryEntry 单条连接的本地状态
// mu 串行化该连接的目录写入，closed置位后拒绝一切写入
type registryEntry struct {
	mu     sync.Mutex
	conn   Conn
	userID string
	joined map[string]struct{}
	closed bool
}

func (e *registryEntry) snapshot(processID string) presence.Entry {
	convs := make([]string, 0, len(e.joined))
	for id := range e.joined {
		convs = append(convs, id)
	}
	sort.Strings(convs)
	return presence.Entry{
		UserID:        e.userID,
		ConnectionID:  e.conn.ID(),
		ProcessID:     processID,
		Conversations: convs,
		LastUpdated:   time.Now(),
	}
}

// Registry 连接注册表：本地连接表 + 跨进程在线目录
type Registry struct {
	processID string
	directory presence.Directory
	log       logger.Logger

	mu     sync.RWMutex
	conns  map[string]*registryEntry
	byUser map[string]map[string]*registryEntry
}

// NewRegistry 创建连接注册表
func NewRegistry(processID string, directory presence.Directory, log logger.Logger) *Registry {
	return &Registry{
		processID: processID,
		directory: directory,
		log:       log,
		conns:     make(map[string]*registryEntry),
		byUser:    make(map[string]map[string]*registryEntry),
	}
}

// ProcessID 本进程ID
func (r *Registry) ProcessID() string {
	return r.processID
}

// Register 注册连接并写入目录，重复注册同一连接是幂等的
func (r *Registry) Register(ctx context.Context, userID string, conn Conn) error {
	r.mu.Lock()
	e, ok := r.conns[conn.ID()]
	if ok && e.userID != userID {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectionConflict, conn.ID())
	}
	if !ok {
		e = &registryEntry{conn: conn, userID: userID, joined: make(map[string]struct{})}
		r.conns[conn.ID()] = e
		userConns, exists := r.byUser[userID]
		if !exists {
			userConns = make(map[string]*registryEntry)
			r.byUser[userID] = userConns
		}
		userConns[conn.ID()] = e
	}
	r.mu.Unlock()

	r.publish(ctx, e)
	return nil
}

// Unregister 注销连接，本地删除同步完成且不会失败，目录删除尽力而为
func (r *Registry) Unregister(ctx context.Context, connectionID string) {
	r.mu.Lock()
	e, ok := r.conns[connectionID]
	if ok {
		delete(r.conns, connectionID)
		if userConns := r.byUser[e.userID]; userConns != nil {
			delete(userConns, connectionID)
			if len(userConns) == 0 {
				delete(r.byUser, e.userID)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	// 等待进行中的目录写入结束，此后该连接的写入都会被拒绝
	e.mu.Lock()
	e.closed = true
	e.joined = nil
	e.mu.Unlock()

	if err := r.directory.Unregister(ctx, e.userID, connectionID); err != nil {
		r.log.Warn(ctx, "Presence unregister failed",
			logger.F("connection_id", connectionID), logger.F("user_id", e.userID), logger.F("error", err))
	}
}

// Join 加入会话
func (r *Registry) Join(ctx context.Context, connectionID, conversationID string) error {
	return r.mutate(ctx, connectionID, func(e *registryEntry) {
		e.joined[conversationID] = struct{}{}
	})
}

// Leave 离开会话，未加入时同样成功
func (r *Registry) Leave(ctx context.Context, connectionID, conversationID string) error {
	return r.mutate(ctx, connectionID, func(e *registryEntry) {
		delete(e.joined, conversationID)
	})
}

func (r *Registry) mutate(ctx context.Context, connectionID string, fn func(e *registryEntry)) error {
	e := r.lookup(connectionID)
	if e == nil {
		return ErrConnectionGone
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrConnectionGone
	}
	fn(e)
	r.writeDirectory(ctx, e)
	return nil
}

// publish 在持有连接锁的情况下写目录
func (r *Registry) publish(ctx context.Context, e *registryEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	r.writeDirectory(ctx, e)
}

func (r *Registry) writeDirectory(ctx context.Context, e *registryEntry) {
	if err := r.directory.Register(ctx, e.snapshot(r.processID)); err != nil {
		r.log.Warn(ctx, "Presence write failed, continuing with local state",
			logger.F("connection_id", e.conn.ID()), logger.F("user_id", e.userID), logger.F("error", err))
	}
}

func (r *Registry) lookup(connectionID string) *registryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connectionID]
}

// Lookup 查找本地连接
func (r *Registry) Lookup(connectionID string) (Conn, bool) {
	e := r.lookup(connectionID)
	if e == nil {
		return nil, false
	}
	return e.conn, true
}

// IsJoined 连接是否已加入会话
func (r *Registry) IsJoined(connectionID, conversationID string) bool {
	e := r.lookup(connectionID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.joined[conversationID]
	return ok
}

// Joined 连接已加入的会话
func (r *Registry) Joined(connectionID string) []string {
	e := r.lookup(connectionID)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.joined))
	for id := range e.joined {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LocalConnectionsFor 用户在本进程的连接
func (r *Registry) LocalConnectionsFor(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userConns := r.byUser[userID]
	out := make([]Conn, 0, len(userConns))
	for _, e := range userConns {
		out = append(out, e.conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ConnectionsFor 目录中用户的全部连接，可能位于其他进程
func (r *Registry) ConnectionsFor(ctx context.Context, userID string) ([]presence.Entry, error) {
	return r.directory.ConnectionsFor(ctx, userID)
}

// Count 本地连接数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll 关闭全部本地连接，进程退出时使用
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, e := range r.conns {
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close(code, reason)
	}
}
