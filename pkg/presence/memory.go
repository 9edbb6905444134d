package presence

import (
	"context"
	"sort"
	"sync"
)

// MemoryDirectory 单进程部署使用的内存目录
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry // userID -> connectionID -> entry
}

// NewMemoryDirectory 创建内存目录
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: make(map[string]map[string]Entry)}
}

func (d *MemoryDirectory) Register(_ context.Context, e Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	conns, ok := d.entries[e.UserID]
	if !ok {
		conns = make(map[string]Entry)
		d.entries[e.UserID] = conns
	}
	e.Conversations = append([]string(nil), e.Conversations...)
	conns[e.ConnectionID] = e
	return nil
}

func (d *MemoryDirectory) Unregister(_ context.Context, userID, connectionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	conns, ok := d.entries[userID]
	if !ok {
		return nil
	}
	delete(conns, connectionID)
	if len(conns) == 0 {
		delete(d.entries, userID)
	}
	return nil
}

func (d *MemoryDirectory) ConnectionsFor(_ context.Context, userID string) ([]Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	conns := d.entries[userID]
	result := make([]Entry, 0, len(conns))
	for _, e := range conns {
		e.Conversations = append([]string(nil), e.Conversations...)
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ConnectionID < result[j].ConnectionID })
	return result, nil
}

// Len 条目总数
func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, conns := range d.entries {
		n += len(conns)
	}
	return n
}
