package chatclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/protocol"
)

// PendingRecord 待确认的关键事件
type PendingRecord struct {
	ID         string
	Type       protocol.EventType
	Data       json.RawMessage
	RetryCount int
	SentAt     time.Time
}

type pendingRecord struct {
	env            protocol.Envelope
	conversationID string
	content        string
	retryCount     int
	sentAt         time.Time
	timer          Timer
	seq            uint64 // 每次发送递增，过期的超时回调据此丢弃
}

// ackTypes 关键事件与其确认事件
var ackTypes = map[protocol.EventType]protocol.EventType{
	protocol.TypeMessageCreated:     protocol.TypeMessageCreated,
	protocol.TypeJoinedConversation: protocol.TypeJoinConversation,
}

// Pending 待确认记录快照，按发送顺序
func (c *Client) Pending() []PendingRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PendingRecord, 0, len(c.pending))
	for _, rec := range c.pending {
		out = append(out, PendingRecord{
			ID:         rec.env.ID,
			Type:       rec.env.Type,
			Data:       rec.env.Data,
			RetryCount: rec.retryCount,
			SentAt:     rec.sentAt,
		})
	}
	return out
}

// PendingCount 待确认记录数
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// track 登记并发送关键事件
func (c *Client) track(env protocol.Envelope) (string, error) {
	id := uuid.NewString()
	env = env.WithID(id)

	if !c.connected() {
		c.notifyFailure(Failure{ID: id, Type: env.Type, Data: env.Data, Err: ErrNotConnected})
		return id, ErrNotConnected
	}

	var ref struct {
		ConversationID string `json:"conversationId"`
		Content        string `json:"content"`
	}
	_ = json.Unmarshal(env.Data, &ref)

	rec := &pendingRecord{env: env, conversationID: ref.ConversationID, content: ref.Content}
	c.pending = append(c.pending, rec)
	c.transmit(rec)
	return id, nil
}

// transmit 发送并启动确认超时，写失败交给超时或断线流程处理
func (c *Client) transmit(rec *pendingRecord) {
	if rec.timer != nil {
		rec.timer.Stop()
	}
	rec.seq++
	rec.sentAt = c.opts.Scheduler.Now()
	id, seq := rec.env.ID, rec.seq
	rec.timer = c.opts.Scheduler.AfterFunc(c.opts.AckTimeout, func() { c.onAckTimeout(id, seq) })

	if err := c.write(rec.env); err != nil {
		c.log.Debug(context.Background(), "Write pending event failed",
			logger.F("id", id), logger.F("type", string(rec.env.Type)), logger.F("error", err))
	}
}

func (c *Client) onAckTimeout(id string, seq uint64) {
	c.mu.Lock()
	defer c.unlock()

	rec := c.findPending(id)
	if rec == nil || rec.seq != seq {
		return
	}
	rec.timer = nil

	switch {
	case rec.retryCount >= c.opts.MaxRetries:
		c.escalate(rec, ErrAckTimeout)
	case c.connected():
		rec.retryCount++
		c.log.Debug(context.Background(), "Retry pending event", logger.F("id", id), logger.F("retry", rec.retryCount))
		c.transmit(rec)
	default:
		// 未连接：保留记录，重连成功后重放
	}
}

// acknowledge 匹配确认事件，优先按回显ID，其次按类型和内容；重复确认是空操作
func (c *Client) acknowledge(env protocol.Envelope) bool {
	reqType, ok := ackTypes[env.Type]
	if !ok {
		return false
	}

	var rec *pendingRecord
	if env.ID != "" {
		if r := c.findPending(env.ID); r != nil && r.env.Type == reqType {
			rec = r
		}
	}
	if rec == nil {
		rec = c.matchContent(reqType, env)
	}
	if rec == nil {
		return false
	}

	c.removePending(rec)
	if c.opts.OnAcknowledged != nil {
		fn, id := c.opts.OnAcknowledged, rec.env.ID
		c.later(func() { fn(id, env) })
	}
	return true
}

func (c *Client) matchContent(reqType protocol.EventType, env protocol.Envelope) *pendingRecord {
	var ack struct {
		ConversationID string `json:"conversationId"`
		Content        string `json:"content"`
		Author         struct {
			ID string `json:"id"`
		} `json:"author"`
	}
	if err := env.DecodeData(&ack); err != nil {
		return nil
	}
	if reqType == protocol.TypeMessageCreated && c.identity.UserID != "" && ack.Author.ID != c.identity.UserID {
		return nil
	}

	for _, rec := range c.pending {
		if rec.env.Type != reqType || rec.conversationID != ack.ConversationID {
			continue
		}
		if reqType == protocol.TypeMessageCreated && rec.content != ack.Content {
			continue
		}
		return rec
	}
	return nil
}

// escalate 记录最终失败
func (c *Client) escalate(rec *pendingRecord, err error) {
	c.removePending(rec)
	c.notifyFailure(Failure{
		ID:         rec.env.ID,
		Type:       rec.env.Type,
		Data:       rec.env.Data,
		RetryCount: rec.retryCount,
		Err:        err,
	})
}

func (c *Client) failAllPending(err error) {
	for len(c.pending) > 0 {
		c.escalate(c.pending[0], err)
	}
}

// suspendPending 断线时停止所有超时，记录保留等待重放
func (c *Client) suspendPending() {
	for _, rec := range c.pending {
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
		}
		rec.seq++
	}
}

// replayPending 重连成功后按原顺序重发
func (c *Client) replayPending() {
	for _, rec := range c.pending {
		c.transmit(rec)
	}
}

func (c *Client) findPending(id string) *pendingRecord {
	for _, rec := range c.pending {
		if rec.env.ID == id {
			return rec
		}
	}
	return nil
}

func (c *Client) removePending(rec *pendingRecord) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	rec.seq++
	for i, r := range c.pending {
		if r == rec {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *Client) notifyFailure(f Failure) {
	c.log.Warn(context.Background(), "Critical event failed",
		logger.F("id", f.ID), logger.F("type", string(f.Type)), logger.F("error", f.Err))
	if c.opts.OnSendFailed == nil {
		return
	}
	fn := c.opts.OnSendFailed
	c.later(func() { fn(f) })
}
