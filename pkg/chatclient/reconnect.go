package chatclient

import (
	"context"
	"errors"
	"time"

	"goim-realtime/pkg/logger"
)

// reconnectState 重连调度，同一时刻最多一个定时器或一次拨号
type reconnectState struct {
	timer    Timer
	seq      uint64
	inFlight bool
	dialSeq  uint64 // 每次拨号递增，结果只对最新一次拨号生效
}

// scheduleReconnect 按退避策略安排下一次重连，已有定时器或拨号进行中时不做任何事
func (c *Client) scheduleReconnect() {
	r := &c.reconnect
	if r.timer != nil || r.inFlight {
		return
	}

	c.state.ReconnectAttempts++
	delay := c.opts.Backoff.Delay(c.state.ReconnectAttempts)
	c.state.NextReconnectAt = c.opts.Scheduler.Now().Add(delay)

	r.seq++
	seq := r.seq
	r.timer = c.opts.Scheduler.AfterFunc(delay, func() { c.fireReconnect(seq) })

	c.log.Debug(context.Background(), "Reconnect scheduled",
		logger.F("attempt", c.state.ReconnectAttempts), logger.F("delay", delay.String()))

	if c.state.Status == StatusReconnecting {
		c.notifyStatus()
		return
	}
	c.setStatus(StatusReconnecting)
}

func (c *Client) fireReconnect(seq uint64) {
	c.mu.Lock()
	r := &c.reconnect
	if seq != r.seq || r.timer == nil || c.state.Status != StatusReconnecting {
		c.unlock()
		return
	}
	r.timer = nil
	token := c.beginDial()
	c.unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()
	_ = c.dial(ctx, token)
}

// beginDial 登记一次新的拨号并返回其令牌
func (c *Client) beginDial() uint64 {
	c.reconnect.inFlight = true
	c.reconnect.dialSeq++
	return c.reconnect.dialSeq
}

// abandonDial 作废进行中的拨号，其结果返回后直接关闭
func (c *Client) abandonDial() {
	c.reconnect.inFlight = false
	c.reconnect.dialSeq++
}

// cancelReconnect 取消尚未触发的重连
func (c *Client) cancelReconnect() {
	r := &c.reconnect
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.seq++
	c.state.NextReconnectAt = time.Time{}
}

func isAuthError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}
