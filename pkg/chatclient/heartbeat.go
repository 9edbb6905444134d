package chatclient

import (
	"context"

	"github.com/gorilla/websocket"

	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/protocol"
)

// maxMissedPongs 连续错过的pong数，达到后判定连接失活
const maxMissedPongs = 2

type heartbeatState struct {
	timer    Timer
	seq      uint64
	awaiting bool
	missed   int
}

func (c *Client) startHeartbeat() {
	c.stopHeartbeat()
	if c.opts.HeartbeatInterval <= 0 {
		return
	}
	c.hb.awaiting = false
	c.hb.missed = 0
	c.scheduleBeat()
}

func (c *Client) scheduleBeat() {
	seq := c.hb.seq
	c.hb.timer = c.opts.Scheduler.AfterFunc(c.opts.HeartbeatInterval, func() { c.beat(seq) })
}

func (c *Client) stopHeartbeat() {
	if c.hb.timer != nil {
		c.hb.timer.Stop()
		c.hb.timer = nil
	}
	c.hb.seq++
}

func (c *Client) beat(seq uint64) {
	c.mu.Lock()
	defer c.unlock()
	if seq != c.hb.seq || !c.connected() {
		return
	}
	c.hb.timer = nil

	if c.hb.awaiting {
		c.hb.missed++
	}
	if c.hb.missed >= maxMissedPongs {
		c.log.Warn(context.Background(), "Heartbeat lost, reconnecting", logger.F("missed", c.hb.missed))
		c.dropConn(websocket.CloseGoingAway, "heartbeat timeout")
		c.state.LastError = ErrHeartbeatTimeout
		c.scheduleReconnect()
		return
	}

	if err := c.write(protocol.MustEnvelope(protocol.TypePing, nil)); err != nil {
		c.log.Debug(context.Background(), "Send ping failed", logger.F("error", err))
	}
	c.hb.awaiting = true
	c.scheduleBeat()
}

func (c *Client) onPong() {
	c.hb.awaiting = false
	c.hb.missed = 0
}
