package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Events 连接事件，由连接的读协程按顺序回调
type Events interface {
	OnMessage(raw []byte)
	OnClose(code int, reason string)
}

// Conn 一条双向连接
type Conn interface {
	// Listen 开始投递事件，每条连接只调用一次
	Listen(events Events)
	// Send 非阻塞发送
	Send(raw []byte) error
	Close(code int, reason string) error
}

// Dialer 建立连接
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer 基于gorilla websocket的拨号器
type WebSocketDialer struct {
	Dialer     *websocket.Dialer
	WriteWait  time.Duration
	SendBuffer int
}

// NewWebSocketDialer 默认参数的拨号器
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		Dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		WriteWait:  10 * time.Second,
		SendBuffer: 64,
	}
}

// Dial 握手被401/403拒绝时返回ErrAuthenticationFailed
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrAuthenticationFailed, resp.StatusCode)
		}
		return nil, err
	}
	return newWSConn(ws, d.WriteWait, d.SendBuffer), nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeWait time.Duration

	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newWSConn(ws *websocket.Conn, writeWait time.Duration, buffer int) *wsConn {
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	if buffer <= 0 {
		buffer = 64
	}
	c := &wsConn{
		ws:        ws,
		writeWait: writeWait,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *wsConn) Listen(events Events) {
	go c.readPump(events)
}

func (c *wsConn) Send(raw []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- raw:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
	return nil
}

func (c *wsConn) readPump(events Events) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			code, reason := closeStatus(err)
			_ = c.Close(websocket.CloseAbnormalClosure, "")
			events.OnClose(code, reason)
			return
		}
		events.OnMessage(raw)
	}
}

func (c *wsConn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				_ = c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
			}
			return
		}
	}
}

// closeStatus 读错误对应的关闭码，非关闭帧错误视为1006
func closeStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
