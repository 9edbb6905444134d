package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/protocol"
)

var (
	// ErrConnectionClosed 连接已关闭
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull 对端读取过慢，发送缓冲区已满
	ErrSendBufferFull = errors.New("send buffer full")
)

// SocketConfig 连接参数
type SocketConfig struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration // 必须小于PongWait
	MaxMessageSize int64
}

// DefaultSocketConfig 默认连接参数
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		SendBuffer:     256,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     30 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// SocketConn 基于gorilla websocket的连接，一个读协程一个写协程
type SocketConn struct {
	id  string
	ws  *websocket.Conn
	cfg SocketConfig
	log logger.Logger

	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
	writerDone  chan struct{}
}

// NewSocketConn 包装已升级的websocket连接
func NewSocketConn(id string, ws *websocket.Conn, cfg SocketConfig, log logger.Logger) *SocketConn {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &SocketConn{
		id:         id,
		ws:         ws,
		cfg:        cfg,
		log:        log,
		send:       make(chan []byte, cfg.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ID 连接ID
func (c *SocketConn) ID() string {
	return c.id
}

// Send 入队，不阻塞调用方
func (c *SocketConn) Send(env protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close 写完已入队的数据后发送关闭帧，可重复调用
func (c *SocketConn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// Done 连接关闭通知
func (c *SocketConn) Done() <-chan struct{} {
	return c.done
}

// Start 启动写协程
func (c *SocketConn) Start() {
	go c.writePump()
}

// Wait 等待写协程退出，底层连接此时已关闭
func (c *SocketConn) Wait() {
	<-c.writerDone
}

// ReadLoop 读取入站帧直到连接断开，返回前关闭连接并等待写协程退出
func (c *SocketConn) ReadLoop(ctx context.Context, onFrame func([]byte)) {
	defer c.Wait()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info(ctx, "WebSocket closed unexpectedly", logger.F("connection_id", c.id), logger.F("error", err))
			}
			c.Close(websocket.CloseNormalClosure, "")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		onFrame(raw)
	}
}

func (c *SocketConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.flush()
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
			}
			return
		}
	}
}

// flush 关闭前写出已入队的数据，例如认证失败的错误信封
func (c *SocketConn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *SocketConn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(messageType, data)
}
