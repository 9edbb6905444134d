package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/protocol"
)

// Failure 关键事件最终失败，UI据此提供手动重试
type Failure struct {
	ID         string
	Type       protocol.EventType
	Data       json.RawMessage
	RetryCount int
	Err        error
}

// Options 客户端参数
type Options struct {
	URL   string // 例如 ws://localhost:21006/api/v1/realtime/ws
	Token string

	Dialer      Dialer
	Scheduler   Scheduler
	Backoff     Backoff
	DialTimeout time.Duration

	AckTimeout        time.Duration // 默认10s
	MaxRetries        int           // 超时后的重试次数，0取默认值3
	HeartbeatInterval time.Duration // 默认25s，负数关闭心跳

	Logger logger.Logger

	OnStatusChange func(State)
	OnEvent        func(protocol.Envelope)
	OnAcknowledged func(id string, ack protocol.Envelope)
	OnSendFailed   func(Failure)
}

func (o *Options) setDefaults() {
	if o.Dialer == nil {
		o.Dialer = NewWebSocketDialer()
	}
	if o.Scheduler == nil {
		o.Scheduler = SystemScheduler()
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff = DefaultBackoff()
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
}

// Client 实时聊天客户端
//
// 所有状态由mu保护。回调不在锁内执行：持锁期间产生的通知先进入notices，
// 在unlock时按顺序执行，因此回调里可以安全地再调用Client的方法。
type Client struct {
	opts     Options
	endpoint string
	log      logger.Logger

	mu        sync.Mutex
	state     State
	conn      Conn
	gen       uint64 // 每条连接一个代号，旧连接的事件直接丢弃
	identity  protocol.ConnectionReady
	reconnect reconnectState
	pending   []*pendingRecord
	hb        heartbeatState
	notices   []func()
}

// New 创建客户端，初始状态为disconnected
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("chatclient: url is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("chatclient: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", opts.Token)
	u.RawQuery = q.Encode()

	opts.setDefaults()
	return &Client{
		opts:     opts,
		endpoint: u.String(),
		log:      opts.Logger,
		state:    State{Status: StatusDisconnected},
	}, nil
}

// State 当前连接状态
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity 服务端在connection_ready中确认的身份
func (c *Client) Identity() protocol.ConnectionReady {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connect 发起连接，收到connection_ready后进入connected
// 拨号失败时进入重连流程并返回错误
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state.Status {
	case StatusConnecting, StatusConnected, StatusReconnecting:
		c.unlock()
		return nil
	}
	c.state.LastError = nil
	c.state.ReconnectAttempts = 0
	c.state.NextReconnectAt = time.Time{}
	token := c.beginDial()
	c.setStatus(StatusConnecting)
	c.unlock()

	return c.dial(ctx, token)
}

// Close 主动关闭，不再重连，未确认的记录全部失败
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.unlock()

	c.cancelReconnect()
	c.abandonDial()
	c.dropConn(websocket.CloseNormalClosure, "client closed")
	c.failAllPending(ErrConnectionClosed)
	c.state.NextReconnectAt = time.Time{}
	c.setStatus(StatusDisconnected)
	return nil
}

// JoinConversation 加入会话，需要确认
func (c *Client) JoinConversation(conversationID string) (string, error) {
	return c.Send(protocol.TypeJoinConversation, protocol.JoinConversation{ConversationID: conversationID})
}

// LeaveConversation 离开会话
func (c *Client) LeaveConversation(conversationID string) error {
	_, err := c.Send(protocol.TypeLeaveConversation, protocol.LeaveConversation{ConversationID: conversationID})
	return err
}

// SendMessage 发送消息，需要确认
func (c *Client) SendMessage(conversationID, content string) (string, error) {
	return c.Send(protocol.TypeMessageCreated, protocol.CreateMessage{ConversationID: conversationID, Content: content})
}

// StartTyping 正在输入
func (c *Client) StartTyping(conversationID string) error {
	_, err := c.Send(protocol.TypeTypingStart, protocol.Typing{ConversationID: conversationID})
	return err
}

// StopTyping 停止输入
func (c *Client) StopTyping(conversationID string) error {
	_, err := c.Send(protocol.TypeTypingStop, protocol.Typing{ConversationID: conversationID})
	return err
}

// NotifyConversationCreated 通过REST创建会话后通知其他参与者
func (c *Client) NotifyConversationCreated(conversationID string) error {
	_, err := c.Send(protocol.TypeConversationCreated, protocol.ConversationCreated{ConversationID: conversationID})
	return err
}

// Send 发送事件。关键事件返回客户端ID并进入待确认列表，
// 未连接时关键事件立即失败并通知OnSendFailed
func (c *Client) Send(t protocol.EventType, data interface{}) (string, error) {
	env, err := protocol.NewEnvelope(t, data)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.unlock()

	if !t.IsCritical() {
		if !c.connected() {
			return "", ErrNotConnected
		}
		return "", c.write(env)
	}
	return c.track(env)
}

func (c *Client) connected() bool {
	return c.state.Status == StatusConnected && c.conn != nil
}

func (c *Client) write(env protocol.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	return c.conn.Send(raw)
}

// dial 拨号，结束后根据结果推进状态机；token过期说明期间发生过Close或新的拨号
func (c *Client) dial(ctx context.Context, token uint64) error {
	conn, err := c.opts.Dialer.Dial(ctx, c.endpoint)

	c.mu.Lock()
	defer c.unlock()

	if token != c.reconnect.dialSeq || (c.state.Status != StatusConnecting && c.state.Status != StatusReconnecting) {
		if conn != nil {
			c.later(func() { _ = conn.Close(websocket.CloseNormalClosure, "") })
		}
		return ErrConnectionClosed
	}
	c.reconnect.inFlight = false
	if err != nil {
		c.log.Debug(ctx, "Dial failed", logger.F("error", err))
		c.state.LastError = err
		if isAuthError(err) {
			c.failAuth(err)
			return err
		}
		c.scheduleReconnect()
		return err
	}

	c.gen++
	c.conn = conn
	conn.Listen(&connEvents{c: c, gen: c.gen})
	return nil
}

// connEvents 绑定连接代号的事件适配器
type connEvents struct {
	c   *Client
	gen uint64
}

func (e *connEvents) OnMessage(raw []byte)            { e.c.handleMessage(e.gen, raw) }
func (e *connEvents) OnClose(code int, reason string) { e.c.handleClose(e.gen, code, reason) }

func (c *Client) handleMessage(gen uint64, raw []byte) {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		c.log.Warn(context.Background(), "Drop malformed frame", logger.F("error", err))
		return
	}

	c.mu.Lock()
	defer c.unlock()
	if gen != c.gen || c.conn == nil {
		return
	}

	switch env.Type {
	case protocol.TypeConnectionReady:
		c.onReady(env)
	case protocol.TypePong:
		c.onPong()
	case protocol.TypeError:
		if c.onServerError(env) {
			return
		}
	}
	c.acknowledge(env)

	if c.opts.OnEvent != nil {
		fn := c.opts.OnEvent
		c.later(func() { fn(env) })
	}
}

func (c *Client) onReady(env protocol.Envelope) {
	if c.state.Status == StatusConnected {
		return
	}
	var ready protocol.ConnectionReady
	if err := env.DecodeData(&ready); err == nil {
		c.identity = ready
	}
	c.cancelReconnect()
	c.state.ReconnectAttempts = 0
	c.state.NextReconnectAt = time.Time{}
	c.state.LastError = nil
	c.setStatus(StatusConnected)
	c.startHeartbeat()
	c.replayPending()
}

// onServerError 处理error信封，返回true表示连接已因认证失败终止
func (c *Client) onServerError(env protocol.Envelope) bool {
	var pe protocol.Error
	if err := env.DecodeData(&pe); err != nil {
		return false
	}
	if pe.Code == protocol.CodeNotAuthenticated && c.state.Status != StatusConnected {
		c.failAuth(fmt.Errorf("%w: %s", ErrAuthenticationFailed, pe.Message))
		return true
	}
	if env.ID != "" && !pe.Code.Retryable() {
		if rec := c.findPending(env.ID); rec != nil {
			c.escalate(rec, &pe)
		}
	}
	return false
}

func (c *Client) handleClose(gen uint64, code int, reason string) {
	c.mu.Lock()
	defer c.unlock()
	if gen != c.gen || c.conn == nil {
		return
	}
	c.conn = nil
	c.stopHeartbeat()
	c.suspendPending()

	switch {
	case code == websocket.ClosePolicyViolation && c.state.Status != StatusConnected:
		c.failAuth(fmt.Errorf("%w: %s", ErrAuthenticationFailed, reason))
	case code == websocket.CloseNormalClosure:
		c.cancelReconnect()
		c.failAllPending(ErrConnectionClosed)
		c.setStatus(StatusDisconnected)
	default:
		c.state.LastError = fmt.Errorf("%w: code %d %s", ErrUnexpectedClose, code, reason)
		c.scheduleReconnect()
	}
}

// failAuth 认证被拒：终止连接，不再重试
func (c *Client) failAuth(err error) {
	c.cancelReconnect()
	c.dropConn(websocket.CloseNormalClosure, "")
	c.failAllPending(err)
	c.state.LastError = err
	c.state.NextReconnectAt = time.Time{}
	c.setStatus(StatusError)
}

// dropConn 放弃当前连接，旧连接之后的事件都会被忽略
func (c *Client) dropConn(code int, reason string) {
	c.stopHeartbeat()
	c.suspendPending()
	if c.conn == nil {
		return
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	c.later(func() { _ = conn.Close(code, reason) })
}

func (c *Client) setStatus(s Status) {
	if c.state.Status == s {
		return
	}
	c.state.Status = s
	c.notifyStatus()
}

func (c *Client) notifyStatus() {
	if c.opts.OnStatusChange == nil {
		return
	}
	fn, st := c.opts.OnStatusChange, c.state
	c.later(func() { fn(st) })
}

// later 登记一个在释放锁之后执行的动作
func (c *Client) later(fn func()) {
	c.notices = append(c.notices, fn)
}

// unlock 释放锁并执行登记的动作
func (c *Client) unlock() {
	notices := c.notices
	c.notices = nil
	c.mu.Unlock()
	for _, fn := range notices {
		fn()
	}
}
