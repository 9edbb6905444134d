package chatclient

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"goim-realtime/pkg/protocol"
)

// manualScheduler 手动推进时间的调度器
type manualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	s       *manualScheduler
	at      time.Time
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{now: time.Unix(1700000000, 0)}
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, at: s.now.Add(d), delay: d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance 推进时间并按到期顺序执行任务，执行中新建的到期任务同样会执行
func (s *manualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var next *manualTimer
		for _, t := range s.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = next.at
		next.fired = true
		s.mu.Unlock()
		next.fn()
	}
}

// active 尚未执行且未取消的任务延时，升序
func (s *manualScheduler) active() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// fakeConn 同步回调的连接，测试直接扮演服务端
type fakeConn struct {
	mu        sync.Mutex
	events    Events
	sent      []protocol.Envelope
	closed    bool
	closeCode int
}

func (c *fakeConn) Listen(events Events) { c.events = events }

func (c *fakeConn) Send(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
	return nil
}

func (c *fakeConn) ofType(t protocol.EventType) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) serverSend(t *testing.T, env protocol.Envelope) {
	t.Helper()
	raw, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	c.events.OnMessage(raw)
}

func (c *fakeConn) ready(t *testing.T, userID string) {
	t.Helper()
	c.serverSend(t, protocol.MustEnvelope(protocol.TypeConnectionReady, protocol.ConnectionReady{
		UserID: userID, DisplayName: userID, ConnectionID: "conn-" + userID, ProcessID: "proc-1",
	}))
}

func (c *fakeConn) serverClose(code int) {
	c.events.OnClose(code, "")
}

// fakeDialer 记录每次拨号，fail非空时拨号失败
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
	fail  error
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail != nil {
		return nil, d.fail
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

// recorder 收集回调
type recorder struct {
	mu       sync.Mutex
	statuses []Status
	failures []Failure
	acks     []string
	events   []protocol.Envelope
}

func (r *recorder) failureList() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Failure(nil), r.failures...)
}

func (r *recorder) ackList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.acks...)
}

type harness struct {
	client *Client
	sched  *manualScheduler
	dialer *fakeDialer
	rec    *recorder
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{sched: newManualScheduler(), dialer: &fakeDialer{}, rec: &recorder{}}
	opts := Options{
		URL:               "ws://realtime.test/api/v1/realtime/ws",
		Token:             "token-alice",
		Dialer:            h.dialer,
		Scheduler:         h.sched,
		HeartbeatInterval: -1,
		OnStatusChange: func(s State) {
			h.rec.mu.Lock()
			h.rec.statuses = append(h.rec.statuses, s.Status)
			h.rec.mu.Unlock()
		},
		OnSendFailed: func(f Failure) {
			h.rec.mu.Lock()
			h.rec.failures = append(h.rec.failures, f)
			h.rec.mu.Unlock()
		},
		OnAcknowledged: func(id string, _ protocol.Envelope) {
			h.rec.mu.Lock()
			h.rec.acks = append(h.rec.acks, id)
			h.rec.mu.Unlock()
		},
		OnEvent: func(env protocol.Envelope) {
			h.rec.mu.Lock()
			h.rec.events = append(h.rec.events, env)
			h.rec.mu.Unlock()
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	h.client = c
	return h
}

// connect 拨号并完成connection_ready
func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	if err := h.client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := h.dialer.last()
	conn.ready(t, "alice")
	if st := h.client.State().Status; st != StatusConnected {
		t.Fatalf("expected connected, got %s", st)
	}
	return conn
}

// ackMessage 服务端对消息的确认
func ackMessage(id, conversationID, content string) protocol.Envelope {
	return protocol.MustEnvelope(protocol.TypeMessageCreated, protocol.Message{
		ID:             "srv-" + id,
		ConversationID: conversationID,
		Content:        content,
		Type:           "text",
		Author:         protocol.Author{ID: "alice"},
	}).WithID(id)
}
