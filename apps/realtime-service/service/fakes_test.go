package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"goim-realtime/apps/realtime-service/dao"
	"goim-realtime/apps/realtime-service/model"
	"goim-realtime/pkg/auth"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/presence"
	"goim-realtime/pkg/protocol"
)

// fakeConn 记录发送内容的连接
type fakeConn struct {
	id string

	mu        sync.Mutex
	sent      []protocol.Envelope
	failWith  error
	closed    bool
	closeCode int
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.failWith != nil {
		return c.failWith
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
}

func (c *fakeConn) envelopes() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.sent...)
}

func (c *fakeConn) ofType(t protocol.EventType) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range c.envelopes() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// errorOf 解析error信封
func errorOf(t *testing.T, env protocol.Envelope) protocol.Error {
	t.Helper()
	if env.Type != protocol.TypeError {
		t.Fatalf("expected error envelope, got %s", env.Type)
	}
	var e protocol.Error
	if err := json.Unmarshal(env.Data, &e); err != nil {
		t.Fatal(err)
	}
	return e
}

// fakeConversations 可模拟成员可见性延迟的会话存储
type fakeConversations struct {
	mu           sync.Mutex
	participants map[string][]string
	names        map[string]string
	lag          int // 前lag次查询看不到会话
	err          error
	calls        int
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{participants: make(map[string][]string), names: make(map[string]string)}
}

func (f *fakeConversations) set(conversationID string, userIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants[conversationID] = userIDs
}

func (f *fakeConversations) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeConversations) visible() (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	if f.lag > 0 {
		f.lag--
		return false, nil
	}
	return true, nil
}

func (f *fakeConversations) Participants(_ context.Context, conversationID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok, err := f.visible()
	if err != nil || !ok {
		return nil, err
	}
	return append([]string(nil), f.participants[conversationID]...), nil
}

func (f *fakeConversations) ConversationDetail(_ context.Context, conversationID string) (*protocol.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok, err := f.visible()
	if err != nil {
		return nil, err
	}
	ids, exists := f.participants[conversationID]
	if !ok || !exists {
		return nil, dao.ErrConversationNotFound
	}
	conv := &protocol.Conversation{ID: conversationID, Name: f.names[conversationID], Type: "group", CreatedAt: 1}
	for _, id := range ids {
		conv.Participants = append(conv.Participants, protocol.Participant{UserID: id})
	}
	return conv, nil
}

// fakeMessages 内存消息存储
type fakeMessages struct {
	mu     sync.Mutex
	stored []*model.StoredMessage
	err    error
	panic  bool
}

func (f *fakeMessages) PersistMessage(_ context.Context, msg *model.NewMessage) (*model.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("storage exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	stored := &model.StoredMessage{
		ID:             fmt.Sprintf("msg-%d", len(f.stored)+1),
		ConversationID: msg.ConversationID,
		AuthorID:       msg.AuthorID,
		AuthorName:     msg.AuthorName,
		Content:        msg.Content,
		Type:           msg.Type,
		ReplyToID:      msg.ReplyToID,
		CreatedAt:      time.UnixMilli(1700000000000),
	}
	f.stored = append(f.stored, stored)
	return stored, nil
}

// fakeValidator token -> 身份
type fakeValidator map[string]auth.Identity

func (v fakeValidator) ValidateSession(_ context.Context, token string) (*auth.Identity, error) {
	id, ok := v[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return &id, nil
}

// fakePublisher 记录发布的消息
type fakePublisher struct {
	mu       sync.Mutex
	messages []protocol.Message
}

func (p *fakePublisher) PublishMessageCreated(_ context.Context, msg protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

// unavailableDirectory 始终不可用的目录
type unavailableDirectory struct{}

func (unavailableDirectory) Register(context.Context, presence.Entry) error { return presence.ErrUnavailable }
func (unavailableDirectory) Unregister(context.Context, string, string) error {
	return presence.ErrUnavailable
}
func (unavailableDirectory) ConnectionsFor(context.Context, string) ([]presence.Entry, error) {
	return nil, presence.ErrUnavailable
}

// recordingForwarder 记录跨进程转发
type recordingForwarder struct {
	mu        sync.Mutex
	forwarded []string // processID/connectionID
	err       error
}

func (f *recordingForwarder) Forward(_ context.Context, processID, connectionID string, _ protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.forwarded = append(f.forwarded, processID+"/"+connectionID)
	return nil
}

// testEnv 组装好的服务
type testEnv struct {
	svc       *Service
	registry  *Registry
	directory *presence.MemoryDirectory
	convs     *fakeConversations
	messages  *fakeMessages
	publisher *fakePublisher
}

var testUsers = fakeValidator{
	"token-alice": {UserID: "alice", DisplayName: "Alice"},
	"token-bob":   {UserID: "bob", DisplayName: "Bob"},
	"token-carol": {UserID: "carol", DisplayName: "Carol"},
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewNop()
	dir := presence.NewMemoryDirectory()
	reg := NewRegistry("proc-1", dir, log)
	convs := newFakeConversations()
	msgs := &fakeMessages{}
	pub := &fakePublisher{}

	svc := NewService(Deps{
		Registry:      reg,
		Broadcaster:   NewBroadcaster(convs, reg, nil, log),
		Conversations: convs,
		Messages:      msgs,
		Publisher:     pub,
		Validator:     testUsers,
		Logger:        log,
	}, Options{MembershipRetries: 3, MembershipRetryDelay: time.Millisecond})

	return &testEnv{svc: svc, registry: reg, directory: dir, convs: convs, messages: msgs, publisher: pub}
}

// connect 创建已认证的会话
func (e *testEnv) connect(t *testing.T, token, connID string) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn(connID)
	sess := e.svc.NewSession(conn)
	if err := sess.Authenticate(context.Background(), token); err != nil {
		t.Fatalf("authenticate %s: %v", token, err)
	}
	conn.reset()
	return sess, conn
}

// frame 构造入站帧
func frame(t *testing.T, id string, typ protocol.EventType, data interface{}) []byte {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, data)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := env.WithID(id).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}
