package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/presence"
	"goim-realtime/pkg/protocol"
	redisClient "goim-realtime/pkg/redis"
)

func newTestRedisClient(t *testing.T) *redisClient.RedisClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redisClient.NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { rc.Close() })
	return rc
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// 两个进程共享Redis目录，跨进程扇出经由转发频道送达
func TestRedisForwarder_CrossProcessBroadcast(t *testing.T) {
	ctx := context.Background()
	rc := newTestRedisClient(t)
	log := logger.NewNop()
	dir := presence.NewRedisDirectory(rc, time.Minute)

	reg1 := NewRegistry("proc-1", dir, log)
	reg2 := NewRegistry("proc-2", dir, log)
	fwd1 := NewRedisForwarder(rc, reg1, log)
	fwd2 := NewRedisForwarder(rc, reg2, log)
	if err := fwd2.Start(ctx); err != nil {
		t.Fatalf("start proc-2 forwarder: %v", err)
	}
	defer fwd2.Stop(ctx)

	convs := newFakeConversations()
	convs.set("c1", "alice", "bob")
	b1 := NewBroadcaster(convs, reg1, fwd1, log)

	alice, bob := newFakeConn("a1"), newFakeConn("b1")
	if err := reg1.Register(ctx, "alice", alice); err != nil {
		t.Fatal(err)
	}
	if err := reg2.Register(ctx, "bob", bob); err != nil {
		t.Fatal(err)
	}

	env := protocol.MustEnvelope(protocol.TypeMessageCreated, protocol.Message{ID: "msg-1", ConversationID: "c1", Content: "hi"})
	res, err := b1.Broadcast(ctx, "c1", env, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if res.Forwarded != 1 || res.Delivered != 0 || res.Degraded {
		t.Fatalf("unexpected result %+v", res)
	}

	waitFor(t, func() bool { return len(bob.ofType(protocol.TypeMessageCreated)) == 1 })
	var msg protocol.Message
	if err := bob.ofType(protocol.TypeMessageCreated)[0].DecodeData(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID != "msg-1" || msg.Content != "hi" {
		t.Fatalf("unexpected forwarded message %+v", msg)
	}
	if len(alice.envelopes()) != 0 {
		t.Fatal("sender must not receive the fanout")
	}
}

func TestRedisForwarder_Unreachable(t *testing.T) {
	ctx := context.Background()
	rc := newTestRedisClient(t)
	log := logger.NewNop()
	reg := NewRegistry("proc-1", presence.NewMemoryDirectory(), log)
	fwd := NewRedisForwarder(rc, reg, log)

	err := fwd.Forward(ctx, "proc-9", "x1", protocol.MustEnvelope(protocol.TypePong, nil))
	if !errors.Is(err, ErrProcessUnreachable) {
		t.Fatalf("expected ErrProcessUnreachable, got %v", err)
	}
}

func TestRedisForwarder_DropsUnknownConnection(t *testing.T) {
	ctx := context.Background()
	rc := newTestRedisClient(t)
	log := logger.NewNop()
	reg := NewRegistry("proc-2", presence.NewMemoryDirectory(), log)
	fwd := NewRedisForwarder(rc, reg, log)
	if err := fwd.Start(ctx); err != nil {
		t.Fatal(err)
	}

	known := newFakeConn("b1")
	_ = reg.Register(ctx, "bob", known)

	sender := NewRedisForwarder(rc, NewRegistry("proc-1", presence.NewMemoryDirectory(), log), log)
	if err := sender.Forward(ctx, "proc-2", "gone", protocol.MustEnvelope(protocol.TypePong, nil)); err != nil {
		t.Fatal(err)
	}
	if err := sender.Forward(ctx, "proc-2", "b1", protocol.MustEnvelope(protocol.TypePong, nil)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(known.envelopes()) == 1 })

	if err := fwd.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := fwd.Stop(ctx); err != nil {
		t.Fatalf("second stop must be a no-op: %v", err)
	}
}
