package service

import (
	"context"
	"errors"
	"testing"

	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/presence"
	"goim-realtime/pkg/protocol"
)

func newBroadcastFixture(t *testing.T, dir presence.Directory, fwd Forwarder) (*Broadcaster, *Registry, *fakeConversations) {
	t.Helper()
	log := logger.NewNop()
	reg := NewRegistry("proc-1", dir, log)
	convs := newFakeConversations()
	return NewBroadcaster(convs, reg, fwd, log), reg, convs
}

func TestBroadcast_ExcludesEverySenderConnection(t *testing.T) {
	ctx := context.Background()
	b, reg, convs := newBroadcastFixture(t, presence.NewMemoryDirectory(), nil)
	convs.set("c1", "alice", "bob", "carol")

	a1, a2, bob, carol := newFakeConn("a1"), newFakeConn("a2"), newFakeConn("b1"), newFakeConn("k1")
	_ = reg.Register(ctx, "alice", a1)
	_ = reg.Register(ctx, "alice", a2)
	_ = reg.Register(ctx, "bob", bob)
	_ = reg.Register(ctx, "carol", carol)

	env := protocol.MustEnvelope(protocol.TypeTypingStart, protocol.ParticipantEvent{ConversationID: "c1", UserID: "alice"})
	res, err := b.Broadcast(ctx, "c1", env, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if res.Recipients != 2 || res.Delivered != 2 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(a1.envelopes())+len(a2.envelopes()) != 0 {
		t.Fatal("sender connections must not receive their own broadcast")
	}
	if len(bob.ofType(protocol.TypeTypingStart)) != 1 || len(carol.ofType(protocol.TypeTypingStart)) != 1 {
		t.Fatal("participants did not receive the broadcast")
	}
}

func TestBroadcast_FailedConnectionDoesNotAbort(t *testing.T) {
	ctx := context.Background()
	b, reg, convs := newBroadcastFixture(t, presence.NewMemoryDirectory(), nil)
	convs.set("c1", "alice", "bob", "carol")

	bob, carol := newFakeConn("b1"), newFakeConn("k1")
	bob.failWith = ErrSendBufferFull
	_ = reg.Register(ctx, "bob", bob)
	_ = reg.Register(ctx, "carol", carol)

	res, err := b.Broadcast(ctx, "c1", protocol.MustEnvelope(protocol.TypeParticipantJoined, nil), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Delivered != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(carol.envelopes()) != 1 {
		t.Fatal("carol should still receive the envelope")
	}
}

func TestBroadcastToUsers_Dedup(t *testing.T) {
	ctx := context.Background()
	b, reg, _ := newBroadcastFixture(t, presence.NewMemoryDirectory(), nil)
	bob := newFakeConn("b1")
	_ = reg.Register(ctx, "bob", bob)

	res := b.BroadcastToUsers(ctx, []string{"bob", "bob", "alice", "nobody"}, protocol.MustEnvelope(protocol.TypeConversationCreated, nil), "alice")
	if res.Recipients != 2 || res.Delivered != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(bob.envelopes()) != 1 {
		t.Fatalf("bob should receive exactly one copy, got %d", len(bob.envelopes()))
	}
}

func TestBroadcast_ForwardsToOtherProcesses(t *testing.T) {
	ctx := context.Background()
	dir := presence.NewMemoryDirectory()
	fwd := &recordingForwarder{}
	b, reg, convs := newBroadcastFixture(t, dir, fwd)
	convs.set("c1", "alice", "bob")

	local := newFakeConn("b-local")
	_ = reg.Register(ctx, "bob", local)
	_ = dir.Register(ctx, presence.Entry{UserID: "bob", ConnectionID: "b-remote", ProcessID: "proc-2"})
	_ = dir.Register(ctx, presence.Entry{UserID: "alice", ConnectionID: "a-remote", ProcessID: "proc-2"})

	res, err := b.Broadcast(ctx, "c1", protocol.MustEnvelope(protocol.TypeMessageCreated, nil), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if res.Delivered != 1 || res.Forwarded != 1 || res.Degraded {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(fwd.forwarded) != 1 || fwd.forwarded[0] != "proc-2/b-remote" {
		t.Fatalf("unexpected forwards %v", fwd.forwarded)
	}
}

func TestBroadcast_ForwardFailureCounted(t *testing.T) {
	ctx := context.Background()
	dir := presence.NewMemoryDirectory()
	fwd := &recordingForwarder{err: ErrProcessUnreachable}
	b, _, convs := newBroadcastFixture(t, dir, fwd)
	convs.set("c1", "alice", "bob")
	_ = dir.Register(ctx, presence.Entry{UserID: "bob", ConnectionID: "b-remote", ProcessID: "proc-2"})

	res, err := b.Broadcast(ctx, "c1", protocol.MustEnvelope(protocol.TypeMessageCreated, nil), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Forwarded != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestBroadcast_DegradedWithoutDirectory(t *testing.T) {
	ctx := context.Background()
	fwd := &recordingForwarder{}
	b, reg, convs := newBroadcastFixture(t, unavailableDirectory{}, fwd)
	convs.set("c1", "alice", "bob", "carol")

	bob, carol := newFakeConn("b1"), newFakeConn("k1")
	_ = reg.Register(ctx, "bob", bob)
	_ = reg.Register(ctx, "carol", carol)

	res, err := b.Broadcast(ctx, "c1", protocol.MustEnvelope(protocol.TypeMessageCreated, nil), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded || res.Delivered != 2 {
		t.Fatalf("expected degraded local fanout, got %+v", res)
	}
	if len(fwd.forwarded) != 0 {
		t.Fatalf("nothing should be forwarded, got %v", fwd.forwarded)
	}
}

func TestBroadcast_ParticipantsError(t *testing.T) {
	ctx := context.Background()
	b, _, convs := newBroadcastFixture(t, presence.NewMemoryDirectory(), nil)
	boom := errors.New("db down")
	convs.err = boom

	if _, err := b.Broadcast(ctx, "c1", protocol.MustEnvelope(protocol.TypeMessageCreated, nil), "alice"); !errors.Is(err, boom) {
		t.Fatalf("expected participants error, got %v", err)
	}
}
