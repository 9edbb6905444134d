package presence

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"goim-realtime/pkg/logger"
	redisClient "goim-realtime/pkg/redis"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redisClient.RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redisClient.NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { rc.Close() })
	return mr, rc
}

// directoryContract 两种实现共用的行为约束
func directoryContract(t *testing.T, d Directory) {
	ctx := context.Background()

	e1 := Entry{UserID: "alice", ConnectionID: "c1", ProcessID: "p1", Conversations: []string{"conv-1"}}
	e2 := Entry{UserID: "alice", ConnectionID: "c2", ProcessID: "p2"}
	for _, e := range []Entry{e1, e2, e1} {
		if err := d.Register(ctx, e); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	got, err := d.ConnectionsFor(ctx, "alice")
	if err != nil {
		t.Fatalf("ConnectionsFor: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].ConnectionID != "c1" || got[0].ProcessID != "p1" || len(got[0].Conversations) != 1 {
		t.Fatalf("unexpected entry %+v", got[0])
	}

	// 覆盖写入更新会话列表
	e1.Conversations = []string{"conv-1", "conv-2"}
	if err := d.Register(ctx, e1); err != nil {
		t.Fatal(err)
	}
	got, _ = d.ConnectionsFor(ctx, "alice")
	if len(got[0].Conversations) != 2 {
		t.Fatalf("expected updated conversations, got %v", got[0].Conversations)
	}

	if err := d.Unregister(ctx, "alice", "c1"); err != nil {
		t.Fatal(err)
	}
	if err := d.Unregister(ctx, "alice", "c1"); err != nil {
		t.Fatalf("second unregister must be a no-op: %v", err)
	}
	got, _ = d.ConnectionsFor(ctx, "alice")
	if len(got) != 1 || got[0].ConnectionID != "c2" {
		t.Fatalf("unexpected entries after unregister: %+v", got)
	}

	got, err = d.ConnectionsFor(ctx, "nobody")
	if err != nil || len(got) != 0 {
		t.Fatalf("unknown user: %v %v", got, err)
	}
}

func TestMemoryDirectory(t *testing.T) {
	directoryContract(t, NewMemoryDirectory())
}

func TestRedisDirectory(t *testing.T) {
	_, rc := newTestRedis(t)
	directoryContract(t, NewRedisDirectory(rc, time.Hour))
}

// TestRedisDirectoryUnavailable 测试Redis不可用时返回ErrUnavailable
func TestRedisDirectoryUnavailable(t *testing.T) {
	mr, rc := newTestRedis(t)
	d := NewRedisDirectory(rc, time.Hour)
	mr.Close()

	if _, err := d.ConnectionsFor(context.Background(), "alice"); err == nil {
		t.Fatal("expected error when redis is down")
	}
}

// TestSweepProcess 测试按进程清理条目
func TestSweepProcess(t *testing.T) {
	_, rc := newTestRedis(t)
	d := NewRedisDirectory(rc, time.Hour)
	ctx := context.Background()

	_ = d.Register(ctx, Entry{UserID: "alice", ConnectionID: "c1", ProcessID: "p1"})
	_ = d.Register(ctx, Entry{UserID: "bob", ConnectionID: "c2", ProcessID: "p1"})
	_ = d.Register(ctx, Entry{UserID: "bob", ConnectionID: "c3", ProcessID: "p2"})

	n, err := d.SweepProcess(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 swept, got %d", n)
	}

	alice, _ := d.ConnectionsFor(ctx, "alice")
	bob, _ := d.ConnectionsFor(ctx, "bob")
	if len(alice) != 0 || len(bob) != 1 || bob[0].ConnectionID != "c3" {
		t.Fatalf("unexpected state alice=%v bob=%v", alice, bob)
	}
}

// TestCleanerRemovesExpiredProcesses 测试清理器删除心跳超时进程的条目
func TestCleanerRemovesExpiredProcesses(t *testing.T) {
	mr, rc := newTestRedis(t)
	d := NewRedisDirectory(rc, time.Hour)
	ctx := context.Background()

	_ = d.Register(ctx, Entry{UserID: "alice", ConnectionID: "c1", ProcessID: "dead"})
	_ = d.Register(ctx, Entry{UserID: "bob", ConnectionID: "c2", ProcessID: "alive"})

	now := time.Now().Unix()
	if _, err := mr.ZAdd(ActiveProcessesKey, float64(now-600), "dead"); err != nil {
		t.Fatal(err)
	}
	if _, err := mr.ZAdd(ActiveProcessesKey, float64(now), "alive"); err != nil {
		t.Fatal(err)
	}

	c := NewCleaner(rc, d, "alive", 30*time.Second, time.Minute, logger.NewNop())
	cleaned, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cleaned != 1 || !c.IsLeader() {
		t.Fatalf("cleaned=%d leader=%v", cleaned, c.IsLeader())
	}

	alice, _ := d.ConnectionsFor(ctx, "alice")
	bob, _ := d.ConnectionsFor(ctx, "bob")
	if len(alice) != 0 || len(bob) != 1 {
		t.Fatalf("unexpected state alice=%v bob=%v", alice, bob)
	}
	members, _ := mr.ZMembers(ActiveProcessesKey)
	if len(members) != 1 || members[0] != "alive" {
		t.Fatalf("unexpected active processes %v", members)
	}

	// 其他实例不能同时成为领导者
	other := NewCleaner(rc, d, "other", 30*time.Second, time.Minute, logger.NewNop())
	if n, err := other.RunOnce(ctx); err != nil || n != 0 || other.IsLeader() {
		t.Fatalf("second cleaner must not lead: n=%d err=%v", n, err)
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(LeaderLockKey) {
		t.Fatal("leader lock must be released on stop")
	}
}

// TestProcessHeartbeat 测试进程心跳的注册与注销
func TestProcessHeartbeat(t *testing.T) {
	mr, rc := newTestRedis(t)
	d := NewRedisDirectory(rc, time.Hour)
	ctx := context.Background()

	// 上一次运行遗留的条目
	_ = d.Register(ctx, Entry{UserID: "alice", ConnectionID: "old", ProcessID: "p1"})

	hb := NewProcessHeartbeat(rc, d, "p1", time.Hour, logger.NewNop())
	if err := hb.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := d.ConnectionsFor(ctx, "alice"); len(got) != 0 {
		t.Fatalf("startup sweep must remove leftovers, got %v", got)
	}
	score, err := mr.ZScore(ActiveProcessesKey, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if score < float64(time.Now().Add(-time.Minute).Unix()) {
		t.Fatalf("unexpected heartbeat score %s", strconv.FormatFloat(score, 'f', 0, 64))
	}

	_ = d.Register(ctx, Entry{UserID: "bob", ConnectionID: "c1", ProcessID: "p1"})
	if err := hb.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := d.ConnectionsFor(ctx, "bob"); len(got) != 0 {
		t.Fatalf("stop must remove own entries, got %v", got)
	}
	if _, err := mr.ZScore(ActiveProcessesKey, "p1"); err == nil {
		t.Fatal("process must be removed from active set")
	}
}

// TestProcessHeartbeatKeepsLiveEntries 心跳期间空闲连接的条目不会过期
func TestProcessHeartbeatKeepsLiveEntries(t *testing.T) {
	mr, rc := newTestRedis(t)
	d := NewRedisDirectory(rc, 2*time.Hour)
	ctx := context.Background()

	if err := d.Register(ctx, Entry{UserID: "alice", ConnectionID: "c1", ProcessID: "p1"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Register(ctx, Entry{UserID: "bob", ConnectionID: "c9", ProcessID: "p2"}); err != nil {
		t.Fatal(err)
	}

	hb := NewProcessHeartbeat(rc, d, "p1", 10*time.Minute, logger.NewNop())
	for i := 0; i < 13; i++ {
		mr.FastForward(10 * time.Minute)
		if err := hb.Beat(ctx); err != nil {
			t.Fatal(err)
		}
	}

	got, err := d.ConnectionsFor(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ConnectionID != "c1" {
		t.Fatalf("live connection must stay in the directory, got %+v", got)
	}
	if !mr.Exists(processConnsKey("p1")) {
		t.Fatal("process connection set must be refreshed")
	}
	if got, _ := d.ConnectionsFor(ctx, "bob"); len(got) != 0 {
		t.Fatalf("entries of a silent process should expire, got %+v", got)
	}
}

// TestCleanerLeaderLock 只有持有者能续期和释放领导者锁
func TestCleanerLeaderLock(t *testing.T) {
	mr, rc := newTestRedis(t)
	d := NewRedisDirectory(rc, time.Hour)
	ctx := context.Background()

	c := NewCleaner(rc, d, "p1", 30*time.Second, time.Minute, logger.NewNop())
	if _, err := c.RunOnce(ctx); err != nil || !c.IsLeader() {
		t.Fatalf("expected leadership, err=%v", err)
	}

	mr.SetTTL(LeaderLockKey, time.Second)
	if _, err := c.RunOnce(ctx); err != nil || !c.IsLeader() {
		t.Fatalf("holder must keep leadership, err=%v", err)
	}
	if ttl := mr.TTL(LeaderLockKey); ttl != 2*time.Minute {
		t.Fatalf("holder must renew the lock, ttl=%v", ttl)
	}

	// 锁过期后被其他实例取得
	if err := mr.Set(LeaderLockKey, "p2"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if c.IsLeader() {
		t.Fatal("must not lead once another process holds the lock")
	}
	if ttl := mr.TTL(LeaderLockKey); ttl != 0 {
		t.Fatalf("must not extend a lock held by another process, ttl=%v", ttl)
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if v, err := mr.Get(LeaderLockKey); err != nil || v != "p2" {
		t.Fatalf("must not release another process's lock, got %q err=%v", v, err)
	}
}
