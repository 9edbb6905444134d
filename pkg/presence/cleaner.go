package presence

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"goim-realtime/pkg/logger"
	redisClient "goim-realtime/pkg/redis"
)

/*
  进程崩溃时不会走正常的注销流程，其目录条目会残留到TTL过期。
  清理器通过Redis分布式锁选出唯一的领导者，定期删除心跳超时进程的全部条目。
*/

// LeaderLockKey 清理器领导者锁
const LeaderLockKey = "presence:cleaner:leader"

// 比较持有者后再续期/释放，在Redis端原子执行
var (
	renewLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Cleaner 残留条目清理器
type Cleaner struct {
	redis     *redisClient.RedisClient
	directory *RedisDirectory
	processID string
	window    time.Duration // 超过该时间没有心跳的进程视为失效
	interval  time.Duration
	log       logger.Logger

	mu       sync.Mutex
	isLeader bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCleaner 创建清理器
func NewCleaner(redis *redisClient.RedisClient, directory *RedisDirectory, processID string, window, interval time.Duration, log logger.Logger) *Cleaner {
	return &Cleaner{
		redis:     redis,
		directory: directory,
		processID: processID,
		window:    window,
		interval:  interval,
		log:       log,
		stopCh:    make(chan struct{}),
	}
}

// Start 启动清理协程
func (c *Cleaner) Start(ctx context.Context) error {
	c.wg.Add(1)
	go c.loop()
	c.log.Info(ctx, "Presence cleaner started", logger.F("process_id", c.processID))
	return nil
}

// Stop 停止清理器并释放自己持有的锁
func (c *Cleaner) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	c.releaseLock(ctx)
	return nil
}

func (c *Cleaner) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.interval)
			if _, err := c.RunOnce(ctx); err != nil {
				c.log.Warn(ctx, "Presence cleanup failed", logger.F("error", err))
			}
			cancel()
		case <-c.stopCh:
			return
		}
	}
}

// RunOnce 尝试成为领导者，成功则清理失效进程，返回清理的进程数
func (c *Cleaner) RunOnce(ctx context.Context) (int, error) {
	leader, err := c.tryBecomeLeader(ctx)
	if err != nil || !leader {
		return 0, err
	}

	expiredBefore := time.Now().Add(-c.window).Unix()
	expired, err := c.redis.ZRangeByScore(ctx, ActiveProcessesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(expiredBefore, 10),
	})
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, processID := range expired {
		if processID == c.processID {
			continue
		}
		n, err := c.directory.SweepProcess(ctx, processID)
		if err != nil {
			c.log.Warn(ctx, "Sweep expired process failed", logger.F("process_id", processID), logger.F("error", err))
			continue
		}
		if err := c.redis.ZRem(ctx, ActiveProcessesKey, processID); err != nil {
			c.log.Warn(ctx, "Remove expired process failed", logger.F("process_id", processID), logger.F("error", err))
			continue
		}
		cleaned++
		c.log.Info(ctx, "Expired process cleaned", logger.F("process_id", processID), logger.F("entries", n))
	}
	return cleaned, nil
}

// tryBecomeLeader 获取或续期领导者锁
func (c *Cleaner) tryBecomeLeader(ctx context.Context) (bool, error) {
	ttl := 2 * c.interval
	ok, err := c.redis.SetNX(ctx, LeaderLockKey, c.processID, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		renewed, err := renewLockScript.Run(ctx, c.redis.GetClient(), []string{LeaderLockKey}, c.processID, ttl.Milliseconds()).Int()
		if err != nil {
			return false, err
		}
		ok = renewed == 1
	}

	c.mu.Lock()
	if ok != c.isLeader {
		c.log.Info(ctx, "Presence cleaner leadership changed", logger.F("process_id", c.processID), logger.F("leader", ok))
	}
	c.isLeader = ok
	c.mu.Unlock()
	return ok, nil
}

// releaseLock 只有锁的持有者才释放
func (c *Cleaner) releaseLock(ctx context.Context) {
	if err := releaseLockScript.Run(ctx, c.redis.GetClient(), []string{LeaderLockKey}, c.processID).Err(); err != nil {
		c.log.Warn(ctx, "Release leader lock failed", logger.F("error", err))
	}
}

// IsLeader 是否为领导者
func (c *Cleaner) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}
