package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"goim-realtime/pkg/logger"
	redisClient "goim-realtime/pkg/redis"
)

// ProcessHeartbeat 进程心跳，写入活跃进程ZSET，供清理器判断进程存活
type ProcessHeartbeat struct {
	redis     *redisClient.RedisClient
	directory *RedisDirectory
	processID string
	interval  time.Duration
	log       logger.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProcessHeartbeat 创建进程心跳
func NewProcessHeartbeat(redis *redisClient.RedisClient, directory *RedisDirectory, processID string, interval time.Duration, log logger.Logger) *ProcessHeartbeat {
	return &ProcessHeartbeat{
		redis:     redis,
		directory: directory,
		processID: processID,
		interval:  interval,
		log:       log,
		stopCh:    make(chan struct{}),
	}
}

// Start 清理本进程ID遗留的条目，注册并启动心跳
func (hb *ProcessHeartbeat) Start(ctx context.Context) error {
	if n, err := hb.directory.SweepProcess(ctx, hb.processID); err != nil {
		hb.log.Warn(ctx, "Startup sweep failed", logger.F("process_id", hb.processID), logger.F("error", err))
	} else if n > 0 {
		hb.log.Info(ctx, "Removed stale presence entries on startup", logger.F("process_id", hb.processID), logger.F("count", n))
	}

	if err := hb.Beat(ctx); err != nil {
		return fmt.Errorf("register process %s: %w", hb.processID, err)
	}

	hb.wg.Add(1)
	go hb.loop()

	hb.log.Info(ctx, "Process heartbeat started", logger.F("process_id", hb.processID), logger.F("interval", hb.interval.String()))
	return nil
}

// Beat 写入一次心跳，并为本进程的连接条目续期
func (hb *ProcessHeartbeat) Beat(ctx context.Context) error {
	z := &redis.Z{Score: float64(time.Now().Unix()), Member: hb.processID}
	if err := hb.redis.ZAdd(ctx, ActiveProcessesKey, z); err != nil {
		return err
	}
	_, err := hb.directory.TouchProcess(ctx, hb.processID)
	return err
}

func (hb *ProcessHeartbeat) loop() {
	defer hb.wg.Done()

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), hb.interval)
			if err := hb.Beat(ctx); err != nil {
				hb.log.Warn(ctx, "Process heartbeat failed", logger.F("process_id", hb.processID), logger.F("error", err))
			}
			cancel()
		case <-hb.stopCh:
			return
		}
	}
}

// Stop 停止心跳并注销进程，同时删除本进程的全部条目
func (hb *ProcessHeartbeat) Stop(ctx context.Context) error {
	hb.stopOnce.Do(func() { close(hb.stopCh) })
	hb.wg.Wait()

	if err := hb.redis.ZRem(ctx, ActiveProcessesKey, hb.processID); err != nil {
		hb.log.Warn(ctx, "Process unregister failed", logger.F("process_id", hb.processID), logger.F("error", err))
	}
	if _, err := hb.directory.SweepProcess(ctx, hb.processID); err != nil {
		hb.log.Warn(ctx, "Shutdown sweep failed", logger.F("process_id", hb.processID), logger.F("error", err))
	}

	hb.log.Info(ctx, "Process heartbeat stopped", logger.F("process_id", hb.processID))
	return nil
}
