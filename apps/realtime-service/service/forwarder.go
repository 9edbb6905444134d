package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/protocol"
	redisClient "goim-realtime/pkg/redis"
)

// ForwardChannelPrefix 进程转发频道前缀，每个进程订阅自己的频道
const ForwardChannelPrefix = "realtime:forward:"

// ErrProcessUnreachable 目标进程没有订阅转发频道
var ErrProcessUnreachable = errors.New("target process is not subscribed")

// forwardFrame 跨进程转发帧
type forwardFrame struct {
	ConnectionID string            `json:"connectionId"`
	Envelope     protocol.Envelope `json:"envelope"`
}

// ForwardChannel 进程的转发频道
func ForwardChannel(processID string) string {
	return ForwardChannelPrefix + processID
}

// RedisForwarder 基于Redis Pub/Sub的跨进程转发
type RedisForwarder struct {
	redis    *redisClient.RedisClient
	registry *Registry
	log      logger.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisForwarder 创建转发器
func NewRedisForwarder(redis *redisClient.RedisClient, registry *Registry, log logger.Logger) *RedisForwarder {
	return &RedisForwarder{redis: redis, registry: registry, log: log}
}

// Forward 发布到目标进程的频道
func (f *RedisForwarder) Forward(ctx context.Context, processID, connectionID string, env protocol.Envelope) error {
	data, err := json.Marshal(forwardFrame{ConnectionID: connectionID, Envelope: env})
	if err != nil {
		return err
	}
	receivers, err := f.redis.GetClient().Publish(ctx, ForwardChannel(processID), data).Result()
	if err != nil {
		return err
	}
	if receivers == 0 {
		return fmt.Errorf("%w: %s", ErrProcessUnreachable, processID)
	}
	return nil
}

// Start 订阅本进程的转发频道
func (f *RedisForwarder) Start(ctx context.Context) error {
	channel := ForwardChannel(f.registry.ProcessID())
	ps := f.redis.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	f.mu.Lock()
	f.pubsub = ps
	f.mu.Unlock()

	f.wg.Add(1)
	go f.consume(ps.Channel())

	f.log.Info(ctx, "Forward subscription started", logger.F("channel", channel))
	return nil
}

func (f *RedisForwarder) consume(ch <-chan *redis.Message) {
	defer f.wg.Done()
	for msg := range ch {
		f.deliver(msg.Payload)
	}
}

func (f *RedisForwarder) deliver(payload string) {
	ctx := context.Background()

	var frame forwardFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		f.log.Warn(ctx, "Invalid forward frame", logger.F("error", err))
		return
	}

	conn, ok := f.registry.Lookup(frame.ConnectionID)
	if !ok {
		// 目录条目过期，连接已经不在本进程
		f.log.Debug(ctx, "Forward target gone", logger.F("connection_id", frame.ConnectionID))
		return
	}
	if err := conn.Send(frame.Envelope); err != nil {
		f.log.Debug(ctx, "Forward delivery failed", logger.F("connection_id", frame.ConnectionID), logger.F("error", err))
	}
}

// Stop 取消订阅
func (f *RedisForwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	ps := f.pubsub
	f.pubsub = nil
	f.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	f.wg.Wait()
	return err
}
