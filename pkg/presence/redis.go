package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	redisClient "goim-realtime/pkg/redis"
)

const (
	// UserKeyFmt 用户连接hash，field为connectionID
	UserKeyFmt = "presence:user:%s"
	// ProcessConnsKeyFmt 进程持有的连接集合，成员为 userID|connectionID
	ProcessConnsKeyFmt = "presence:process:%s:conns"
	// ActiveProcessesKey 活跃进程ZSET，score为最近心跳时间（秒）
	ActiveProcessesKey = "presence:processes"
)

// RedisDirectory 多进程部署使用的Redis目录
type RedisDirectory struct {
	redis *redisClient.RedisClient
	ttl   time.Duration
}

// NewRedisDirectory 创建Redis目录，ttl为条目过期时间，每次写入续期
func NewRedisDirectory(redis *redisClient.RedisClient, ttl time.Duration) *RedisDirectory {
	return &RedisDirectory{redis: redis, ttl: ttl}
}

func userKey(userID string) string { return fmt.Sprintf(UserKeyFmt, userID) }

func processConnsKey(processID string) string { return fmt.Sprintf(ProcessConnsKeyFmt, processID) }

func processMember(userID, connectionID string) string { return userID + "|" + connectionID }

func (d *RedisDirectory) Register(ctx context.Context, e Entry) error {
	if e.LastUpdated.IsZero() {
		e.LastUpdated = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}

	pipe := d.redis.GetClient().TxPipeline()
	pipe.HSet(ctx, userKey(e.UserID), e.ConnectionID, data)
	pipe.Expire(ctx, userKey(e.UserID), d.ttl)
	pipe.SAdd(ctx, processConnsKey(e.ProcessID), processMember(e.UserID, e.ConnectionID))
	pipe.Expire(ctx, processConnsKey(e.ProcessID), d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: register %s: %v", ErrUnavailable, e.ConnectionID, err)
	}
	return nil
}

func (d *RedisDirectory) Unregister(ctx context.Context, userID, connectionID string) error {
	raw, err := d.redis.GetClient().HGet(ctx, userKey(userID), connectionID).Result()
	if err != nil && err != redisClient.Nil {
		return fmt.Errorf("%w: unregister %s: %v", ErrUnavailable, connectionID, err)
	}

	pipe := d.redis.GetClient().TxPipeline()
	pipe.HDel(ctx, userKey(userID), connectionID)
	if raw != "" {
		var e Entry
		if json.Unmarshal([]byte(raw), &e) == nil && e.ProcessID != "" {
			pipe.SRem(ctx, processConnsKey(e.ProcessID), processMember(userID, connectionID))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: unregister %s: %v", ErrUnavailable, connectionID, err)
	}
	return nil
}

func (d *RedisDirectory) ConnectionsFor(ctx context.Context, userID string) ([]Entry, error) {
	fields, err := d.redis.HGetAll(ctx, userKey(userID))
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %v", ErrUnavailable, userID, err)
	}

	result := make([]Entry, 0, len(fields))
	for _, raw := range fields {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ConnectionID < result[j].ConnectionID })
	return result, nil
}

// SweepProcess 删除某个进程拥有的全部条目，返回删除数量
func (d *RedisDirectory) SweepProcess(ctx context.Context, processID string) (int, error) {
	key := processConnsKey(processID)
	members, err := d.redis.GetClient().SMembers(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: sweep %s: %v", ErrUnavailable, processID, err)
	}

	pipe := d.redis.GetClient().TxPipeline()
	for _, m := range members {
		userID, connID, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		pipe.HDel(ctx, userKey(userID), connID)
	}
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: sweep %s: %v", ErrUnavailable, processID, err)
	}
	return len(members), nil
}

// TouchProcess 为某个进程持有的全部条目续期，返回续期的连接数
func (d *RedisDirectory) TouchProcess(ctx context.Context, processID string) (int, error) {
	key := processConnsKey(processID)
	members, err := d.redis.GetClient().SMembers(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: touch %s: %v", ErrUnavailable, processID, err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := d.redis.GetClient().Pipeline()
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		userID, _, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		pipe.Expire(ctx, userKey(userID), d.ttl)
	}
	pipe.Expire(ctx, key, d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: touch %s: %v", ErrUnavailable, processID, err)
	}
	return len(members), nil
}
