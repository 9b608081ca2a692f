// Package redis Agent 存活追踪的 Redis 实现
//
// 每次心跳写两个键，TTL 相同：
//   - agent:health:<queue>  心跳 epoch-ms（存在性即健康判定）
//   - agent:info:<queue>    节点自描述 Hash
package redis

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"batch-orchestrator/internal/shared/liveness"
	"batch-orchestrator/internal/shared/model"
)

// Tracker Redis 存活追踪
type Tracker struct {
	client *redis.Client
}

// NewTracker 创建 Redis 存活追踪实例
func NewTracker(addr, password string, db int) (*Tracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Liveness] Connected to %s", addr)
	return &Tracker{client: client}, nil
}

// NewTrackerFromClient 从现有 Redis 客户端创建存活追踪实例
func NewTrackerFromClient(client *redis.Client) *Tracker {
	return &Tracker{client: client}
}

// Heartbeat 写入一次心跳
func (t *Tracker) Heartbeat(ctx context.Context, queueName string, info *model.AgentInfo, ttl time.Duration) error {
	now := time.Now().UnixMilli()
	info.LastHeartbeat = now

	healthKey := liveness.KeyAgentHealth + queueName
	if err := t.client.Set(ctx, healthKey, strconv.FormatInt(now, 10), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set health key: %w", err)
	}

	infoKey := liveness.KeyAgentInfo + queueName
	fields := map[string]interface{}{
		"server_id":      info.ServerID,
		"queue_name":     info.QueueName,
		"last_heartbeat": now,
		"status":         info.Status,
	}
	pipe := t.client.Pipeline()
	pipe.HSet(ctx, infoKey, fields)
	pipe.Expire(ctx, infoKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set info key: %w", err)
	}
	return nil
}

// IsHealthy 健康键存在即在线
func (t *Tracker) IsHealthy(ctx context.Context, queueName string) (bool, error) {
	n, err := t.client.Exists(ctx, liveness.KeyAgentHealth+queueName).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetInfo 读取节点自描述信息；键不存在时返回 nil, nil
func (t *Tracker) GetInfo(ctx context.Context, queueName string) (*model.AgentInfo, error) {
	fields, err := t.client.HGetAll(ctx, liveness.KeyAgentInfo+queueName).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	info := &model.AgentInfo{
		ServerID:  fields["server_id"],
		QueueName: fields["queue_name"],
		Status:    fields["status"],
	}
	if v, ok := fields["last_heartbeat"]; ok {
		info.LastHeartbeat, _ = strconv.ParseInt(v, 10, 64)
	}
	return info, nil
}

// ListOnline 列出在线队列名
//
// 使用 SCAN 替代 KEYS，避免在节点数量大时阻塞 Redis
func (t *Tracker) ListOnline(ctx context.Context) ([]string, error) {
	pattern := liveness.KeyAgentHealth + "*"
	var queues []string
	iter := t.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		queues = append(queues, key[len(liveness.KeyAgentHealth):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return queues, nil
}

// Close 关闭 Redis 连接
func (t *Tracker) Close() error {
	return t.client.Close()
}

var _ liveness.Tracker = (*Tracker)(nil)
