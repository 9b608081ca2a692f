// Package infra Redis 基础设施初始化
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	livenessredis "batch-orchestrator/internal/shared/liveness/redis"
	msgbusredis "batch-orchestrator/internal/shared/msgbus/redis"
)

// RedisInfra Redis 基础设施
//
// Liveness 和 Bus 共享同一个底层连接。
type RedisInfra struct {
	tracker *livenessredis.Tracker
	bus     *msgbusredis.Channel

	client *redis.Client
}

// NewRedisInfra 从 URL 创建 Redis 基础设施
func NewRedisInfra(redisURL string) (*RedisInfra, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Infra] Connected to %s", opts.Addr)

	return &RedisInfra{
		client:  client,
		tracker: livenessredis.NewTrackerFromClient(client),
		bus:     msgbusredis.NewChannelFromClient(client),
	}, nil
}

// NewRedisInfraFromAddr 从地址创建 Redis 基础设施
func NewRedisInfraFromAddr(addr, password string, db int) (*RedisInfra, error) {
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

	log.Printf("[Redis/Infra] Connected to %s", addr)

	return &RedisInfra{
		client:  client,
		tracker: livenessredis.NewTrackerFromClient(client),
		bus:     msgbusredis.NewChannelFromClient(client),
	}, nil
}

// Liveness 返回存活追踪组件
func (r *RedisInfra) Liveness() *livenessredis.Tracker {
	return r.tracker
}

// Bus 返回消息总线组件
func (r *RedisInfra) Bus() *msgbusredis.Channel {
	return r.bus
}

// Client 返回底层 Redis 客户端
func (r *RedisInfra) Client() *redis.Client {
	return r.client
}

// Close 关闭 Redis 连接
func (r *RedisInfra) Close() error {
	return r.client.Close()
}
