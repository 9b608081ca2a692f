// Package redis 消息总线的 Redis Pub/Sub 实现
//
// 投递通道 job:queue:<queueName>，每个执行节点订阅自己的队列；
// 结果通道 job:result，所有节点共享。Pub/Sub 无持久化，
// 发布时无订阅者即丢失。
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"batch-orchestrator/internal/shared/msgbus"
)

// Channel Redis Pub/Sub 消息总线
type Channel struct {
	client *redis.Client
}

// NewChannel 创建 Redis 消息总线实例
func NewChannel(addr, password string, db int) (*Channel, error) {
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

	log.Printf("[Redis/MsgBus] Connected to %s", addr)
	return &Channel{client: client}, nil
}

// NewChannelFromClient 从现有 Redis 客户端创建消息总线实例
func NewChannelFromClient(client *redis.Client) *Channel {
	return &Channel{client: client}
}

// PublishDispatch 向队列通道发布投递消息
func (c *Channel) PublishDispatch(ctx context.Context, queueName string, msg *msgbus.DispatchMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch message: %w", err)
	}
	channel := msgbus.DispatchChannel(queueName)
	if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// PublishResult 向共享结果通道发布结果消息
func (c *Channel) PublishResult(ctx context.Context, msg *msgbus.ResultMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal result message: %w", err)
	}
	if err := c.client.Publish(ctx, msgbus.ResultChannel(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}

// SubscribeDispatch 订阅队列的投递消息
func (c *Channel) SubscribeDispatch(ctx context.Context, queueName string) (<-chan *msgbus.DispatchMessage, error) {
	channel := msgbus.DispatchChannel(queueName)
	sub := c.client.Subscribe(ctx, channel)

	// 确认订阅建立后再返回，避免错过早期消息
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", channel, err)
	}

	out := make(chan *msgbus.DispatchMessage, 100)
	go func() {
		defer close(out)
		defer sub.Close()

		msgCh := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-msgCh:
				if !ok {
					return
				}
				var msg msgbus.DispatchMessage
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					log.Printf("[Redis/MsgBus] Dropping malformed dispatch message on %s: %v", channel, err)
					continue
				}
				select {
				case out <- &msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// SubscribeResults 订阅共享结果通道
func (c *Channel) SubscribeResults(ctx context.Context) (<-chan *msgbus.ResultMessage, error) {
	sub := c.client.Subscribe(ctx, msgbus.ResultChannel())

	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe results: %w", err)
	}

	out := make(chan *msgbus.ResultMessage, 100)
	go func() {
		defer close(out)
		defer sub.Close()

		msgCh := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-msgCh:
				if !ok {
					return
				}
				var msg msgbus.ResultMessage
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					log.Printf("[Redis/MsgBus] Dropping malformed result message: %v", err)
					continue
				}
				select {
				case out <- &msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close 关闭 Redis 连接
func (c *Channel) Close() error {
	return c.client.Close()
}

var _ msgbus.Channel = (*Channel)(nil)
