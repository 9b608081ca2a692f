// Package msgbus 消息总线抽象接口
//
// 调度端与执行节点之间的双向消息通道，当前由 Redis Pub/Sub 实现。
// 传输语义为"发射后不管"：发布时没有订阅者，消息直接丢失；
// 订阅者故障期间的消息不会重放。投递失败的补救由超时巡检负责。
package msgbus

import (
	"context"
)

// Channel 消息总线接口
type Channel interface {
	// PublishDispatch 向指定队列发布任务投递消息
	PublishDispatch(ctx context.Context, queueName string, msg *DispatchMessage) error

	// PublishResult 向共享结果通道发布任务结果
	PublishResult(ctx context.Context, msg *ResultMessage) error

	// SubscribeDispatch 订阅指定队列的投递消息（执行节点侧）
	// 返回的通道在 ctx 取消后关闭；格式非法的消息丢弃并记录日志
	SubscribeDispatch(ctx context.Context, queueName string) (<-chan *DispatchMessage, error)

	// SubscribeResults 订阅共享结果通道（调度端侧）
	SubscribeResults(ctx context.Context) (<-chan *ResultMessage, error)

	Close() error
}
