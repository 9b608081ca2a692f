// Package liveness Agent 存活状态抽象接口
//
// 基于 TTL 键的存活判定：Agent 周期性写入心跳键，键带 TTL；
// 键存在即在线，键过期即离线。判定是建议性的——存活状态只影响
// 展示与告警，永远不会终止在途任务。当前由 Redis 实现。
package liveness

import (
	"context"
	"time"

	"batch-orchestrator/internal/shared/model"
)

// ============================================================================
// 键前缀常量（线上格式，不可变更）
// ============================================================================

const (
	// KeyAgentHealth 健康键前缀，值为心跳 epoch-ms
	KeyAgentHealth = "agent:health:"

	// KeyAgentInfo 信息键前缀，值为节点自描述 Hash
	KeyAgentInfo = "agent:info:"
)

// Tracker Agent 存活追踪接口
type Tracker interface {
	// Heartbeat 写入一次心跳：刷新健康键与信息键，两者使用相同 TTL
	Heartbeat(ctx context.Context, queueName string, info *model.AgentInfo, ttl time.Duration) error

	// IsHealthy 健康键存在即视为在线
	IsHealthy(ctx context.Context, queueName string) (bool, error)

	// GetInfo 读取节点自描述信息；离线时返回 nil, nil
	GetInfo(ctx context.Context, queueName string) (*model.AgentInfo, error)

	// ListOnline 列出当前在线的队列名
	ListOnline(ctx context.Context) ([]string, error)

	Close() error
}
