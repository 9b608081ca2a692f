// Package infra 基础设施聚合层
//
// 提供统一的基础设施初始化和依赖注入，包括：
//   - Storage：持久化存储（PostgreSQL / SQLite）
//   - Liveness：Agent 存活追踪（Redis TTL 键）
//   - Bus：消息总线（Redis Pub/Sub）
package infra

import (
	"batch-orchestrator/internal/shared/liveness"
	"batch-orchestrator/internal/shared/msgbus"
	"batch-orchestrator/internal/shared/storage"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	// Storage 持久化存储
	Storage storage.PersistentStore

	// Liveness Agent 存活追踪
	Liveness liveness.Tracker

	// Bus 消息总线
	Bus msgbus.Channel
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var lastErr error

	if i.Storage != nil {
		if err := i.Storage.Close(); err != nil {
			lastErr = err
		}
	}

	if i.Liveness != nil {
		if err := i.Liveness.Close(); err != nil {
			lastErr = err
		}
	}

	if i.Bus != nil {
		if err := i.Bus.Close(); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// NewTestInfrastructure 创建内存版基础设施（用于测试）
func NewTestInfrastructure() *Infrastructure {
	return &Infrastructure{
		Storage:  storage.NewMemStore(),
		Liveness: liveness.NewMockTracker(),
		Bus:      msgbus.NewMockChannel(),
	}
}
