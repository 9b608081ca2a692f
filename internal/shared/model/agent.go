// Package model 定义核心数据模型
//
// agent.go 包含 Agent（远程执行节点）相关的数据模型定义：
//   - Agent：执行节点注册信息（目录数据，由外部管理）
//   - AgentInfo：心跳附带的自描述信息（带 TTL 写入 Redis）
//   - DeriveQueueName：Agent 标识到队列名的确定性映射
package model

import (
	"strings"
	"time"
)

// Agent 执行节点注册信息
//
// Agent 记录由外部目录维护，调度核心只读。
// 心跳缺失只会使健康状态降级，永远不会删除记录。
type Agent struct {
	// ID 唯一标识
	ID string `json:"id" db:"id"`

	// Name 节点名称
	Name string `json:"name" db:"name"`

	// QueueName 队列名（由 ID 确定性派生，不允许用户指定）
	QueueName string `json:"queue_name" db:"queue_name"`

	// Host 节点主机地址（部署用，调度核心不使用）
	Host string `json:"host,omitempty" db:"host"`

	// HeartbeatTimeout 节点声明的心跳超时窗口
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" db:"heartbeat_timeout"`

	// Capacity 节点并发执行容量（worker 池大小）
	Capacity int `json:"capacity" db:"capacity"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AgentInfo 心跳附带的节点自描述信息
//
// 与健康键使用相同的 TTL，键过期即视为离线。
type AgentInfo struct {
	ServerID      string `json:"server_id" redis:"server_id"`
	QueueName     string `json:"queue_name" redis:"queue_name"`
	LastHeartbeat int64  `json:"last_heartbeat" redis:"last_heartbeat"` // epoch-ms
	Status        string `json:"status" redis:"status"`
}

// Agent 在线状态常量
const (
	AgentStatusOnline  = "ONLINE"
	AgentStatusOffline = "OFFLINE"
)

// DeriveQueueName 从 Agent 标识确定性派生队列名
//
// 生产者和消费者不需要目录查询即可对同一地址达成一致：
// 小写化并去掉分隔符（空格、下划线、连字符、点）。
func DeriveQueueName(agentID string) string {
	s := strings.ToLower(agentID)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-', '.':
			return -1
		}
		return r
	}, s)
}
