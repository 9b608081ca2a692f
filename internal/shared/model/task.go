// Package model 定义核心数据模型
//
// task.go 包含任务执行实例相关的数据模型：
//   - Task：作业的一次执行尝试
//   - TaskStatus：任务状态枚举（线上格式为小写字符串）
//
// 一个 Task 只描述一次尝试；重试不复用 Task，而是创建新实例并递增
// attempt 序号。Task 的状态只允许由任务状态机变更。
package model

import (
	"time"
)

// ============================================================================
// TaskStatus - 任务状态
// ============================================================================

// TaskStatus 任务执行状态
//
// 状态路径：CREATED → RUNNING → 终态之一。
// RETRY 表示"本次尝试已结束，但会创建新的尝试"，对单次尝试而言同样是终态。
type TaskStatus string

const (
	// TaskStatusCreated 已创建，尚未成功投递
	TaskStatusCreated TaskStatus = "created"

	// TaskStatusRunning 已投递，正在执行
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusSuccess 执行成功
	TaskStatusSuccess TaskStatus = "succeed"

	// TaskStatusFailed 执行失败
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusTimeout 超过作业最长运行时长，被强制终止等待
	TaskStatusTimeout TaskStatus = "timeout"

	// TaskStatusCancelled 执行前被取消
	TaskStatusCancelled TaskStatus = "cancelled"

	// TaskStatusStopped 手动停止
	TaskStatusStopped TaskStatus = "stopped"

	// TaskStatusSkipped 跳过执行（如作业被禁用）
	TaskStatusSkipped TaskStatus = "skipped"

	// TaskStatusRevoked 被撤销
	TaskStatusRevoked TaskStatus = "revoked"

	// TaskStatusRetry 本次尝试结束，将创建新尝试
	TaskStatusRetry TaskStatus = "retry"
)

// IsTerminal 判断状态是否为终态
//
// CREATED 和 RUNNING 为非终态；其余状态（含 RETRY）对本次尝试均为终态，
// 进入终态后不再接受任何状态变更。
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCreated, TaskStatusRunning:
		return false
	}
	return true
}

// IsSuccessful 判断终态是否视为成功（组推进规则使用）
func (s TaskStatus) IsSuccessful() bool {
	return s == TaskStatusSuccess || s == TaskStatusSkipped
}

// ParseTaskStatus 解析线上状态字符串
func ParseTaskStatus(v string) (TaskStatus, bool) {
	switch TaskStatus(v) {
	case TaskStatusCreated, TaskStatusRunning, TaskStatusSuccess,
		TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled,
		TaskStatusStopped, TaskStatusSkipped, TaskStatusRevoked,
		TaskStatusRetry:
		return TaskStatus(v), true
	}
	return "", false
}

// ============================================================================
// Task - 执行实例
// ============================================================================

// Task 作业的一次执行尝试
//
// 跨组件引用一律通过标识（JobID/AgentID/WorkflowRunID），
// 不内嵌可变对象引用，避免不同定时器线程间的更新竞争。
type Task struct {
	// ID 唯一标识
	ID string `json:"id" db:"id"`

	// JobID 所属作业
	JobID string `json:"job_id" db:"job_id"`

	// AgentID 指派的执行节点
	AgentID string `json:"agent_id" db:"agent_id"`

	// QueueName 投递队列
	QueueName string `json:"queue_name" db:"queue_name"`

	// WorkflowRunID 所属工作流运行（独立作业为空）
	WorkflowRunID string `json:"workflow_run_id,omitempty" db:"workflow_run_id"`

	// GroupRank 投递时所在优先级组的序号（组成员关系在投递时固定）
	GroupRank int `json:"group_rank" db:"group_rank"`

	// Status 当前状态
	Status TaskStatus `json:"status" db:"status"`

	// Attempt 尝试序号，从 1 开始
	Attempt int `json:"attempt" db:"attempt"`

	// Manual 是否手动触发
	Manual bool `json:"manual" db:"manual"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	StartTime *time.Time `json:"start_time,omitempty" db:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" db:"end_time"`

	// DurationMs 执行时长（end - start），终态时计算
	DurationMs int64 `json:"duration_ms" db:"duration_ms"`

	// Error 失败原因（可空）
	Error string `json:"error,omitempty" db:"error"`

	// Output 执行输出（截断保存）
	Output string `json:"output,omitempty" db:"output"`
}
