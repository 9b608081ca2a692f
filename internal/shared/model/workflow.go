// Package model 定义核心数据模型
//
// workflow.go 包含工作流相关的数据模型：
//   - Workflow：静态定义，持有有序的优先级组
//   - PriorityGroup：按序号排序的作业子集
//   - WorkflowRun：工作流的一次执行实例，带聚合进度计数
package model

import (
	"time"
)

// ============================================================================
// Workflow - 静态定义
// ============================================================================

// PriorityGroup 优先级组
//
// 组序号（Rank）小的先执行；同一工作流内序号互不相同。
// 组之间严格串行，组内作业并发执行。
type PriorityGroup struct {
	// Rank 组序号，小者先执行
	Rank int `json:"rank" db:"rank"`

	// IgnoreResult 为 true 时组内失败不阻塞后续组
	IgnoreResult bool `json:"ignore_result" db:"ignore_result"`

	// JobIDs 组内作业标识（按标识引用，不内嵌作业对象）
	JobIDs []string `json:"job_ids" db:"job_ids"`
}

// Workflow 工作流静态定义
type Workflow struct {
	ID      string `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	Enabled bool   `json:"enabled" db:"enabled"`

	// Groups 优先级组，加载时按 Rank 升序排列
	Groups []PriorityGroup `json:"groups" db:"groups"`

	// RepeatInterval / Timezone 由外部排程组件使用
	RepeatInterval string `json:"repeat_interval,omitempty" db:"repeat_interval"`
	Timezone       string `json:"timezone,omitempty" db:"timezone"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TotalJobs 统计工作流包含的作业总数
func (w *Workflow) TotalJobs() int {
	n := 0
	for _, g := range w.Groups {
		n += len(g.JobIDs)
	}
	return n
}

// ============================================================================
// WorkflowRun - 执行实例
// ============================================================================

// RunStatus 工作流运行状态
type RunStatus string

const (
	// RunStatusPending 已创建，尚未激活第一个组
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning 正在执行
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusSuccess 所有组完成（或被 ignoreResult 放行）
	RunStatusSuccess RunStatus = "SUCCESS"

	// RunStatusFailed 某个非忽略组失败，运行中止
	RunStatusFailed RunStatus = "FAILED"
)

// IsTerminal 判断运行状态是否为终态
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// WorkflowRun 工作流的一次执行实例
//
// 聚合计数增量更新，不从任务全表重算。
// 不变式：CompletedJobs + FailedJobs <= TotalJobs；SUCCESS 终态时取等，
// FAILED 终态时后续组的作业不计数。
type WorkflowRun struct {
	ID           string    `json:"id" db:"id"`
	WorkflowID   string    `json:"workflow_id" db:"workflow_id"`
	WorkflowName string    `json:"workflow_name" db:"workflow_name"`
	Status       RunStatus `json:"status" db:"status"`

	TotalJobs     int `json:"total_jobs" db:"total_jobs"`
	CompletedJobs int `json:"completed_jobs" db:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs" db:"failed_jobs"`

	StartTime  time.Time  `json:"start_time" db:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty" db:"end_time"`
	DurationMs int64      `json:"duration_ms" db:"duration_ms"`

	// Error 首个非忽略组失败的聚合错误信息
	Error string `json:"error,omitempty" db:"error"`
}
