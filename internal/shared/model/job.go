// Package model 定义核心数据模型
//
// job.go 包含作业定义相关的数据模型：
//   - Job：可复用的作业定义（REST 调用或命令执行）
//   - JobType：作业类型枚举
//   - JobState：作业定义级状态枚举
//
// Job 在一次运行期间不可变，只能通过外部管理接口更新。
package model

import (
	"time"
)

// ============================================================================
// JobType - 作业类型
// ============================================================================

// JobType 作业类型
type JobType string

const (
	// JobTypeRestAPI HTTP REST 调用作业
	JobTypeRestAPI JobType = "REST_API"

	// JobTypeExecutable 命令执行作业
	JobTypeExecutable JobType = "EXECUTABLE"
)

// ============================================================================
// JobState - 作业定义级状态
// ============================================================================

// JobState 作业定义级状态
//
// 区别于 TaskStatus：JobState 描述作业定义当前处于什么阶段，
// TaskStatus 描述某一次执行尝试的结果。
type JobState string

const (
	// JobStateScheduled 已排程，等待下次触发
	JobStateScheduled JobState = "SCHEDULED"

	// JobStateWaiting 已进入工作流队列，等待所在优先级组激活
	JobStateWaiting JobState = "WAITING"

	// JobStateRunning 正在执行
	JobStateRunning JobState = "RUNNING"

	// JobStatePaused 暂停，不参与调度
	JobStatePaused JobState = "PAUSED"

	// JobStateStopped 手动停止
	JobStateStopped JobState = "STOPPED"

	// JobStateBroken 连续失败超过阈值，需人工介入
	JobStateBroken JobState = "BROKEN"
)

// ============================================================================
// Job - 作业定义
// ============================================================================

// Job 作业定义
type Job struct {
	// === 基础字段 ===

	ID   string  `json:"id" db:"id"`
	Name string  `json:"name" db:"name"`
	Type JobType `json:"type" db:"type"`

	// === 执行载荷 ===

	// Action REST 作业为 URL，命令作业为命令行
	Action string `json:"action" db:"action"`

	// Method REST 作业的 HTTP 方法（GET/POST/PUT/DELETE）
	Method string `json:"method,omitempty" db:"method"`

	// Body REST 作业的请求体（JSON 字符串）
	Body string `json:"body,omitempty" db:"body"`

	// Headers REST 作业的请求头（JSON 字符串）
	Headers string `json:"headers,omitempty" db:"headers"`

	// === 调度参数（外部排程组件使用，核心只读）===

	StartTime      *time.Time `json:"start_time,omitempty" db:"start_time"`
	RepeatInterval string     `json:"repeat_interval,omitempty" db:"repeat_interval"`
	Timezone       string     `json:"timezone,omitempty" db:"timezone"`
	Enabled        bool       `json:"enabled" db:"enabled"`

	// === 执行限制 ===

	// MaxRunDuration 单次执行的最长运行时长，超过由 Supervisor 强制超时
	MaxRunDuration time.Duration `json:"max_run_duration" db:"max_run_duration"`

	// RetryCount 失败后允许的重试次数（不含首次尝试）
	RetryCount int `json:"retry_count" db:"retry_count"`

	// RetryDelay 重试前的等待时长
	RetryDelay time.Duration `json:"retry_delay" db:"retry_delay"`

	// MaxConsecutiveFailures 连续失败阈值，达到后作业转为 BROKEN
	MaxConsecutiveFailures int `json:"max_consecutive_failures" db:"max_consecutive_failures"`

	// Priority 工作流内优先级组定位（仅用于组内排位）
	Priority int `json:"priority" db:"priority"`

	// === 归属 ===

	// AgentID 作业指派的执行节点
	AgentID string `json:"agent_id" db:"agent_id"`

	// WorkflowID 所属工作流（为空表示独立作业）
	WorkflowID string `json:"workflow_id,omitempty" db:"workflow_id"`

	// === 运行统计 ===

	State        JobState   `json:"state" db:"state"`
	RunCount     int        `json:"run_count" db:"run_count"`
	FailureCount int        `json:"failure_count" db:"failure_count"`
	LastStart    *time.Time `json:"last_start,omitempty" db:"last_start"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RetryBudgetLeft 判断某次尝试失败后是否还有重试预算
//
// attempt 为刚失败的尝试序号（从 1 开始）。
func (j *Job) RetryBudgetLeft(attempt int) bool {
	return attempt <= j.RetryCount
}

// PastFailureThreshold 判断连续失败是否已达阈值
//
// 达到阈值的作业不再重试，由结果监听器转为 BROKEN。
func (j *Job) PastFailureThreshold() bool {
	return j.MaxConsecutiveFailures > 0 && j.FailureCount >= j.MaxConsecutiveFailures
}

// DefaultMaxRunDuration 未配置最长运行时长时的默认值
const DefaultMaxRunDuration = time.Hour
