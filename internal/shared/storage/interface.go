// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调度核心只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/（SQL，通过 dbutil.Dialect 支持
//     PostgreSQL 和 SQLite）
//   - 初始化时通过依赖注入传入实现
//
// 核心对存储的调用都是同步、可重试的；存储细节（事务、连接池）
// 由实现层负责。
package storage

import (
	"context"

	"batch-orchestrator/internal/shared/model"
)

// ============================================================================
// 按聚合划分的窄接口
// ============================================================================

// JobStore 作业定义存储
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, state model.JobState, limit, offset int) ([]*model.Job, error)
	// UpdateJobState 更新作业定义级状态（SCHEDULED/WAITING/RUNNING/BROKEN...）
	UpdateJobState(ctx context.Context, id string, state model.JobState) error
	// UpdateJobRunStats 更新运行统计（最近启动时间、成功/失败计数）
	UpdateJobRunStats(ctx context.Context, id string, lastStart int64, runCount, failureCount int) error
}

// WorkflowStore 工作流定义与运行存储
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *model.Workflow) error
	// GetWorkflow 加载工作流及其优先级组（组按 Rank 升序）
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	CreateWorkflowRun(ctx context.Context, run *model.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*model.WorkflowRun, error)
	// SaveWorkflowRunProgress 持久化运行进度（状态、聚合计数、错误）
	SaveWorkflowRunProgress(ctx context.Context, run *model.WorkflowRun) error
	ListWorkflowRuns(ctx context.Context, workflowID string, limit, offset int) ([]*model.WorkflowRun, error)
}

// TaskStore 任务执行记录存储
type TaskStore interface {
	// CreateTask 插入新建任务记录（状态 created）
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	// SaveTaskTerminal 持久化终态任务（状态、时间、错误、输出）
	SaveTaskTerminal(ctx context.Context, task *model.Task) error
	// MarkTaskRunning 记录任务开始执行的时间
	MarkTaskRunning(ctx context.Context, id string, startTime int64) error
	ListTasksByJob(ctx context.Context, jobID string, limit, offset int) ([]*model.Task, error)
	ListTasksByRun(ctx context.Context, runID string) ([]*model.Task, error)
}

// AgentStore 执行节点目录存储
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]*model.Agent, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	JobStore
	WorkflowStore
	TaskStore
	AgentStore
	Close() error
}
