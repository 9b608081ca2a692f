// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层存储接口的正确性。
// 无需外部数据库依赖，可在任何环境下运行。
package repository

import (
	"context"
	"testing"
	"time"

	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/storage"
	"batch-orchestrator/internal/shared/storage/dbutil"
	sqlitedriver "batch-orchestrator/internal/shared/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

// ============================================================================
// Dialect 基础测试
// ============================================================================

func TestDialectRebind(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, dbutil.DriverSQLite, d.DriverType())
	assert.Equal(t, "SELECT * FROM jobs WHERE id = ? AND state = ?",
		d.Rebind("SELECT * FROM jobs WHERE id = $1 AND state = $2"))
	// 应去除 PG 类型转换
	assert.Equal(t, "UPDATE jobs SET state = ? WHERE id = ?",
		d.Rebind("UPDATE jobs SET state = $1::varchar WHERE id = $2"))
}

// ============================================================================
// Job 测试
// ============================================================================

func TestJobCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Truncate(time.Millisecond)

	job := &model.Job{
		ID:                     "job-001",
		Name:                   "nightly build",
		Type:                   model.JobTypeExecutable,
		Action:                 "make build",
		AgentID:                "Build Agent",
		Enabled:                true,
		MaxRunDuration:         30 * time.Minute,
		RetryCount:             2,
		RetryDelay:             5 * time.Second,
		MaxConsecutiveFailures: 3,
		Priority:               2,
		StartTime:              &start,
	}

	// Create
	require.NoError(t, s.CreateJob(ctx, job))

	// Get
	got, err := s.GetJob(ctx, "job-001")
	require.NoError(t, err)
	assert.Equal(t, "nightly build", got.Name)
	assert.Equal(t, model.JobTypeExecutable, got.Type)
	assert.Equal(t, 30*time.Minute, got.MaxRunDuration)
	assert.Equal(t, 5*time.Second, got.RetryDelay)
	assert.Equal(t, model.JobStateScheduled, got.State, "missing state gets default")
	require.NotNil(t, got.StartTime)
	assert.Equal(t, start.UnixMilli(), got.StartTime.UnixMilli())

	// Get not found
	_, err = s.GetJob(ctx, "nonexistent")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// List
	jobs, err := s.ListJobs(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	// List with state filter
	jobs, err = s.ListJobs(ctx, model.JobStateBroken, 10, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 0)

	// UpdateJobState
	require.NoError(t, s.UpdateJobState(ctx, "job-001", model.JobStateWaiting))
	got, _ = s.GetJob(ctx, "job-001")
	assert.Equal(t, model.JobStateWaiting, got.State)

	// UpdateJobRunStats
	lastStart := time.Now().UnixMilli()
	require.NoError(t, s.UpdateJobRunStats(ctx, "job-001", lastStart, 3, 1))
	got, _ = s.GetJob(ctx, "job-001")
	assert.Equal(t, 3, got.RunCount)
	assert.Equal(t, 1, got.FailureCount)
	require.NotNil(t, got.LastStart)
	assert.Equal(t, lastStart, got.LastStart.UnixMilli())

	// Update not found
	assert.ErrorIs(t, s.UpdateJobState(ctx, "nonexistent", model.JobStateBroken), storage.ErrNotFound)
}

// ============================================================================
// Task 测试
// ============================================================================

func TestTaskCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &model.Task{
		ID:            "task-001",
		JobID:         "job-001",
		AgentID:       "a1",
		QueueName:     "a1",
		WorkflowRunID: "run-001",
		GroupRank:     2,
	}

	// Create：缺省字段填充
	require.NoError(t, s.CreateTask(ctx, task))
	got, err := s.GetTask(ctx, "task-001")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCreated, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, 2, got.GroupRank)
	assert.Nil(t, got.StartTime)

	// MarkTaskRunning
	startMs := time.Now().UnixMilli()
	require.NoError(t, s.MarkTaskRunning(ctx, "task-001", startMs))
	got, _ = s.GetTask(ctx, "task-001")
	assert.Equal(t, model.TaskStatusRunning, got.Status)
	require.NotNil(t, got.StartTime)

	// SaveTaskTerminal
	end := time.Now()
	got.Status = model.TaskStatusSuccess
	got.EndTime = &end
	got.DurationMs = 1234
	got.Output = "done"
	require.NoError(t, s.SaveTaskTerminal(ctx, got))

	saved, err := s.GetTask(ctx, "task-001")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSuccess, saved.Status)
	assert.Equal(t, int64(1234), saved.DurationMs)
	assert.Equal(t, "done", saved.Output)
	require.NotNil(t, saved.EndTime)

	// ListTasksByJob / ListTasksByRun
	tasks, err := s.ListTasksByJob(ctx, "job-001", 10, 0)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	tasks, err = s.ListTasksByRun(ctx, "run-001")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	// Get not found
	_, err = s.GetTask(ctx, "nonexistent")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// ============================================================================
// Workflow 测试（三表组装）
// ============================================================================

func TestWorkflowRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &model.Workflow{
		ID:      "wf-001",
		Name:    "deploy pipeline",
		Enabled: true,
		Groups: []model.PriorityGroup{
			// 乱序写入，加载时应按 rank 升序
			{Rank: 3, JobIDs: []string{"job-c"}},
			{Rank: 1, JobIDs: []string{"job-a", "job-b"}},
			{Rank: 2, IgnoreResult: true},
		},
	}
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "wf-001")
	require.NoError(t, err)
	assert.Equal(t, "deploy pipeline", got.Name)
	assert.True(t, got.Enabled)

	require.Len(t, got.Groups, 3)
	assert.Equal(t, 1, got.Groups[0].Rank)
	assert.ElementsMatch(t, []string{"job-a", "job-b"}, got.Groups[0].JobIDs)
	// 无作业的组照原样还原
	assert.Equal(t, 2, got.Groups[1].Rank)
	assert.True(t, got.Groups[1].IgnoreResult)
	assert.Empty(t, got.Groups[1].JobIDs)
	assert.Equal(t, 3, got.Groups[2].Rank)
	assert.Equal(t, []string{"job-c"}, got.Groups[2].JobIDs)

	assert.Equal(t, 3, got.TotalJobs())

	// Get not found
	_, err = s.GetWorkflow(ctx, "nonexistent")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWorkflowRunCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &model.WorkflowRun{
		ID:           "run-001",
		WorkflowID:   "wf-001",
		WorkflowName: "deploy pipeline",
		Status:       model.RunStatusRunning,
		TotalJobs:    3,
		StartTime:    time.Now(),
	}
	require.NoError(t, s.CreateWorkflowRun(ctx, run))

	got, err := s.GetWorkflowRun(ctx, "run-001")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Equal(t, 3, got.TotalJobs)
	assert.Nil(t, got.EndTime)

	// SaveWorkflowRunProgress
	end := time.Now()
	got.Status = model.RunStatusFailed
	got.CompletedJobs = 1
	got.FailedJobs = 1
	got.EndTime = &end
	got.DurationMs = 500
	got.Error = "group 1: job job-b ended failed: boom"
	require.NoError(t, s.SaveWorkflowRunProgress(ctx, got))

	saved, err := s.GetWorkflowRun(ctx, "run-001")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, saved.Status)
	assert.Equal(t, 1, saved.CompletedJobs)
	assert.Equal(t, 1, saved.FailedJobs)
	assert.NotEmpty(t, saved.Error)
	require.NotNil(t, saved.EndTime)

	// ListWorkflowRuns 按启动时间倒序
	later := &model.WorkflowRun{
		ID: "run-002", WorkflowID: "wf-001", Status: model.RunStatusRunning,
		StartTime: time.Now().Add(time.Minute),
	}
	require.NoError(t, s.CreateWorkflowRun(ctx, later))

	runs, err := s.ListWorkflowRuns(ctx, "wf-001", 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-002", runs[0].ID)

	// Update not found
	assert.ErrorIs(t, s.SaveWorkflowRunProgress(ctx, &model.WorkflowRun{ID: "nonexistent"}),
		storage.ErrNotFound)
}

// ============================================================================
// Agent 测试
// ============================================================================

func TestAgentUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &model.Agent{
		ID:               "Build Agent",
		Name:             "build box",
		Host:             "10.0.0.1",
		HeartbeatTimeout: 60 * time.Second,
		Capacity:         4,
	}

	// 队列名缺省时由标识派生
	require.NoError(t, s.CreateAgent(ctx, agent))
	got, err := s.GetAgent(ctx, "Build Agent")
	require.NoError(t, err)
	assert.Equal(t, "buildagent", got.QueueName)
	assert.Equal(t, 60*time.Second, got.HeartbeatTimeout)

	// 同 ID 重复注册更新目录信息
	agent.Capacity = 8
	agent.Host = "10.0.0.2"
	require.NoError(t, s.CreateAgent(ctx, agent))
	got, _ = s.GetAgent(ctx, "Build Agent")
	assert.Equal(t, 8, got.Capacity)
	assert.Equal(t, "10.0.0.2", got.Host)

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	// Get not found
	_, err = s.GetAgent(ctx, "nonexistent")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
