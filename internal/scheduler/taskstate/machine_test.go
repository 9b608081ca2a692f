package taskstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/storage"
	"batch-orchestrator/pkg/logging"
)

func newTestMachine(t *testing.T) (*Machine, *storage.MemStore) {
	t.Helper()
	store := storage.NewMemStore()
	return New(store, store, logging.Default("test")), store
}

func seedJob(t *testing.T, store *storage.MemStore, job *model.Job) *model.Job {
	t.Helper()
	if job.Type == "" {
		job.Type = model.JobTypeExecutable
	}
	if job.Action == "" {
		job.Action = "true"
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	return job
}

func TestMachine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine(t)
	job := seedJob(t, store, &model.Job{ID: "job-1", AgentID: "Agent-1"})

	task, err := m.Create(ctx, CreateParams{Job: job})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCreated, task.Status)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, "agent1", task.QueueName)

	require.NoError(t, m.MarkDispatched(ctx, task.ID, time.Now()))

	result, err := m.ApplyResult(ctx, task.ID, Report{
		Status:  model.TaskStatusSuccess,
		Output:  "done",
		EndTime: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, model.TaskStatusSuccess, result.Status)

	// 终态持久化
	saved, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSuccess, saved.Status)
	assert.Equal(t, "done", saved.Output)
}

// 重复回报：第一条生效，第二条丢弃
func TestMachine_DuplicateResultDropped(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine(t)
	job := seedJob(t, store, &model.Job{ID: "job-1", AgentID: "a1"})

	task, _ := m.Create(ctx, CreateParams{Job: job})
	require.NoError(t, m.MarkDispatched(ctx, task.ID, time.Now()))

	first, err := m.ApplyResult(ctx, task.ID, Report{Status: model.TaskStatusSuccess})
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := m.ApplyResult(ctx, task.ID, Report{Status: model.TaskStatusFailed})
	require.NoError(t, err)
	assert.Nil(t, second, "duplicate result must be dropped")

	saved, _ := store.GetTask(ctx, task.ID)
	assert.Equal(t, model.TaskStatusSuccess, saved.Status, "first result wins")
}

// created 状态不接受执行结果
func TestMachine_ResultBeforeDispatchDropped(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine(t)
	job := seedJob(t, store, &model.Job{ID: "job-1", AgentID: "a1"})

	task, _ := m.Create(ctx, CreateParams{Job: job})

	result, err := m.ApplyResult(ctx, task.ID, Report{Status: model.TaskStatusSuccess})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestMachine_RetryDecision(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine(t)
	job := seedJob(t, store, &model.Job{ID: "job-1", AgentID: "a1", RetryCount: 1})

	var events []struct {
		status    model.TaskStatus
		willRetry bool
	}
	m.OnTerminal(func(task *model.Task, willRetry bool) {
		events = append(events, struct {
			status    model.TaskStatus
			willRetry bool
		}{task.Status, willRetry})
	})

	// 第一次尝试失败：预算未用尽，记为 retry
	t1, _ := m.Create(ctx, CreateParams{Job: job, Attempt: 1})
	m.MarkDispatched(ctx, t1.ID, time.Now())
	r1, err := m.ApplyResult(ctx, t1.ID, Report{Status: model.TaskStatusFailed, Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRetry, r1.Status)

	// 第二次尝试失败：预算用尽，保持 failed
	t2, _ := m.Create(ctx, CreateParams{Job: job, Attempt: 2})
	m.MarkDispatched(ctx, t2.ID, time.Now())
	r2, err := m.ApplyResult(ctx, t2.ID, Report{Status: model.TaskStatusFailed, Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, r2.Status)

	require.Len(t, events, 2)
	assert.True(t, events[0].willRetry)
	assert.False(t, events[1].willRetry)
}

// 连续失败已达阈值的作业不再重试
func TestMachine_NoRetryPastFailureThreshold(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine(t)
	job := seedJob(t, store, &model.Job{ID: "job-1", AgentID: "a1",
		RetryCount: 3, MaxConsecutiveFailures: 2, FailureCount: 2})

	task, _ := m.Create(ctx, CreateParams{Job: job})
	m.MarkDispatched(ctx, task.ID, time.Now())

	result, err := m.ApplyResult(ctx, task.ID, Report{Status: model.TaskStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, result.Status)
}

// 成功结果不受重试预算影响
func TestMachine_SuccessNeverRetries(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine(t)
	job := seedJob(t, store, &model.Job{ID: "job-1", AgentID: "a1", RetryCount: 3})

	task, _ := m.Create(ctx, CreateParams{Job: job})
	m.MarkDispatched(ctx, task.ID, time.Now())
	result, _ := m.ApplyResult(ctx, task.ID, Report{Status: model.TaskStatusSuccess})
	assert.Equal(t, model.TaskStatusSuccess, result.Status)
}

func TestMachine_ForceTimeout(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine(t)
	job := seedJob(t, store, &model.Job{ID: "job-1", AgentID: "a1"})

	t.Run("running 任务强制超时", func(t *testing.T) {
		task, _ := m.Create(ctx, CreateParams{Job: job})
		m.MarkDispatched(ctx, task.ID, time.Now())

		result, err := m.ForceTimeout(ctx, task.ID, "exceeded max run duration")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusTimeout, result.Status)

		// 迟到的真实结果被丢弃
		late, err := m.ApplyResult(ctx, task.ID, Report{Status: model.TaskStatusSuccess})
		require.NoError(t, err)
		assert.Nil(t, late)
	})

	t.Run("created 任务也可强制超时", func(t *testing.T) {
		task, _ := m.Create(ctx, CreateParams{Job: job})

		result, err := m.ForceTimeout(ctx, task.ID, "dispatch never completed")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusTimeout, result.Status)
	})
}

func TestMachine_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine(t)
	job := seedJob(t, store, &model.Job{ID: "job-1", AgentID: "a1"})

	task, _ := m.Create(ctx, CreateParams{Job: job})
	require.NoError(t, m.MarkDispatched(ctx, task.ID, time.Now()))

	// running → running 拒绝
	assert.Error(t, m.MarkDispatched(ctx, task.ID, time.Now()))
}

// 并发竞争回报：恰好一条生效
func TestMachine_ConcurrentResults(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine(t)
	job := seedJob(t, store, &model.Job{ID: "job-1", AgentID: "a1"})

	task, _ := m.Create(ctx, CreateParams{Job: job})
	m.MarkDispatched(ctx, task.ID, time.Now())

	statuses := []model.TaskStatus{
		model.TaskStatusSuccess, model.TaskStatusFailed, model.TaskStatusCancelled,
		model.TaskStatusStopped, model.TaskStatusRevoked, model.TaskStatusSuccess,
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for _, st := range statuses {
		wg.Add(1)
		go func(st model.TaskStatus) {
			defer wg.Done()
			result, err := m.ApplyResult(ctx, task.ID, Report{Status: st})
			assert.NoError(t, err)
			if result != nil {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(st)
	}
	wg.Wait()

	assert.Equal(t, 1, applied, "exactly one concurrent result must win")

	saved, _ := store.GetTask(ctx, task.ID)
	assert.True(t, saved.Status.IsTerminal())
}

func TestMachine_RecordSkipped(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine(t)
	job := seedJob(t, store, &model.Job{ID: "job-1", AgentID: "a1", Enabled: false})

	var notified *model.Task
	m.OnTerminal(func(task *model.Task, willRetry bool) {
		notified = task
		assert.False(t, willRetry)
	})

	task, err := m.RecordSkipped(ctx, CreateParams{Job: job}, "job disabled")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSkipped, task.Status)
	require.NotNil(t, notified)
	assert.Equal(t, task.ID, notified.ID)
}

func TestMachine_ActiveSnapshot(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine(t)
	job := seedJob(t, store, &model.Job{ID: "job-1", AgentID: "a1"})

	t1, _ := m.Create(ctx, CreateParams{Job: job})
	t2, _ := m.Create(ctx, CreateParams{Job: job})
	m.MarkDispatched(ctx, t2.ID, time.Now())

	active := m.Active()
	assert.Len(t, active, 2)

	m.ApplyResult(ctx, t2.ID, Report{Status: model.TaskStatusSuccess})
	assert.Len(t, m.Active(), 1)
	assert.Equal(t, t1.ID, m.Active()[0].ID)
}
