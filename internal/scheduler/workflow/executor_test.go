package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-orchestrator/internal/scheduler/dispatch"
	"batch-orchestrator/internal/scheduler/taskstate"
	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/msgbus"
	"batch-orchestrator/internal/shared/storage"
	"batch-orchestrator/pkg/logging"
)

type execEnv struct {
	store      *storage.MemStore
	bus        *msgbus.MockChannel
	machine    *taskstate.Machine
	dispatcher *dispatch.Dispatcher
	executor   *Executor
}

func newExecEnv(t *testing.T) *execEnv {
	t.Helper()
	store := storage.NewMemStore()
	bus := msgbus.NewMockChannel()
	log := logging.Default("test")
	machine := taskstate.New(store, store, log)
	dispatcher := dispatch.NewDispatcher(bus, machine, store, log)
	return &execEnv{
		store:      store,
		bus:        bus,
		machine:    machine,
		dispatcher: dispatcher,
		executor:   NewExecutor(machine, dispatcher, store, log),
	}
}

func (e *execEnv) seedJob(t *testing.T, id string, mutate ...func(*model.Job)) {
	t.Helper()
	job := &model.Job{
		ID:      id,
		Name:    id,
		AgentID: "a1",
		Enabled: true,
		Type:    model.JobTypeExecutable,
		Action:  "true",
	}
	for _, fn := range mutate {
		fn(job)
	}
	require.NoError(t, e.store.CreateJob(context.Background(), job))
}

func (e *execEnv) seedWorkflow(t *testing.T, wf *model.Workflow) {
	t.Helper()
	if wf.Name == "" {
		wf.Name = wf.ID
	}
	require.NoError(t, e.store.CreateWorkflow(context.Background(), wf))
}

// taskFor 从状态机在途快照中取指定作业的任务
func (e *execEnv) taskFor(t *testing.T, jobID string) *model.Task {
	t.Helper()
	for _, task := range e.machine.Active() {
		if task.JobID == jobID {
			return task
		}
	}
	t.Fatalf("no active task for job %s", jobID)
	return nil
}

func (e *execEnv) finish(t *testing.T, jobID string, status model.TaskStatus) {
	t.Helper()
	task := e.taskFor(t, jobID)
	result, err := e.machine.ApplyResult(context.Background(), task.ID, taskstate.Report{
		Status:  status,
		EndTime: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.NotNil(t, result)
}

func TestExecutor_HappyPath(t *testing.T) {
	ctx := context.Background()
	env := newExecEnv(t)
	env.seedJob(t, "job-a")
	env.seedJob(t, "job-b")
	env.seedJob(t, "job-c")
	env.seedWorkflow(t, &model.Workflow{
		ID: "wf-1", Enabled: true,
		Groups: []model.PriorityGroup{
			{Rank: 1, JobIDs: []string{"job-a", "job-b"}},
			{Rank: 2, JobIDs: []string{"job-c"}},
		},
	})

	run, err := env.executor.StartRun(ctx, "wf-1", false)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, 3, run.TotalJobs)

	// 第一组并发投递，第二组尚未激活
	assert.Len(t, env.machine.Active(), 2)

	// 组内一个作业完成不推进组
	env.finish(t, "job-a", model.TaskStatusSuccess)
	progress, _ := env.executor.GetRun(ctx, run.ID)
	assert.Equal(t, model.RunStatusRunning, progress.Status)
	assert.Equal(t, 1, progress.CompletedJobs)

	// 组内全部完成后激活下一组
	env.finish(t, "job-b", model.TaskStatusSuccess)
	assert.Len(t, env.machine.Active(), 1)
	env.finish(t, "job-c", model.TaskStatusSuccess)

	final, err := env.executor.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Equal(t, 3, final.CompletedJobs)
	assert.Equal(t, 0, final.FailedJobs)
	require.NotNil(t, final.EndTime)

	// 终态后从在途表摘除
	assert.Equal(t, 0, env.executor.ActiveRuns())
}

func TestExecutor_GroupFailureHaltsRun(t *testing.T) {
	ctx := context.Background()
	env := newExecEnv(t)
	env.seedJob(t, "job-a")
	env.seedJob(t, "job-b")
	env.seedJob(t, "job-c")
	env.seedWorkflow(t, &model.Workflow{
		ID: "wf-1", Enabled: true,
		Groups: []model.PriorityGroup{
			{Rank: 1, JobIDs: []string{"job-a", "job-b"}},
			{Rank: 2, JobIDs: []string{"job-c"}},
		},
	})

	run, err := env.executor.StartRun(ctx, "wf-1", false)
	require.NoError(t, err)

	env.finish(t, "job-a", model.TaskStatusFailed)
	env.finish(t, "job-b", model.TaskStatusSuccess)

	final, err := env.executor.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, final.Status)
	assert.NotEmpty(t, final.Error)

	// 后续组不再投递，未执行的作业不计数
	assert.Len(t, env.machine.Active(), 0)
	assert.Equal(t, 1, final.CompletedJobs)
	assert.Equal(t, 1, final.FailedJobs)
	assert.Less(t, final.CompletedJobs+final.FailedJobs, final.TotalJobs)
}

// ignoreResult 组的失败不阻塞后续组
func TestExecutor_IgnoreResultGroup(t *testing.T) {
	ctx := context.Background()
	env := newExecEnv(t)
	env.seedJob(t, "job-a")
	env.seedJob(t, "job-b")
	env.seedWorkflow(t, &model.Workflow{
		ID: "wf-1", Enabled: true,
		Groups: []model.PriorityGroup{
			{Rank: 1, IgnoreResult: true, JobIDs: []string{"job-a"}},
			{Rank: 2, JobIDs: []string{"job-b"}},
		},
	})

	run, err := env.executor.StartRun(ctx, "wf-1", false)
	require.NoError(t, err)

	env.finish(t, "job-a", model.TaskStatusFailed)
	env.finish(t, "job-b", model.TaskStatusSuccess)

	final, err := env.executor.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Equal(t, 1, final.CompletedJobs)
	assert.Equal(t, 1, final.FailedJobs)
}

// retry 期间作业保持在途，组不推进；新尝试成功后运行收尾
func TestExecutor_RetryKeepsGroupOpen(t *testing.T) {
	ctx := context.Background()
	env := newExecEnv(t)
	env.seedJob(t, "job-a", func(j *model.Job) { j.RetryCount = 1 })
	env.seedJob(t, "job-b")
	env.seedWorkflow(t, &model.Workflow{
		ID: "wf-1", Enabled: true,
		Groups: []model.PriorityGroup{
			{Rank: 1, JobIDs: []string{"job-a"}},
			{Rank: 2, JobIDs: []string{"job-b"}},
		},
	})

	run, err := env.executor.StartRun(ctx, "wf-1", false)
	require.NoError(t, err)

	failed := env.taskFor(t, "job-a")
	result, err := env.machine.ApplyResult(ctx, failed.ID, taskstate.Report{
		Status: model.TaskStatusFailed, Error: "boom",
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRetry, result.Status)

	// 组未推进，第二组未激活
	progress, _ := env.executor.GetRun(ctx, run.ID)
	assert.Equal(t, model.RunStatusRunning, progress.Status)
	assert.Equal(t, 0, progress.FailedJobs)
	assert.Len(t, env.machine.Active(), 0)

	// 运行仍接受该作业的重试
	assert.True(t, env.executor.ShouldRetry(result))

	// 新尝试成功后组推进，运行最终成功
	_, err = env.dispatcher.RetryTask(ctx, result)
	require.NoError(t, err)
	env.finish(t, "job-a", model.TaskStatusSuccess)
	env.finish(t, "job-b", model.TaskStatusSuccess)

	final, err := env.executor.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Equal(t, 2, final.CompletedJobs)
}

// 停用作业记为 skipped，视为成功推进
func TestExecutor_DisabledJobSkipped(t *testing.T) {
	ctx := context.Background()
	env := newExecEnv(t)
	env.seedJob(t, "job-a", func(j *model.Job) { j.Enabled = false })
	env.seedJob(t, "job-b")
	env.seedWorkflow(t, &model.Workflow{
		ID: "wf-1", Enabled: true,
		Groups: []model.PriorityGroup{
			{Rank: 1, JobIDs: []string{"job-a"}},
			{Rank: 2, JobIDs: []string{"job-b"}},
		},
	})

	run, err := env.executor.StartRun(ctx, "wf-1", false)
	require.NoError(t, err)

	// skipped 在投递时同步到达，第二组已激活
	env.finish(t, "job-b", model.TaskStatusSuccess)

	final, err := env.executor.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Equal(t, 2, final.CompletedJobs)
	assert.Equal(t, 0, final.FailedJobs)
}

// 未知运行的终态事件被丢弃，不影响计数
func TestExecutor_StragglerDropped(t *testing.T) {
	ctx := context.Background()
	env := newExecEnv(t)
	env.seedJob(t, "job-a")
	env.seedWorkflow(t, &model.Workflow{
		ID: "wf-1", Enabled: true,
		Groups: []model.PriorityGroup{{Rank: 1, JobIDs: []string{"job-a"}}},
	})

	run, err := env.executor.StartRun(ctx, "wf-1", false)
	require.NoError(t, err)

	// 已消亡运行的残留事件
	env.executor.onTaskTerminal(&model.Task{
		ID: "task-ghost", JobID: "job-x", WorkflowRunID: "run-gone", GroupRank: 1,
		Status: model.TaskStatusFailed,
	}, false)

	// 组序号不匹配的残留事件
	env.executor.onTaskTerminal(&model.Task{
		ID: "task-stale", JobID: "job-a", WorkflowRunID: run.ID, GroupRank: 99,
		Status: model.TaskStatusFailed,
	}, false)

	progress, _ := env.executor.GetRun(ctx, run.ID)
	assert.Equal(t, model.RunStatusRunning, progress.Status)
	assert.Equal(t, 0, progress.CompletedJobs)
	assert.Equal(t, 0, progress.FailedJobs)
}

func TestExecutor_DisabledWorkflowRejected(t *testing.T) {
	ctx := context.Background()
	env := newExecEnv(t)
	env.seedWorkflow(t, &model.Workflow{ID: "wf-1", Enabled: false})

	_, err := env.executor.StartRun(ctx, "wf-1", false)
	assert.Error(t, err)
}

// 空工作流直接成功，不进入在途表
func TestExecutor_EmptyWorkflowSucceedsImmediately(t *testing.T) {
	ctx := context.Background()
	env := newExecEnv(t)
	env.seedWorkflow(t, &model.Workflow{ID: "wf-1", Enabled: true})

	run, err := env.executor.StartRun(ctx, "wf-1", false)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	require.NotNil(t, run.EndTime)
	assert.Equal(t, 0, env.executor.ActiveRuns())

	// 终态运行可从持久层查询
	saved, err := env.store.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, saved.Status)
}

// 无作业的组被跳过，运行不在空组上停滞
func TestExecutor_SkipsEmptyGroups(t *testing.T) {
	ctx := context.Background()
	env := newExecEnv(t)
	env.seedJob(t, "job-a")
	env.seedJob(t, "job-b")
	env.seedWorkflow(t, &model.Workflow{
		ID: "wf-1", Enabled: true,
		Groups: []model.PriorityGroup{
			{Rank: 1, JobIDs: []string{"job-a"}},
			{Rank: 2},
			{Rank: 3, JobIDs: []string{"job-b"}},
		},
	})

	run, err := env.executor.StartRun(ctx, "wf-1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, run.TotalJobs)

	// 第一组完成后越过空组，直接激活第三组
	env.finish(t, "job-a", model.TaskStatusSuccess)
	require.Len(t, env.machine.Active(), 1)
	env.finish(t, "job-b", model.TaskStatusSuccess)

	final, err := env.executor.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Equal(t, 2, final.CompletedJobs)
	assert.Equal(t, 0, env.executor.ActiveRuns())
}

// 首组为空时从第一个非空组开工；末尾的空组不阻碍收尾
func TestExecutor_EmptyEdgeGroups(t *testing.T) {
	ctx := context.Background()
	env := newExecEnv(t)
	env.seedJob(t, "job-a")
	env.seedWorkflow(t, &model.Workflow{
		ID: "wf-1", Enabled: true,
		Groups: []model.PriorityGroup{
			{Rank: 1},
			{Rank: 2, JobIDs: []string{"job-a"}},
			{Rank: 3},
		},
	})

	run, err := env.executor.StartRun(ctx, "wf-1", false)
	require.NoError(t, err)
	require.Len(t, env.machine.Active(), 1)

	env.finish(t, "job-a", model.TaskStatusSuccess)

	final, err := env.executor.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Equal(t, 1, final.CompletedJobs)
	assert.Equal(t, 0, env.executor.ActiveRuns())
}
