package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-orchestrator/internal/scheduler/taskstate"
	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/msgbus"
	"batch-orchestrator/internal/shared/storage"
	"batch-orchestrator/pkg/logging"
)

type dispatchEnv struct {
	store      *storage.MemStore
	bus        *msgbus.MockChannel
	machine    *taskstate.Machine
	dispatcher *Dispatcher
}

func newDispatchEnv(t *testing.T) *dispatchEnv {
	t.Helper()
	store := storage.NewMemStore()
	bus := msgbus.NewMockChannel()
	log := logging.Default("test")
	machine := taskstate.New(store, store, log)
	return &dispatchEnv{
		store:      store,
		bus:        bus,
		machine:    machine,
		dispatcher: NewDispatcher(bus, machine, store, log),
	}
}

func (e *dispatchEnv) seedJob(t *testing.T, job *model.Job) *model.Job {
	t.Helper()
	if job.Type == "" {
		job.Type = model.JobTypeExecutable
	}
	if job.Action == "" {
		job.Action = "true"
	}
	require.NoError(t, e.store.CreateJob(context.Background(), job))
	return job
}

func TestDispatcher_SuccessfulDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newDispatchEnv(t)
	env.seedJob(t, &model.Job{ID: "job-1", AgentID: "Build Agent", Enabled: true,
		MaxRunDuration: 10 * time.Minute, RetryCount: 2})

	// 订阅队列，验证消息内容
	messages, err := env.bus.SubscribeDispatch(ctx, "buildagent")
	require.NoError(t, err)

	task, err := env.dispatcher.RunJob(ctx, "job-1", RunParams{Manual: true})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, mustGetTask(t, env, task.ID).Status)

	select {
	case msg := <-messages:
		assert.Equal(t, "job-1", msg.JobID)
		assert.Equal(t, task.ID, msg.TaskID)
		assert.Equal(t, int64(600000), msg.MaxDurationMs)
		assert.Equal(t, 2, msg.RetryCount)
		assert.Equal(t, 1, msg.Attempt)
		assert.True(t, msg.ManuallyRun)
		assert.Equal(t, "buildagent", msg.QueueName)
	case <-time.After(time.Second):
		t.Fatal("dispatch message not published")
	}

	// 作业进入 RUNNING 并记录启动时间
	job, _ := env.store.GetJob(ctx, "job-1")
	assert.Equal(t, model.JobStateRunning, job.State)
	assert.NotNil(t, job.LastStart)
}

// 传输故障：任务停留在 created，不会误标 running
func TestDispatcher_PublishFailureLeavesCreated(t *testing.T) {
	ctx := context.Background()
	env := newDispatchEnv(t)
	env.seedJob(t, &model.Job{ID: "job-1", AgentID: "a1", Enabled: true})

	env.bus.FailPublishes = true

	task, err := env.dispatcher.RunJob(ctx, "job-1", RunParams{})
	assert.Error(t, err)
	require.NotNil(t, task)
	assert.Equal(t, model.TaskStatusCreated, mustGetTask(t, env, task.ID).Status)

	// 作业状态未被推进
	job, _ := env.store.GetJob(ctx, "job-1")
	assert.NotEqual(t, model.JobStateRunning, job.State)
}

func TestDispatcher_DisabledJobSkipped(t *testing.T) {
	ctx := context.Background()
	env := newDispatchEnv(t)
	env.seedJob(t, &model.Job{ID: "job-1", AgentID: "a1", Enabled: false})

	task, err := env.dispatcher.RunJob(ctx, "job-1", RunParams{})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSkipped, task.Status)
}

func TestDispatcher_RetryTaskIncrementsAttempt(t *testing.T) {
	ctx := context.Background()
	env := newDispatchEnv(t)
	env.seedJob(t, &model.Job{ID: "job-1", AgentID: "a1", Enabled: true, RetryCount: 2})

	prev := &model.Task{ID: "task-old", JobID: "job-1", Attempt: 1, QueueName: "a1"}
	task, err := env.dispatcher.RetryTask(ctx, prev)
	require.NoError(t, err)
	assert.Equal(t, 2, task.Attempt)
}

func mustGetTask(t *testing.T, env *dispatchEnv, id string) *model.Task {
	t.Helper()
	task, err := env.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}
