// Package dispatch 任务投递
//
// 把作业的一次执行尝试变成在途任务：创建任务记录、构造自包含的
// 投递消息、发布到执行节点队列。发布成功才将任务置为 running；
// 发布失败任务停留在 created，由超时巡检兜底。
package dispatch

import (
	"context"
	"fmt"
	"time"

	"batch-orchestrator/internal/scheduler/taskstate"
	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/msgbus"
	"batch-orchestrator/internal/shared/storage"
	"batch-orchestrator/pkg/logging"
)

// Dispatcher 任务投递器
type Dispatcher struct {
	bus     msgbus.Channel
	machine *taskstate.Machine
	store   storage.PersistentStore
	log     *logging.Logger
}

// NewDispatcher 创建投递器
func NewDispatcher(bus msgbus.Channel, machine *taskstate.Machine, store storage.PersistentStore, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		bus:     bus,
		machine: machine,
		store:   store,
		log:     log,
	}
}

// RunParams 一次执行的上下文参数
type RunParams struct {
	WorkflowRunID string
	GroupRank     int
	Attempt       int
	Manual        bool
}

// RunJob 触发作业执行
//
// 禁用的作业不投递，直接记录一条 skipped 任务。
func (d *Dispatcher) RunJob(ctx context.Context, jobID string, p RunParams) (*model.Task, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return d.DispatchJob(ctx, job, p)
}

// DispatchJob 为已加载的作业创建并投递任务
func (d *Dispatcher) DispatchJob(ctx context.Context, job *model.Job, p RunParams) (*model.Task, error) {
	if !job.Enabled {
		return d.machine.RecordSkipped(ctx, taskstate.CreateParams{
			Job:           job,
			WorkflowRunID: p.WorkflowRunID,
			GroupRank:     p.GroupRank,
			Manual:        p.Manual,
		}, "job disabled")
	}

	task, err := d.machine.Create(ctx, taskstate.CreateParams{
		Job:           job,
		WorkflowRunID: p.WorkflowRunID,
		GroupRank:     p.GroupRank,
		Attempt:       p.Attempt,
		Manual:        p.Manual,
	})
	if err != nil {
		return nil, err
	}

	if err := d.publish(ctx, job, task); err != nil {
		// 任务停留在 created，超时巡检会将其强制超时
		d.log.WithError(err).WithJobID(job.ID).WithTaskID(task.ID).
			Error("Failed to publish dispatch message, task left in created state")
		return task, err
	}
	return task, nil
}

// publish 发布投递消息并将任务推进到 running
func (d *Dispatcher) publish(ctx context.Context, job *model.Job, task *model.Task) error {
	maxDuration := job.MaxRunDuration
	if maxDuration <= 0 {
		maxDuration = model.DefaultMaxRunDuration
	}

	msg := &msgbus.DispatchMessage{
		JobID:         job.ID,
		TaskID:        task.ID,
		JobName:       job.Name,
		Type:          string(job.Type),
		Action:        job.Action,
		Method:        job.Method,
		Body:          job.Body,
		Headers:       job.Headers,
		MaxDurationMs: maxDuration.Milliseconds(),
		RetryCount:    job.RetryCount,
		RetryDelayMs:  job.RetryDelay.Milliseconds(),
		WorkflowRunID: task.WorkflowRunID,
		Attempt:       task.Attempt,
		QueueName:     task.QueueName,
		ManuallyRun:   task.Manual,
	}

	if err := d.bus.PublishDispatch(ctx, task.QueueName, msg); err != nil {
		return err
	}

	now := time.Now()
	if err := d.machine.MarkDispatched(ctx, task.ID, now); err != nil {
		return err
	}

	job.State = model.JobStateRunning
	if err := d.store.UpdateJobState(ctx, job.ID, model.JobStateRunning); err != nil {
		d.log.WithError(err).WithJobID(job.ID).Warn("Failed to persist job state")
	}
	if err := d.store.UpdateJobRunStats(ctx, job.ID, now.UnixMilli(), job.RunCount, job.FailureCount); err != nil {
		d.log.WithError(err).WithJobID(job.ID).Warn("Failed to persist job last start")
	}

	d.log.TaskLog("dispatched", job.ID, task.ID,
		"queue", task.QueueName, "attempt", task.Attempt)
	return nil
}

// RetryTask 为已结束的尝试创建下一次尝试并投递
func (d *Dispatcher) RetryTask(ctx context.Context, prev *model.Task) (*model.Task, error) {
	job, err := d.store.GetJob(ctx, prev.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s for retry: %w", prev.JobID, err)
	}
	return d.DispatchJob(ctx, job, RunParams{
		WorkflowRunID: prev.WorkflowRunID,
		GroupRank:     prev.GroupRank,
		Attempt:       prev.Attempt + 1,
		Manual:        prev.Manual,
	})
}
