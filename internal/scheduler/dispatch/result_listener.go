// Package dispatch 结果监听
package dispatch

import (
	"context"
	"time"

	"batch-orchestrator/internal/scheduler/taskstate"
	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/msgbus"
	"batch-orchestrator/internal/shared/storage"
	"batch-orchestrator/pkg/logging"
)

// ResultListener 消费共享结果通道，驱动状态机与作业统计
type ResultListener struct {
	bus     msgbus.Channel
	machine *taskstate.Machine
	store   storage.JobStore
	log     *logging.Logger
}

// NewResultListener 创建结果监听器
func NewResultListener(bus msgbus.Channel, machine *taskstate.Machine, store storage.JobStore, log *logging.Logger) *ResultListener {
	return &ResultListener{
		bus:     bus,
		machine: machine,
		store:   store,
		log:     log,
	}
}

// Start 启动监听循环，ctx 取消后返回
func (l *ResultListener) Start(ctx context.Context) error {
	results, err := l.bus.SubscribeResults(ctx)
	if err != nil {
		return err
	}

	go func() {
		for msg := range results {
			l.handle(ctx, msg)
		}
	}()
	return nil
}

func (l *ResultListener) handle(ctx context.Context, msg *msgbus.ResultMessage) {
	status, ok := model.ParseTaskStatus(msg.Status)
	if !ok {
		l.log.WithTaskID(msg.TaskID).Warn("Dropping result with unknown status",
			"status", msg.Status)
		return
	}

	// created/retry 只在调度端产生，回报通道上出现即协议错误。
	// 直接套用会把 retry 当作耗尽预算的终态计入失败。
	if status == model.TaskStatusCreated || status == model.TaskStatusRetry {
		l.log.WithTaskID(msg.TaskID).Warn("Dropping result with scheduler-internal status",
			"status", msg.Status)
		return
	}

	// running 回报只是执行开始的确认
	if status == model.TaskStatusRunning {
		if msg.StartTime > 0 {
			l.machine.ConfirmStart(msg.TaskID, time.UnixMilli(msg.StartTime))
		}
		l.log.TaskLog("execution confirmed", msg.JobID, msg.TaskID, "attempt", msg.Attempt)
		return
	}

	task, err := l.machine.ApplyResult(ctx, msg.TaskID, taskstate.Report{
		Status:    status,
		Output:    msg.Output,
		Error:     msg.Error,
		StartTime: msg.StartTime,
		EndTime:   msg.EndTime,
	})
	if err != nil {
		l.log.WithError(err).WithTaskID(msg.TaskID).Warn("Failed to apply task result")
		return
	}
	if task == nil {
		// 重复或迟到的回报，状态机已丢弃并记录
		return
	}

	l.updateJobStats(ctx, task)
}

// updateJobStats 终态驱动的作业统计更新
//
//   - succeed/skipped：运行计数 +1，连续失败计数清零，回到 SCHEDULED
//   - failed/timeout（重试预算用尽）：运行计数 +1，连续失败计数 +1，
//     达到阈值转 BROKEN，否则回到 SCHEDULED
//   - retry：不更新统计，新尝试的终态才算数
func (l *ResultListener) updateJobStats(ctx context.Context, task *model.Task) {
	if task.Status == model.TaskStatusRetry {
		return
	}

	job, err := l.store.GetJob(ctx, task.JobID)
	if err != nil {
		l.log.WithError(err).WithJobID(task.JobID).Warn("Failed to load job for stats update")
		return
	}

	runCount := job.RunCount + 1
	failureCount := job.FailureCount
	state := model.JobStateScheduled

	switch {
	case task.Status.IsSuccessful():
		failureCount = 0
	case task.Status == model.TaskStatusFailed || task.Status == model.TaskStatusTimeout:
		failureCount++
		if job.MaxConsecutiveFailures > 0 && failureCount >= job.MaxConsecutiveFailures {
			state = model.JobStateBroken
		}
	default:
		// cancelled/stopped/revoked 不计入连续失败
	}

	lastStart := int64(0)
	if job.LastStart != nil {
		lastStart = job.LastStart.UnixMilli()
	}
	if err := l.store.UpdateJobRunStats(ctx, job.ID, lastStart, runCount, failureCount); err != nil {
		l.log.WithError(err).WithJobID(job.ID).Warn("Failed to persist job run stats")
	}
	if err := l.store.UpdateJobState(ctx, job.ID, state); err != nil {
		l.log.WithError(err).WithJobID(job.ID).Warn("Failed to persist job state")
	}

	if state == model.JobStateBroken {
		l.log.WithJobID(job.ID).Warn("Job marked broken after consecutive failures",
			"failure_count", failureCount, "threshold", job.MaxConsecutiveFailures)
	}
}
