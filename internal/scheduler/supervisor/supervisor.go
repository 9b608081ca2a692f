// Package supervisor 超时巡检与重试调度
//
// 周期性巡检在途任务：running 超过作业最长运行时长的强制超时，
// created 超龄的同样强制超时（投递失败遗留的兜底路径）。
// 巡检同时负责延迟重试：retry 终态的任务在等待重试延迟后
// 创建新尝试投递。
//
// 首次巡检发生在启动一个周期之后，调度端重启后执行节点有一个
// 完整周期的窗口回报在途结果，避免误杀。
package supervisor

import (
	"context"
	"sync"
	"time"

	"batch-orchestrator/internal/scheduler/dispatch"
	"batch-orchestrator/internal/scheduler/taskstate"
	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/storage"
	"batch-orchestrator/pkg/logging"
)

// DefaultInterval 默认巡检周期
const DefaultInterval = 60 * time.Second

// RetryGate 重试放行判定
//
// 工作流执行器实现：运行已终止或优先级组已推进时拒绝重试。
type RetryGate interface {
	ShouldRetry(task *model.Task) bool
}

// Supervisor 超时巡检器
type Supervisor struct {
	machine    *taskstate.Machine
	dispatcher *dispatch.Dispatcher
	jobs       storage.JobStore
	gate       RetryGate
	interval   time.Duration
	log        *logging.Logger

	mu      sync.Mutex
	retries []pendingRetry

	nowFn func() time.Time
}

type pendingRetry struct {
	task    *model.Task
	readyAt time.Time
}

// New 创建巡检器并向状态机注册重试监听
func New(machine *taskstate.Machine, dispatcher *dispatch.Dispatcher, jobs storage.JobStore, gate RetryGate, interval time.Duration, log *logging.Logger) *Supervisor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Supervisor{
		machine:    machine,
		dispatcher: dispatcher,
		jobs:       jobs,
		gate:       gate,
		interval:   interval,
		log:        log,
		nowFn:      time.Now,
	}
	machine.OnTerminal(s.onTerminal)
	return s
}

// onTerminal retry 终态入队，等待重试延迟
func (s *Supervisor) onTerminal(task *model.Task, willRetry bool) {
	if !willRetry {
		return
	}

	delay := time.Duration(0)
	if job, err := s.jobs.GetJob(context.Background(), task.JobID); err == nil {
		delay = job.RetryDelay
	}

	s.mu.Lock()
	s.retries = append(s.retries, pendingRetry{
		task:    task,
		readyAt: s.nowFn().Add(delay),
	})
	s.mu.Unlock()

	s.log.TaskLog("retry scheduled", task.JobID, task.ID,
		"attempt", task.Attempt, "delay_ms", delay.Milliseconds())
}

// Start 启动巡检循环，ctx 取消后返回
func (s *Supervisor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
				s.drainRetries(ctx)
			}
		}
	}()
}

// Sweep 巡检一次在途任务
func (s *Supervisor) Sweep(ctx context.Context) {
	now := s.nowFn()

	for _, task := range s.machine.Active() {
		maxDur := s.maxRunDuration(ctx, task.JobID)

		switch task.Status {
		case model.TaskStatusRunning:
			if task.StartTime != nil && now.Sub(*task.StartTime) > maxDur {
				s.forceTimeout(ctx, task, "exceeded max run duration")
			}
		case model.TaskStatusCreated:
			// 投递失败遗留：从创建时刻起算
			if now.Sub(task.CreatedAt) > maxDur {
				s.forceTimeout(ctx, task, "dispatch never completed")
			}
		}
	}
}

func (s *Supervisor) forceTimeout(ctx context.Context, task *model.Task, reason string) {
	if _, err := s.machine.ForceTimeout(ctx, task.ID, reason); err != nil {
		s.log.WithError(err).WithTaskID(task.ID).Warn("Failed to force timeout")
		return
	}
	s.log.TaskLog("forced timeout", task.JobID, task.ID, "reason", reason)
}

// drainRetries 投递所有到期的重试
func (s *Supervisor) drainRetries(ctx context.Context) {
	now := s.nowFn()

	s.mu.Lock()
	var due, rest []pendingRetry
	for _, r := range s.retries {
		if !r.readyAt.After(now) {
			due = append(due, r)
		} else {
			rest = append(rest, r)
		}
	}
	s.retries = rest
	s.mu.Unlock()

	for _, r := range due {
		s.dispatchRetry(ctx, r.task)
	}
}

func (s *Supervisor) dispatchRetry(ctx context.Context, task *model.Task) {
	// 所属工作流运行已终止或组已推进的重试直接丢弃
	if task.WorkflowRunID != "" && s.gate != nil && !s.gate.ShouldRetry(task) {
		s.log.TaskLog("retry dropped", task.JobID, task.ID,
			"run_id", task.WorkflowRunID, "reason", "run no longer accepts this job")
		return
	}

	if _, err := s.dispatcher.RetryTask(ctx, task); err != nil {
		s.log.WithError(err).WithTaskID(task.ID).Warn("Failed to dispatch retry attempt")
	}
}

// PendingRetries 待重试数量（监控与测试使用）
func (s *Supervisor) PendingRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retries)
}

func (s *Supervisor) maxRunDuration(ctx context.Context, jobID string) time.Duration {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil || job.MaxRunDuration <= 0 {
		return model.DefaultMaxRunDuration
	}
	return job.MaxRunDuration
}

// SetNowFunc 注入时钟（仅测试使用）
func (s *Supervisor) SetNowFunc(fn func() time.Time) {
	s.nowFn = fn
}
