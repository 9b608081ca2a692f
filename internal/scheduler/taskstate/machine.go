// Package taskstate 任务状态机
//
// 任务状态的唯一变更入口。所有状态转换在互斥锁下比较并交换：
// 只有 created 可以进入 running，只有 running 可以进入终态，
// 终态之后的任何变更请求都被丢弃并记录日志。重复回报、迟到回报
// 因此天然幂等。
//
// 失败/超时回报在此处做重试裁决：重试预算未用尽时本次尝试记为
// retry（对该尝试同样是终态），并通过监听器通知上层安排新尝试。
package taskstate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/storage"
	"batch-orchestrator/pkg/logging"
)

// TerminalListener 终态回调
//
// task 为终态快照副本；willRetry 为 true 表示该尝试记为 retry，
// 上层应安排新的尝试。回调在锁外调用。
type TerminalListener func(task *model.Task, willRetry bool)

// Machine 任务状态机
type Machine struct {
	mu    sync.Mutex
	tasks map[string]*model.Task

	store storage.TaskStore
	jobs  storage.JobStore
	log   *logging.Logger

	listeners []TerminalListener
}

// New 创建任务状态机
func New(store storage.TaskStore, jobs storage.JobStore, log *logging.Logger) *Machine {
	return &Machine{
		tasks: make(map[string]*model.Task),
		store: store,
		jobs:  jobs,
		log:   log,
	}
}

// OnTerminal 注册终态监听器（启动期调用，不支持运行期注销）
func (m *Machine) OnTerminal(fn TerminalListener) {
	m.listeners = append(m.listeners, fn)
}

// CreateParams 新建任务参数
type CreateParams struct {
	Job           *model.Job
	WorkflowRunID string
	GroupRank     int
	Attempt       int
	Manual        bool
}

// Create 新建一次执行尝试，初始状态 created
func (m *Machine) Create(ctx context.Context, p CreateParams) (*model.Task, error) {
	attempt := p.Attempt
	if attempt < 1 {
		attempt = 1
	}
	task := &model.Task{
		ID:            generateID("task"),
		JobID:         p.Job.ID,
		AgentID:       p.Job.AgentID,
		QueueName:     model.DeriveQueueName(p.Job.AgentID),
		WorkflowRunID: p.WorkflowRunID,
		GroupRank:     p.GroupRank,
		Status:        model.TaskStatusCreated,
		Attempt:       attempt,
		Manual:        p.Manual,
		CreatedAt:     time.Now(),
	}

	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()

	m.log.TaskLog("created", task.JobID, task.ID)
	return snapshot(task), nil
}

// MarkDispatched 投递成功后将任务置为 running
//
// 仅允许 created → running；其余状态下调用为无效转换。
func (m *Machine) MarkDispatched(ctx context.Context, taskID string, startTime time.Time) error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown task %s", taskID)
	}
	if task.Status != model.TaskStatusCreated {
		status := task.Status
		m.mu.Unlock()
		return fmt.Errorf("invalid transition %s -> running for task %s", status, taskID)
	}
	task.Status = model.TaskStatusRunning
	st := startTime
	task.StartTime = &st
	m.mu.Unlock()

	if err := m.store.MarkTaskRunning(ctx, taskID, startTime.UnixMilli()); err != nil {
		m.log.WithError(err).WithTaskID(taskID).Warn("Failed to persist running status")
	}
	return nil
}

// ConfirmStart 执行节点回报 running：补记实际启动时间，不改变状态
func (m *Machine) ConfirmStart(taskID string, startTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok || task.Status != model.TaskStatusRunning {
		return
	}
	st := startTime
	task.StartTime = &st
}

// Report 终态回报
type Report struct {
	Status model.TaskStatus
	Output string
	Error  string

	// StartTime / EndTime epoch-ms，零值时由状态机补齐
	StartTime int64
	EndTime   int64
}

// ApplyResult 应用终态回报
//
// 仅 running 状态的任务接受回报；重复或迟到的回报丢弃并记录日志。
// 失败/超时回报在重试预算未用尽时记为 retry。
// 返回终态快照；回报被丢弃时返回 nil, nil。
func (m *Machine) ApplyResult(ctx context.Context, taskID string, report Report) (*model.Task, error) {
	if !report.Status.IsTerminal() {
		return nil, fmt.Errorf("non-terminal status %q in result for task %s", report.Status, taskID)
	}
	return m.applyTerminal(ctx, taskID, report, model.TaskStatusRunning)
}

// ForceTimeout 超时巡检强制终止
//
// 同时接受 running（投递后失联）和 created（投递失败遗留）两种来源，
// 与正常回报走同一套重试裁决。
func (m *Machine) ForceTimeout(ctx context.Context, taskID string, reason string) (*model.Task, error) {
	report := Report{
		Status:  model.TaskStatusTimeout,
		Error:   reason,
		EndTime: time.Now().UnixMilli(),
	}
	return m.applyTerminal(ctx, taskID, report, model.TaskStatusRunning, model.TaskStatusCreated)
}

// applyTerminal 终态转换核心：锁内比较并交换，锁外通知监听器
func (m *Machine) applyTerminal(ctx context.Context, taskID string, report Report, from ...model.TaskStatus) (*model.Task, error) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		m.log.WithTaskID(taskID).Warn("Dropping result for unknown task",
			"status", string(report.Status))
		return nil, nil
	}
	if !statusIn(task.Status, from) {
		prev := task.Status
		m.mu.Unlock()
		m.log.WithTaskID(taskID).Warn("Dropping result for task not in accepting state",
			"current", string(prev), "reported", string(report.Status))
		return nil, nil
	}

	status := report.Status
	willRetry := false
	if status == model.TaskStatusFailed || status == model.TaskStatusTimeout {
		job := m.lookupJob(ctx, task.JobID)
		if job != nil && job.RetryBudgetLeft(task.Attempt) && !job.PastFailureThreshold() {
			status = model.TaskStatusRetry
			willRetry = true
		}
	}

	task.Status = status
	task.Output = report.Output
	task.Error = report.Error
	if report.StartTime > 0 {
		st := time.UnixMilli(report.StartTime)
		task.StartTime = &st
	}
	endMs := report.EndTime
	if endMs == 0 {
		endMs = time.Now().UnixMilli()
	}
	et := time.UnixMilli(endMs)
	task.EndTime = &et
	if task.StartTime != nil {
		task.DurationMs = endMs - task.StartTime.UnixMilli()
		if task.DurationMs < 0 {
			task.DurationMs = 0
		}
	}
	result := snapshot(task)
	delete(m.tasks, taskID)
	m.mu.Unlock()

	if err := m.store.SaveTaskTerminal(ctx, result); err != nil {
		m.log.WithError(err).WithTaskID(taskID).Error("Failed to persist terminal task")
	}

	m.log.TaskLog("terminal", result.JobID, result.ID,
		"status", string(result.Status), "attempt", result.Attempt, "will_retry", willRetry)

	for _, fn := range m.listeners {
		fn(snapshot(result), willRetry)
	}
	return result, nil
}

// RecordSkipped 直接记录跳过（作业被禁用等，不经过 created/running）
func (m *Machine) RecordSkipped(ctx context.Context, p CreateParams, reason string) (*model.Task, error) {
	now := time.Now()
	task := &model.Task{
		ID:            generateID("task"),
		JobID:         p.Job.ID,
		AgentID:       p.Job.AgentID,
		QueueName:     model.DeriveQueueName(p.Job.AgentID),
		WorkflowRunID: p.WorkflowRunID,
		GroupRank:     p.GroupRank,
		Status:        model.TaskStatusSkipped,
		Attempt:       1,
		Manual:        p.Manual,
		CreatedAt:     now,
		EndTime:       &now,
		Error:         reason,
	}

	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to persist skipped task: %w", err)
	}

	m.log.TaskLog("skipped", task.JobID, task.ID, "reason", reason)

	for _, fn := range m.listeners {
		fn(snapshot(task), false)
	}
	return snapshot(task), nil
}

// Get 获取在途任务快照
func (m *Machine) Get(taskID string) (*model.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, false
	}
	return snapshot(task), true
}

// Active 在途任务（created + running）快照，供超时巡检使用
func (m *Machine) Active() []*model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*model.Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		out = append(out, snapshot(task))
	}
	return out
}

func (m *Machine) lookupJob(ctx context.Context, jobID string) *model.Job {
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		m.log.WithError(err).WithJobID(jobID).Warn("Failed to load job for retry decision")
		return nil
	}
	return job
}

func statusIn(s model.TaskStatus, set []model.TaskStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func snapshot(t *model.Task) *model.Task {
	c := *t
	return &c
}

// generateID 生成带前缀的随机标识，如 task-a1b2c3d4e5f6
func generateID(prefix string) string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(b))
}
