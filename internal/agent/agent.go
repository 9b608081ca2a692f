// Package agent 执行节点
//
// 节点启动后做三件事：
//  1. 周期性写入带 TTL 的心跳键（存活通告）
//  2. 订阅自己队列的投递消息，提交到固定大小的 worker 池执行
//  3. 通过共享结果通道回报执行开始与终态结果
//
// worker 池满时立即回报失败，让调度端走重试，而不是在节点侧排长队。
package agent

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"batch-orchestrator/internal/shared/liveness"
	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/msgbus"
	"batch-orchestrator/pkg/logging"
)

// Config 节点配置
type Config struct {
	// ID 节点标识，队列名由此派生
	ID string

	// Capacity worker 池大小（并发执行上限）
	Capacity int

	// HeartbeatInterval 心跳写入周期
	HeartbeatInterval time.Duration

	// HeartbeatTTL 心跳键 TTL，应显著大于写入周期
	HeartbeatTTL time.Duration
}

// 心跳默认值：TTL 为写入周期的三倍，容忍两次丢失
const (
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultHeartbeatTTL      = 60 * time.Second
	DefaultCapacity          = 4
)

// Agent 执行节点
type Agent struct {
	cfg       Config
	queueName string
	bus       msgbus.Channel
	tracker   liveness.Tracker
	pool      *workerPool
	executors map[string]Executor
	log       *logging.Logger
}

// New 创建执行节点
func New(cfg Config, bus msgbus.Channel, tracker liveness.Tracker, log *logging.Logger) (*Agent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = DefaultHeartbeatTTL
	}

	return &Agent{
		cfg:       cfg,
		queueName: model.DeriveQueueName(cfg.ID),
		bus:       bus,
		tracker:   tracker,
		pool:      newWorkerPool(cfg.Capacity),
		executors: map[string]Executor{
			string(model.JobTypeRestAPI):    NewRestExecutor(),
			string(model.JobTypeExecutable): NewCommandExecutor(),
		},
		log: log,
	}, nil
}

// QueueName 节点订阅的队列名
func (a *Agent) QueueName() string {
	return a.queueName
}

// Start 启动节点，阻塞直到 ctx 取消
func (a *Agent) Start(ctx context.Context) error {
	a.pool.start(ctx)
	a.startHeartbeat(ctx)

	messages, err := a.bus.SubscribeDispatch(ctx, a.queueName)
	if err != nil {
		return fmt.Errorf("failed to subscribe dispatch channel: %w", err)
	}

	a.log.Info("Agent started",
		"agent_id", a.cfg.ID, "queue", a.queueName, "capacity", a.cfg.Capacity)

	for msg := range messages {
		a.handleDispatch(ctx, msg)
	}
	return ctx.Err()
}

// startHeartbeat 心跳通告循环：先立即写一次，再按周期刷新
func (a *Agent) startHeartbeat(ctx context.Context) {
	beat := func() {
		info := &model.AgentInfo{
			ServerID:  a.cfg.ID,
			QueueName: a.queueName,
			Status:    model.AgentStatusOnline,
		}
		err := a.tracker.Heartbeat(ctx, a.queueName, info, a.cfg.HeartbeatTTL)
		a.log.HeartbeatLog(a.queueName, model.AgentStatusOnline, err)
	}

	beat()
	go func() {
		ticker := time.NewTicker(a.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				beat()
			}
		}
	}()
}

// handleDispatch 处理一条投递消息
func (a *Agent) handleDispatch(ctx context.Context, msg *msgbus.DispatchMessage) {
	executor, ok := a.executors[msg.Type]
	if !ok {
		a.log.Warn("Rejecting dispatch with unknown job type",
			"task_id", msg.TaskID, "type", msg.Type)
		a.report(ctx, msg, &Result{
			Status: model.TaskStatusFailed,
			Error:  fmt.Sprintf("unsupported job type %q", msg.Type),
		}, 0, time.Now().UnixMilli())
		return
	}

	startTime := time.Now().UnixMilli()

	// 先确认执行开始，再提交执行
	a.reportRunning(ctx, msg, startTime)

	submitted := a.pool.submit(func() {
		result := a.execute(ctx, executor, msg)
		a.report(ctx, msg, result, startTime, time.Now().UnixMilli())
	})
	if !submitted {
		a.log.Warn("Worker pool saturated, rejecting task",
			"task_id", msg.TaskID, "capacity", a.cfg.Capacity)
		a.report(ctx, msg, &Result{
			Status: model.TaskStatusFailed,
			Error:  "worker queue full",
		}, startTime, time.Now().UnixMilli())
	}
}

// execute 带时长上限运行执行器
func (a *Agent) execute(ctx context.Context, executor Executor, msg *msgbus.DispatchMessage) *Result {
	maxDuration := time.Duration(msg.MaxDurationMs) * time.Millisecond
	if maxDuration <= 0 {
		maxDuration = model.DefaultMaxRunDuration
	}
	execCtx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	a.log.TaskLog("executing", msg.JobID, msg.TaskID,
		"type", msg.Type, "attempt", msg.Attempt)
	return executor.Execute(execCtx, msg)
}

// reportRunning 回报执行开始
func (a *Agent) reportRunning(ctx context.Context, msg *msgbus.DispatchMessage, startTime int64) {
	result := &msgbus.ResultMessage{
		JobID:     msg.JobID,
		TaskID:    msg.TaskID,
		Status:    string(model.TaskStatusRunning),
		StartTime: startTime,
		Attempt:   msg.Attempt,
		QueueName: a.queueName,
	}
	if err := a.bus.PublishResult(ctx, result); err != nil {
		a.log.WithError(err).Warn("Failed to report running status", "task_id", msg.TaskID)
	}
}

// report 回报终态结果
func (a *Agent) report(ctx context.Context, msg *msgbus.DispatchMessage, result *Result, startTime, endTime int64) {
	out := &msgbus.ResultMessage{
		JobID:     msg.JobID,
		TaskID:    msg.TaskID,
		Status:    string(result.Status),
		Output:    truncate(result.Output),
		Error:     truncate(result.Error),
		ErrorCode: result.ErrorCode,
		StartTime: startTime,
		EndTime:   endTime,
		Attempt:   msg.Attempt,
		QueueName: a.queueName,
	}
	if err := a.bus.PublishResult(ctx, out); err != nil {
		a.log.WithError(err).Error("Failed to report task result",
			"task_id", msg.TaskID, "status", string(result.Status))
	}
}

// maxOutputLen 结果消息中输出与错误的最大字节数
const maxOutputLen = 2000

// truncate 按字节截断，并退回到 rune 边界，保证结果仍是合法 UTF-8
func truncate(s string) string {
	if len(s) <= maxOutputLen {
		return s
	}
	cut := maxOutputLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
