// Package workflow 工作流执行引擎
//
// 按优先级组串行推进一次工作流运行：组序号小的先执行，组内作业
// 并发投递。组内所有作业到达终态后才判定组的成败——失败的组
// 中止运行（ignoreResult 组除外），成功的组推进到下一组。
//
// 组成员关系在投递时固定：记为 retry 的作业保持在途，新尝试仍
// 计入原组；组因此不会在重试等待期间推进。
package workflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"batch-orchestrator/internal/scheduler/dispatch"
	"batch-orchestrator/internal/scheduler/taskstate"
	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/storage"
	"batch-orchestrator/pkg/logging"
)

// Executor 工作流执行器
type Executor struct {
	machine    *taskstate.Machine
	dispatcher *dispatch.Dispatcher
	store      storage.PersistentStore
	log        *logging.Logger

	mu   sync.Mutex
	runs map[string]*runState

	finishListeners []func(*model.WorkflowRun)
}

// runState 一次运行的在途状态
type runState struct {
	run      *model.WorkflowRun
	workflow *model.Workflow

	// activeIdx 当前激活组在 Groups 中的下标
	activeIdx int

	// pending 当前组内尚未到达最终结果的作业
	pending map[string]bool

	// groupFailed 当前组出现了不可忽略的失败
	groupFailed bool

	// firstError 首个不可忽略失败的描述
	firstError string
}

// NewExecutor 创建工作流执行器并向状态机注册终态监听
func NewExecutor(machine *taskstate.Machine, dispatcher *dispatch.Dispatcher, store storage.PersistentStore, log *logging.Logger) *Executor {
	e := &Executor{
		machine:    machine,
		dispatcher: dispatcher,
		store:      store,
		log:        log,
		runs:       make(map[string]*runState),
	}
	machine.OnTerminal(e.onTaskTerminal)
	return e
}

// StartRun 启动一次工作流运行
func (e *Executor) StartRun(ctx context.Context, workflowID string, manual bool) (*model.WorkflowRun, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}
	if !wf.Enabled {
		return nil, fmt.Errorf("workflow %s is disabled", workflowID)
	}

	run := &model.WorkflowRun{
		ID:           generateID("run"),
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		Status:       model.RunStatusRunning,
		TotalJobs:    wf.TotalJobs(),
		StartTime:    time.Now(),
	}

	// 空工作流直接成功
	if len(wf.Groups) == 0 || run.TotalJobs == 0 {
		run.Status = model.RunStatusSuccess
		now := time.Now()
		run.EndTime = &now
		if err := e.store.CreateWorkflowRun(ctx, run); err != nil {
			return nil, fmt.Errorf("failed to persist workflow run: %w", err)
		}
		return run, nil
	}

	if err := e.store.CreateWorkflowRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist workflow run: %w", err)
	}

	// 后续组的作业标记为等待状态
	for _, g := range wf.Groups {
		for _, jobID := range g.JobIDs {
			if err := e.store.UpdateJobState(ctx, jobID, model.JobStateWaiting); err != nil {
				e.log.WithError(err).WithJobID(jobID).Warn("Failed to mark job waiting")
			}
		}
	}

	rs := &runState{
		run:      run,
		workflow: wf,
		pending:  make(map[string]bool),
	}
	// 首个非空组才能开工；TotalJobs > 0 保证存在
	rs.activeIdx = nextRunnableGroup(wf.Groups, -1)
	first := wf.Groups[rs.activeIdx]
	for _, jobID := range first.JobIDs {
		rs.pending[jobID] = true
	}

	e.mu.Lock()
	e.runs[run.ID] = rs
	e.mu.Unlock()

	e.log.WithRunID(run.ID).Info("Workflow run started",
		"workflow_id", wf.ID, "total_jobs", run.TotalJobs, "groups", len(wf.Groups))

	e.dispatchGroup(ctx, run.ID, first.Rank, first.JobIDs, manual)
	return run, nil
}

// dispatchGroup 并发投递组内作业（锁外执行，终态回调可能同步到达）
func (e *Executor) dispatchGroup(ctx context.Context, runID string, rank int, jobIDs []string, manual bool) {
	for _, jobID := range jobIDs {
		if _, err := e.dispatcher.RunJob(ctx, jobID, dispatch.RunParams{
			WorkflowRunID: runID,
			GroupRank:     rank,
			Manual:        manual,
		}); err != nil {
			// 任务停留在 created，超时巡检会将其转为终态，组不会卡死
			e.log.WithError(err).WithRunID(runID).WithJobID(jobID).
				Warn("Failed to dispatch workflow job")
		}
	}
}

// onTaskTerminal 任务终态回调：更新计数、推进组、判定运行终态
func (e *Executor) onTaskTerminal(task *model.Task, willRetry bool) {
	if task.WorkflowRunID == "" {
		return
	}
	ctx := context.Background()

	e.mu.Lock()
	rs, ok := e.runs[task.WorkflowRunID]
	if !ok {
		e.mu.Unlock()
		e.log.WithTaskID(task.ID).Warn("Dropping terminal event for unknown workflow run",
			"run_id", task.WorkflowRunID)
		return
	}

	group := rs.workflow.Groups[rs.activeIdx]
	if task.GroupRank != group.Rank || !rs.pending[task.JobID] {
		e.mu.Unlock()
		e.log.WithRunID(task.WorkflowRunID).WithTaskID(task.ID).
			Warn("Dropping straggler terminal event",
				"task_rank", task.GroupRank, "active_rank", group.Rank)
		return
	}

	// retry：作业保持在途，组等待新尝试的结果
	if willRetry {
		e.mu.Unlock()
		return
	}

	delete(rs.pending, task.JobID)
	if task.Status.IsSuccessful() {
		rs.run.CompletedJobs++
	} else {
		rs.run.FailedJobs++
		if !group.IgnoreResult {
			rs.groupFailed = true
			if rs.firstError == "" {
				rs.firstError = fmt.Sprintf("group %d: job %s ended %s: %s",
					group.Rank, task.JobID, task.Status, task.Error)
			}
		}
	}

	var nextRank int
	var nextJobs []string
	finished := false

	if len(rs.pending) == 0 {
		switch next := nextRunnableGroup(rs.workflow.Groups, rs.activeIdx); {
		case rs.groupFailed:
			e.finalize(rs, model.RunStatusFailed, rs.firstError)
			finished = true
		case next >= 0:
			rs.activeIdx = next
			g := rs.workflow.Groups[next]
			for _, jobID := range g.JobIDs {
				rs.pending[jobID] = true
			}
			nextRank = g.Rank
			nextJobs = g.JobIDs
		default:
			e.finalize(rs, model.RunStatusSuccess, "")
			finished = true
		}
	}

	progress := *rs.run
	runID := rs.run.ID
	if finished {
		delete(e.runs, runID)
	}
	e.mu.Unlock()

	if err := e.store.SaveWorkflowRunProgress(ctx, &progress); err != nil {
		e.log.WithError(err).WithRunID(runID).Warn("Failed to persist run progress")
	}
	if finished {
		e.log.WithRunID(runID).Info("Workflow run finished",
			"status", string(progress.Status),
			"completed", progress.CompletedJobs, "failed", progress.FailedJobs)
		for _, fn := range e.finishListeners {
			fn(&progress)
		}
	}
	if len(nextJobs) > 0 {
		e.log.WithRunID(runID).Info("Advancing to next priority group", "rank", nextRank)
		e.dispatchGroup(ctx, runID, nextRank, nextJobs, false)
	}
}

// finalize 锁内调用：置终态并记录结束时间
func (e *Executor) finalize(rs *runState, status model.RunStatus, errMsg string) {
	rs.run.Status = status
	rs.run.Error = errMsg
	now := time.Now()
	rs.run.EndTime = &now
	rs.run.DurationMs = now.Sub(rs.run.StartTime).Milliseconds()
}

// OnRunFinished 注册运行终态监听器（启动期调用）
func (e *Executor) OnRunFinished(fn func(*model.WorkflowRun)) {
	e.finishListeners = append(e.finishListeners, fn)
}

// ShouldRetry 重试放行判定
//
// 仅当运行仍在途、任务所在组仍是激活组、且该作业仍在组内挂起时放行。
func (e *Executor) ShouldRetry(task *model.Task) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs, ok := e.runs[task.WorkflowRunID]
	if !ok || rs.run.Status.IsTerminal() {
		return false
	}
	group := rs.workflow.Groups[rs.activeIdx]
	return task.GroupRank == group.Rank && rs.pending[task.JobID]
}

// GetRun 查询运行进度：优先内存在途状态，其次持久化记录
func (e *Executor) GetRun(ctx context.Context, runID string) (*model.WorkflowRun, error) {
	e.mu.Lock()
	if rs, ok := e.runs[runID]; ok {
		run := *rs.run
		e.mu.Unlock()
		return &run, nil
	}
	e.mu.Unlock()
	return e.store.GetWorkflowRun(ctx, runID)
}

// ActiveRuns 在途运行数量（监控使用）
func (e *Executor) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// nextRunnableGroup 返回 from 之后第一个含作业的组下标，没有则返回 -1
//
// 空组不产生任何任务，也就永远等不到终态回调；跳过它们，
// 运行才不会在空组上停滞。
func nextRunnableGroup(groups []model.PriorityGroup, from int) int {
	for i := from + 1; i < len(groups); i++ {
		if len(groups[i].JobIDs) > 0 {
			return i
		}
	}
	return -1
}

// generateID 生成带前缀的随机标识，如 run-a1b2c3d4e5f6
func generateID(prefix string) string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(b))
}
