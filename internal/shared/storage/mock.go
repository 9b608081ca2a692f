// Package storage 提供存储层抽象
//
// mock.go 提供用于测试的内存实现
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"batch-orchestrator/internal/shared/model"
)

// ============================================================================
// MemStore - 内存版 PersistentStore 实现（用于测试）
// ============================================================================

// MemStore 内存存储
//
// 持有各聚合的深拷贝，读写都复制，避免测试代码与被测组件共享可变引用。
type MemStore struct {
	mu        sync.RWMutex
	jobs      map[string]*model.Job
	workflows map[string]*model.Workflow
	runs      map[string]*model.WorkflowRun
	tasks     map[string]*model.Task
	agents    map[string]*model.Agent
}

// NewMemStore 创建内存存储实例
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:      make(map[string]*model.Job),
		workflows: make(map[string]*model.Workflow),
		runs:      make(map[string]*model.WorkflowRun),
		tasks:     make(map[string]*model.Task),
		agents:    make(map[string]*model.Agent),
	}
}

var _ PersistentStore = (*MemStore)(nil)

// Close 关闭存储
func (s *MemStore) Close() error { return nil }

// ============================================================================
// JobStore
// ============================================================================

func (s *MemStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicate
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemStore) ListJobs(ctx context.Context, state model.JobState, limit, offset int) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Job
	for _, job := range s.jobs {
		if state != "" && job.State != state {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, limit, offset), nil
}

func (s *MemStore) UpdateJobState(ctx context.Context, id string, state model.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.State = state
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) UpdateJobRunStats(ctx context.Context, id string, lastStart int64, runCount, failureCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	t := time.UnixMilli(lastStart)
	job.LastStart = &t
	job.RunCount = runCount
	job.FailureCount = failureCount
	job.UpdatedAt = time.Now()
	return nil
}

// ============================================================================
// WorkflowStore
// ============================================================================

func (s *MemStore) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; ok {
		return ErrDuplicate
	}
	cp := *wf
	cp.Groups = append([]model.PriorityGroup(nil), wf.Groups...)
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *wf
	cp.Groups = append([]model.PriorityGroup(nil), wf.Groups...)
	sort.Slice(cp.Groups, func(i, j int) bool { return cp.Groups[i].Rank < cp.Groups[j].Rank })
	return &cp, nil
}

func (s *MemStore) CreateWorkflowRun(ctx context.Context, run *model.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return ErrDuplicate
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemStore) GetWorkflowRun(ctx context.Context, id string) (*model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemStore) SaveWorkflowRunProgress(ctx context.Context, run *model.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrNotFound
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemStore) ListWorkflowRuns(ctx context.Context, workflowID string, limit, offset int) ([]*model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.WorkflowRun
	for _, run := range s.runs {
		if workflowID != "" && run.WorkflowID != workflowID {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return paginate(out, limit, offset), nil
}

// ============================================================================
// TaskStore
// ============================================================================

func (s *MemStore) CreateTask(ctx context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return ErrDuplicate
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *MemStore) SaveTaskTerminal(ctx context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemStore) MarkTaskRunning(ctx context.Context, id string, startTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t := time.UnixMilli(startTime)
	task.Status = model.TaskStatusRunning
	task.StartTime = &t
	return nil
}

func (s *MemStore) ListTasksByJob(ctx context.Context, jobID string, limit, offset int) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Task
	for _, task := range s.tasks {
		if task.JobID != jobID {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

func (s *MemStore) ListTasksByRun(ctx context.Context, runID string) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Task
	for _, task := range s.tasks {
		if task.WorkflowRunID != runID {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ============================================================================
// AgentStore
// ============================================================================

func (s *MemStore) CreateAgent(ctx context.Context, agent *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent.ID]; ok {
		return ErrDuplicate
	}
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

func (s *MemStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Agent
	for _, agent := range s.agents {
		cp := *agent
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// paginate 分页辅助
func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
