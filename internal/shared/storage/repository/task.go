// Package repository Task 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/storage"
)

const taskColumns = `id, job_id, agent_id, queue_name, workflow_run_id, group_rank, status, attempt, manual,
	created_at, start_time, end_time, duration_ms, error, output`

// CreateTask 插入新建任务记录
func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.Status == "" {
		task.Status = model.TaskStatusCreated
	}
	if task.Attempt == 0 {
		task.Attempt = 1
	}

	query := s.rebind(`
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`)
	_, err := s.db.ExecContext(ctx, query,
		task.ID, task.JobID, task.AgentID, task.QueueName, task.WorkflowRunID,
		task.GroupRank, string(task.Status), task.Attempt, task.Manual,
		millis(task.CreatedAt), toMillis(task.StartTime), toMillis(task.EndTime),
		task.DurationMs, task.Error, task.Output)
	return err
}

// GetTask 获取任务记录
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`)
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return task, err
}

// SaveTaskTerminal 持久化终态任务（状态、时间、错误、输出）
func (s *Store) SaveTaskTerminal(ctx context.Context, task *model.Task) error {
	query := s.rebind(`
		UPDATE tasks
		SET status = $1, start_time = $2, end_time = $3, duration_ms = $4, error = $5, output = $6
		WHERE id = $7
	`)
	res, err := s.db.ExecContext(ctx, query,
		string(task.Status), toMillis(task.StartTime), toMillis(task.EndTime),
		task.DurationMs, task.Error, task.Output, task.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkTaskRunning 记录任务开始执行
func (s *Store) MarkTaskRunning(ctx context.Context, id string, startTime int64) error {
	query := s.rebind(`UPDATE tasks SET status = $1, start_time = $2 WHERE id = $3`)
	res, err := s.db.ExecContext(ctx, query, string(model.TaskStatusRunning), startTime, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListTasksByJob 列出作业的执行历史，按创建时间倒序
func (s *Store) ListTasksByJob(ctx context.Context, jobID string, limit, offset int) ([]*model.Task, error) {
	query := s.rebind(`
		SELECT ` + taskColumns + ` FROM tasks
		WHERE job_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`)
	return s.queryTasks(ctx, query, jobID, limit, offset)
}

// ListTasksByRun 列出工作流运行产生的全部任务
func (s *Store) ListTasksByRun(ctx context.Context, runID string) ([]*model.Task, error) {
	query := s.rebind(`
		SELECT ` + taskColumns + ` FROM tasks
		WHERE workflow_run_id = $1 ORDER BY group_rank, created_at
	`)
	return s.queryTasks(ctx, query, runID)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(scanner interface{ Scan(dest ...interface{}) error }) (*model.Task, error) {
	task := &model.Task{}
	var status string
	var createdAt int64
	var startTime, endTime sql.NullInt64

	err := scanner.Scan(&task.ID, &task.JobID, &task.AgentID, &task.QueueName, &task.WorkflowRunID,
		&task.GroupRank, &status, &task.Attempt, &task.Manual,
		&createdAt, &startTime, &endTime, &task.DurationMs, &task.Error, &task.Output)
	if err != nil {
		return nil, err
	}

	task.Status = model.TaskStatus(status)
	task.CreatedAt = time.UnixMilli(createdAt)
	task.StartTime = fromMillis(startTime)
	task.EndTime = fromMillis(endTime)
	return task, nil
}
