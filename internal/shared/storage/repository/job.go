// Package repository Job 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/storage"
)

const jobColumns = `id, name, type, action, method, body, headers, start_time, repeat_interval, timezone, enabled,
	max_run_duration_ms, retry_count, retry_delay_ms, max_consecutive_failures, priority,
	agent_id, workflow_id, state, run_count, failure_count, last_start, created_at, updated_at`

// CreateJob 创建作业定义
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.State == "" {
		job.State = model.JobStateScheduled
	}

	query := s.rebind(`
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`)
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Name, string(job.Type), job.Action, job.Method, job.Body, job.Headers,
		toMillis(job.StartTime), job.RepeatInterval, job.Timezone, job.Enabled,
		job.MaxRunDuration.Milliseconds(), job.RetryCount, job.RetryDelay.Milliseconds(),
		job.MaxConsecutiveFailures, job.Priority,
		job.AgentID, job.WorkflowID, string(job.State), job.RunCount, job.FailureCount,
		toMillis(job.LastStart), millis(job.CreatedAt), millis(job.UpdatedAt))
	return err
}

// GetJob 获取作业定义
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	query := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`)
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return job, err
}

// ListJobs 列出作业定义，state 为空时不过滤
func (s *Store) ListJobs(ctx context.Context, state model.JobState, limit, offset int) ([]*model.Job, error) {
	var query string
	var args []interface{}

	if state != "" {
		query = s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE state = $1 ORDER BY id LIMIT $2 OFFSET $3`)
		args = []interface{}{string(state), limit, offset}
	} else {
		query = s.rebind(`SELECT ` + jobColumns + ` FROM jobs ORDER BY id LIMIT $1 OFFSET $2`)
		args = []interface{}{limit, offset}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobState 更新作业定义级状态
func (s *Store) UpdateJobState(ctx context.Context, id string, state model.JobState) error {
	query := s.rebind(`UPDATE jobs SET state = $1, updated_at = $2 WHERE id = $3`)
	res, err := s.db.ExecContext(ctx, query, string(state), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateJobRunStats 更新运行统计
func (s *Store) UpdateJobRunStats(ctx context.Context, id string, lastStart int64, runCount, failureCount int) error {
	query := s.rebind(`UPDATE jobs SET last_start = $1, run_count = $2, failure_count = $3, updated_at = $4 WHERE id = $5`)
	res, err := s.db.ExecContext(ctx, query, lastStart, runCount, failureCount, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// scanJob 从数据库行扫描 Job
func scanJob(scanner interface{ Scan(dest ...interface{}) error }) (*model.Job, error) {
	job := &model.Job{}
	var jobType, state string
	var startTime, lastStart sql.NullInt64
	var maxRunMs, retryDelayMs, createdAt, updatedAt int64

	err := scanner.Scan(
		&job.ID, &job.Name, &jobType, &job.Action, &job.Method, &job.Body, &job.Headers,
		&startTime, &job.RepeatInterval, &job.Timezone, &job.Enabled,
		&maxRunMs, &job.RetryCount, &retryDelayMs, &job.MaxConsecutiveFailures, &job.Priority,
		&job.AgentID, &job.WorkflowID, &state, &job.RunCount, &job.FailureCount,
		&lastStart, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	job.Type = model.JobType(jobType)
	job.State = model.JobState(state)
	job.StartTime = fromMillis(startTime)
	job.LastStart = fromMillis(lastStart)
	job.MaxRunDuration = time.Duration(maxRunMs) * time.Millisecond
	job.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	return job, nil
}
