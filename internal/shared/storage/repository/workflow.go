// Package repository Workflow 相关的存储操作
//
// 工作流定义跨三张表：workflows、workflow_groups、workflow_group_jobs。
// 加载时组按 rank 升序组装，组内作业顺序无语义。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/storage"
)

// CreateWorkflow 创建工作流定义（含优先级组），在单事务内完成
func (s *Store) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	now := time.Now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := s.rebind(`
		INSERT INTO workflows (id, name, enabled, repeat_interval, timezone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if _, err := tx.ExecContext(ctx, query,
		wf.ID, wf.Name, wf.Enabled, wf.RepeatInterval, wf.Timezone,
		millis(wf.CreatedAt), millis(wf.UpdatedAt)); err != nil {
		return err
	}

	groupQuery := s.rebind(`
		INSERT INTO workflow_groups (workflow_id, rank, ignore_result) VALUES ($1, $2, $3)
	`)
	jobQuery := s.rebind(`
		INSERT INTO workflow_group_jobs (workflow_id, rank, job_id) VALUES ($1, $2, $3)
	`)
	for _, g := range wf.Groups {
		if _, err := tx.ExecContext(ctx, groupQuery, wf.ID, g.Rank, g.IgnoreResult); err != nil {
			return err
		}
		for _, jobID := range g.JobIDs {
			if _, err := tx.ExecContext(ctx, jobQuery, wf.ID, g.Rank, jobID); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// GetWorkflow 加载工作流定义及其优先级组（组按 rank 升序）
func (s *Store) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	query := s.rebind(`
		SELECT id, name, enabled, repeat_interval, timezone, created_at, updated_at
		FROM workflows WHERE id = $1
	`)
	wf := &model.Workflow{}
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&wf.ID, &wf.Name, &wf.Enabled, &wf.RepeatInterval, &wf.Timezone, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	wf.CreatedAt = time.UnixMilli(createdAt)
	wf.UpdatedAt = time.UnixMilli(updatedAt)

	groups, err := s.loadGroups(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Groups = groups
	return wf, nil
}

// loadGroups 加载优先级组及组内作业，按 rank 升序
func (s *Store) loadGroups(ctx context.Context, workflowID string) ([]model.PriorityGroup, error) {
	groupQuery := s.rebind(`
		SELECT rank, ignore_result FROM workflow_groups WHERE workflow_id = $1 ORDER BY rank
	`)
	rows, err := s.db.QueryContext(ctx, groupQuery, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []model.PriorityGroup
	for rows.Next() {
		var g model.PriorityGroup
		if err := rows.Scan(&g.Rank, &g.IgnoreResult); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobQuery := s.rebind(`
		SELECT rank, job_id FROM workflow_group_jobs WHERE workflow_id = $1 ORDER BY rank, job_id
	`)
	jobRows, err := s.db.QueryContext(ctx, jobQuery, workflowID)
	if err != nil {
		return nil, err
	}
	defer jobRows.Close()

	byRank := make(map[int][]string)
	for jobRows.Next() {
		var rank int
		var jobID string
		if err := jobRows.Scan(&rank, &jobID); err != nil {
			return nil, err
		}
		byRank[rank] = append(byRank[rank], jobID)
	}
	if err := jobRows.Err(); err != nil {
		return nil, err
	}

	for i := range groups {
		groups[i].JobIDs = byRank[groups[i].Rank]
	}
	return groups, nil
}

// ============================================================================
// WorkflowRun
// ============================================================================

const runColumns = `id, workflow_id, workflow_name, status, total_jobs, completed_jobs, failed_jobs,
	start_time, end_time, duration_ms, error`

// CreateWorkflowRun 创建工作流运行记录
func (s *Store) CreateWorkflowRun(ctx context.Context, run *model.WorkflowRun) error {
	if run.StartTime.IsZero() {
		run.StartTime = time.Now()
	}
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}

	query := s.rebind(`
		INSERT INTO workflow_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.WorkflowID, run.WorkflowName, string(run.Status),
		run.TotalJobs, run.CompletedJobs, run.FailedJobs,
		millis(run.StartTime), toMillis(run.EndTime), run.DurationMs, run.Error)
	return err
}

// GetWorkflowRun 获取工作流运行记录
func (s *Store) GetWorkflowRun(ctx context.Context, id string) (*model.WorkflowRun, error) {
	query := s.rebind(`SELECT ` + runColumns + ` FROM workflow_runs WHERE id = $1`)
	run, err := scanWorkflowRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return run, err
}

// SaveWorkflowRunProgress 持久化运行进度（状态、聚合计数、错误）
func (s *Store) SaveWorkflowRunProgress(ctx context.Context, run *model.WorkflowRun) error {
	query := s.rebind(`
		UPDATE workflow_runs
		SET status = $1, completed_jobs = $2, failed_jobs = $3, end_time = $4, duration_ms = $5, error = $6
		WHERE id = $7
	`)
	res, err := s.db.ExecContext(ctx, query,
		string(run.Status), run.CompletedJobs, run.FailedJobs,
		toMillis(run.EndTime), run.DurationMs, run.Error, run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListWorkflowRuns 列出工作流的运行历史，按启动时间倒序
func (s *Store) ListWorkflowRuns(ctx context.Context, workflowID string, limit, offset int) ([]*model.WorkflowRun, error) {
	query := s.rebind(`
		SELECT ` + runColumns + ` FROM workflow_runs
		WHERE workflow_id = $1 ORDER BY start_time DESC LIMIT $2 OFFSET $3
	`)
	rows, err := s.db.QueryContext(ctx, query, workflowID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.WorkflowRun
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanWorkflowRun(scanner interface{ Scan(dest ...interface{}) error }) (*model.WorkflowRun, error) {
	run := &model.WorkflowRun{}
	var status string
	var startTime int64
	var endTime sql.NullInt64

	err := scanner.Scan(&run.ID, &run.WorkflowID, &run.WorkflowName, &status,
		&run.TotalJobs, &run.CompletedJobs, &run.FailedJobs,
		&startTime, &endTime, &run.DurationMs, &run.Error)
	if err != nil {
		return nil, err
	}

	run.Status = model.RunStatus(status)
	run.StartTime = time.UnixMilli(startTime)
	run.EndTime = fromMillis(endTime)
	return run, nil
}
