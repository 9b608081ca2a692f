// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和轻量级部署场景。
package sqlite

import (
	"database/sql"
	"fmt"

	"batch-orchestrator/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	result := fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET ", conflictColumn)
	for i, expr := range updateExprs {
		if i > 0 {
			result += ", "
		}
		result += expr
	}
	return result
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:batch.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（与 PostgreSQL schema 等价）
const schema = `
-- agents
CREATE TABLE IF NOT EXISTS agents (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200),
    queue_name VARCHAR(200) NOT NULL,
    host VARCHAR(200),
    heartbeat_timeout_ms BIGINT NOT NULL DEFAULT 60000,
    capacity INTEGER NOT NULL DEFAULT 4,
    created_at BIGINT NOT NULL DEFAULT 0,
    updated_at BIGINT NOT NULL DEFAULT 0
);

-- jobs
CREATE TABLE IF NOT EXISTS jobs (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200),
    type VARCHAR(32) NOT NULL,
    action TEXT NOT NULL,
    method VARCHAR(16),
    body TEXT,
    headers TEXT,
    start_time BIGINT,
    repeat_interval VARCHAR(200),
    timezone VARCHAR(64),
    enabled INTEGER NOT NULL DEFAULT 1,
    max_run_duration_ms BIGINT NOT NULL DEFAULT 3600000,
    retry_count INTEGER NOT NULL DEFAULT 0,
    retry_delay_ms BIGINT NOT NULL DEFAULT 0,
    max_consecutive_failures INTEGER NOT NULL DEFAULT 3,
    priority INTEGER NOT NULL DEFAULT 1,
    agent_id VARCHAR(64),
    workflow_id VARCHAR(64),
    state VARCHAR(32) NOT NULL DEFAULT 'SCHEDULED',
    run_count INTEGER NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    last_start BIGINT,
    created_at BIGINT NOT NULL DEFAULT 0,
    updated_at BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_workflow ON jobs(workflow_id);

-- workflows
CREATE TABLE IF NOT EXISTS workflows (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200),
    enabled INTEGER NOT NULL DEFAULT 1,
    repeat_interval VARCHAR(200),
    timezone VARCHAR(64),
    created_at BIGINT NOT NULL DEFAULT 0,
    updated_at BIGINT NOT NULL DEFAULT 0
);

-- workflow_groups 优先级组（同一工作流内 rank 唯一）
CREATE TABLE IF NOT EXISTS workflow_groups (
    workflow_id VARCHAR(64) NOT NULL,
    rank INTEGER NOT NULL,
    ignore_result INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (workflow_id, rank)
);

-- workflow_group_jobs 组内作业成员
CREATE TABLE IF NOT EXISTS workflow_group_jobs (
    workflow_id VARCHAR(64) NOT NULL,
    rank INTEGER NOT NULL,
    job_id VARCHAR(64) NOT NULL,
    PRIMARY KEY (workflow_id, rank, job_id)
);

-- workflow_runs
CREATE TABLE IF NOT EXISTS workflow_runs (
    id VARCHAR(64) PRIMARY KEY,
    workflow_id VARCHAR(64) NOT NULL,
    workflow_name VARCHAR(200),
    status VARCHAR(32) NOT NULL DEFAULT 'PENDING',
    total_jobs INTEGER NOT NULL DEFAULT 0,
    completed_jobs INTEGER NOT NULL DEFAULT 0,
    failed_jobs INTEGER NOT NULL DEFAULT 0,
    start_time BIGINT NOT NULL DEFAULT 0,
    end_time BIGINT,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow ON workflow_runs(workflow_id);

-- tasks
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(64) PRIMARY KEY,
    job_id VARCHAR(64) NOT NULL,
    agent_id VARCHAR(64),
    queue_name VARCHAR(200),
    workflow_run_id VARCHAR(64),
    group_rank INTEGER NOT NULL DEFAULT 0,
    status VARCHAR(32) NOT NULL DEFAULT 'created',
    attempt INTEGER NOT NULL DEFAULT 1,
    manual INTEGER NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL DEFAULT 0,
    start_time BIGINT,
    end_time BIGINT,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    error TEXT,
    output TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id);
CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(workflow_run_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`
