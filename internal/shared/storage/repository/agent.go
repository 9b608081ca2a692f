// Package repository Agent 目录相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/storage"
)

// CreateAgent 注册执行节点（同 ID 重复注册时更新目录信息）
func (s *Store) CreateAgent(ctx context.Context, agent *model.Agent) error {
	now := time.Now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.QueueName == "" {
		agent.QueueName = model.DeriveQueueName(agent.ID)
	}

	conflict := s.dialect.UpsertConflict("id", []string{
		"name = excluded.name",
		"queue_name = excluded.queue_name",
		"host = excluded.host",
		"heartbeat_timeout_ms = excluded.heartbeat_timeout_ms",
		"capacity = excluded.capacity",
		"updated_at = excluded.updated_at",
	})
	query := s.rebind(`
		INSERT INTO agents (id, name, queue_name, host, heartbeat_timeout_ms, capacity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	` + conflict)
	_, err := s.db.ExecContext(ctx, query,
		agent.ID, agent.Name, agent.QueueName, agent.Host,
		agent.HeartbeatTimeout.Milliseconds(), agent.Capacity,
		millis(agent.CreatedAt), millis(agent.UpdatedAt))
	return err
}

// GetAgent 获取执行节点目录信息
func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	query := s.rebind(`
		SELECT id, name, queue_name, host, heartbeat_timeout_ms, capacity, created_at, updated_at
		FROM agents WHERE id = $1
	`)
	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return agent, err
}

// ListAgents 列出所有执行节点
func (s *Store) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	query := s.rebind(`
		SELECT id, name, queue_name, host, heartbeat_timeout_ms, capacity, created_at, updated_at
		FROM agents ORDER BY id
	`)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func scanAgent(scanner interface{ Scan(dest ...interface{}) error }) (*model.Agent, error) {
	agent := &model.Agent{}
	var hbMs, createdAt, updatedAt int64

	err := scanner.Scan(&agent.ID, &agent.Name, &agent.QueueName, &agent.Host,
		&hbMs, &agent.Capacity, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	agent.HeartbeatTimeout = time.Duration(hbMs) * time.Millisecond
	agent.CreatedAt = time.UnixMilli(createdAt)
	agent.UpdatedAt = time.UnixMilli(updatedAt)
	return agent, nil
}
