package liveness

import (
	"context"
	"sync"
	"time"

	"batch-orchestrator/internal/shared/model"
)

// MockTracker 内存版存活追踪，用于测试
//
// TTL 语义与 Redis 一致：键在 [写入时刻, 写入时刻+TTL) 内存在，
// 到期即消失。过期采用惰性判定，读取时对比当前时间。
// nowFn 可注入，便于测试推进时间。
type MockTracker struct {
	mu      sync.RWMutex
	entries map[string]*mockEntry
	nowFn   func() time.Time
}

type mockEntry struct {
	info     model.AgentInfo
	expireAt time.Time
}

// NewMockTracker 创建内存存活追踪
func NewMockTracker() *MockTracker {
	return &MockTracker{
		entries: make(map[string]*mockEntry),
		nowFn:   time.Now,
	}
}

// SetNowFunc 注入时钟（仅测试使用）
func (m *MockTracker) SetNowFunc(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = fn
}

func (m *MockTracker) Heartbeat(_ context.Context, queueName string, info *model.AgentInfo, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	stored := *info
	stored.LastHeartbeat = now.UnixMilli()
	m.entries[queueName] = &mockEntry{
		info:     stored,
		expireAt: now.Add(ttl),
	}
	return nil
}

func (m *MockTracker) IsHealthy(_ context.Context, queueName string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alive(queueName), nil
}

func (m *MockTracker) GetInfo(_ context.Context, queueName string) (*model.AgentInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.alive(queueName) {
		return nil, nil
	}
	info := m.entries[queueName].info
	return &info, nil
}

func (m *MockTracker) ListOnline(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var online []string
	for q := range m.entries {
		if m.alive(q) {
			online = append(online, q)
		}
	}
	return online, nil
}

func (m *MockTracker) Close() error {
	return nil
}

// alive 判定键是否存活：now < expireAt（到期时刻本身视为已过期）
func (m *MockTracker) alive(queueName string) bool {
	e, ok := m.entries[queueName]
	if !ok {
		return false
	}
	return m.nowFn().Before(e.expireAt)
}

var _ Tracker = (*MockTracker)(nil)
