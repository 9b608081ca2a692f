package msgbus

import (
	"context"
	"errors"
	"sync"
)

// ErrPublishFailed MockChannel 注入的发布失败错误
var ErrPublishFailed = errors.New("msgbus: publish failed")

// MockChannel 内存回环消息总线，用于测试
//
// 语义与 Pub/Sub 一致：发布时没有订阅者，消息直接丢弃；
// 同一通道的多个订阅者各收一份。FailPublishes 置位后所有
// 发布调用返回错误，用于模拟传输故障。
type MockChannel struct {
	mu          sync.RWMutex
	dispatchSub map[string][]chan *DispatchMessage
	resultSub   []chan *ResultMessage
	closed      bool

	// FailPublishes 置位后发布调用一律失败
	FailPublishes bool
}

// NewMockChannel 创建内存消息总线
func NewMockChannel() *MockChannel {
	return &MockChannel{
		dispatchSub: make(map[string][]chan *DispatchMessage),
	}
}

func (m *MockChannel) PublishDispatch(_ context.Context, queueName string, msg *DispatchMessage) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailPublishes {
		return ErrPublishFailed
	}
	if m.closed {
		return errors.New("msgbus: channel closed")
	}
	for _, ch := range m.dispatchSub[queueName] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (m *MockChannel) PublishResult(_ context.Context, msg *ResultMessage) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailPublishes {
		return ErrPublishFailed
	}
	if m.closed {
		return errors.New("msgbus: channel closed")
	}
	for _, ch := range m.resultSub {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (m *MockChannel) SubscribeDispatch(ctx context.Context, queueName string) (<-chan *DispatchMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *DispatchMessage, 100)
	m.dispatchSub[queueName] = append(m.dispatchSub[queueName], ch)

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.dispatchSub[queueName]
		for i, c := range subs {
			if c == ch {
				m.dispatchSub[queueName] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

func (m *MockChannel) SubscribeResults(ctx context.Context) (<-chan *ResultMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *ResultMessage, 100)
	m.resultSub = append(m.resultSub, ch)

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, c := range m.resultSub {
			if c == ch {
				m.resultSub = append(m.resultSub[:i], m.resultSub[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

func (m *MockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Channel = (*MockChannel)(nil)
