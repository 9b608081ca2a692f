package agent

import (
	"context"

	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/msgbus"
)

// Result 一次执行的结果
type Result struct {
	Status    model.TaskStatus
	Output    string
	Error     string
	ErrorCode int
}

// Executor 作业执行器
//
// 实现方对 ctx 超时负责：ctx 到期应尽快终止执行并返回 timeout 状态。
type Executor interface {
	Execute(ctx context.Context, msg *msgbus.DispatchMessage) *Result
}
