package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/msgbus"
)

// CommandExecutor EXECUTABLE 作业执行器
//
// Action 为命令行，经 sh -c 运行。退出码 0 视为成功，
// ctx 到期时进程被终止并回报 timeout。
type CommandExecutor struct{}

// NewCommandExecutor 创建命令执行器
func NewCommandExecutor() *CommandExecutor {
	return &CommandExecutor{}
}

func (e *CommandExecutor) Execute(ctx context.Context, msg *msgbus.DispatchMessage) *Result {
	cmd := exec.CommandContext(ctx, "sh", "-c", msg.Action)
	output, err := cmd.CombinedOutput()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Result{
			Status: model.TaskStatusTimeout,
			Output: string(output),
			Error:  "command exceeded max run duration",
		}
	}
	if err != nil {
		result := &Result{
			Status: model.TaskStatusFailed,
			Output: string(output),
			Error:  fmt.Sprintf("command failed: %v", err),
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ErrorCode = exitErr.ExitCode()
		}
		return result
	}
	return &Result{
		Status: model.TaskStatusSuccess,
		Output: string(output),
	}
}

var _ Executor = (*CommandExecutor)(nil)
