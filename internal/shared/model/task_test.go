package model

import (
	"testing"
)

func TestTaskStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		want   bool
	}{
		{"created 非终态", TaskStatusCreated, false},
		{"running 非终态", TaskStatusRunning, false},
		{"succeed 终态", TaskStatusSuccess, true},
		{"failed 终态", TaskStatusFailed, true},
		{"timeout 终态", TaskStatusTimeout, true},
		{"cancelled 终态", TaskStatusCancelled, true},
		{"stopped 终态", TaskStatusStopped, true},
		{"skipped 终态", TaskStatusSkipped, true},
		{"revoked 终态", TaskStatusRevoked, true},
		{"retry 对本次尝试是终态", TaskStatusRetry, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal(%s) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestTaskStatus_IsSuccessful(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskStatusSuccess, true},
		{TaskStatusSkipped, true},
		{TaskStatusFailed, false},
		{TaskStatusTimeout, false},
		{TaskStatusRetry, false},
		{TaskStatusRevoked, false},
	}

	for _, tt := range tests {
		if got := tt.status.IsSuccessful(); got != tt.want {
			t.Errorf("IsSuccessful(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestParseTaskStatus(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  TaskStatus
		ok    bool
	}{
		{"线上成功状态为 succeed", "succeed", TaskStatusSuccess, true},
		{"running 合法", "running", TaskStatusRunning, true},
		{"retry 合法", "retry", TaskStatusRetry, true},
		{"大写拒绝", "SUCCEED", "", false},
		{"未知状态拒绝", "done", "", false},
		{"空串拒绝", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTaskStatus(tt.input)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParseTaskStatus(%q) = (%q, %v), want (%q, %v)",
					tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestJob_RetryBudgetLeft(t *testing.T) {
	job := &Job{RetryCount: 2}

	// 首次尝试和第二次尝试失败后仍有预算，第三次失败后用尽
	if !job.RetryBudgetLeft(1) {
		t.Error("attempt 1 should have retry budget")
	}
	if !job.RetryBudgetLeft(2) {
		t.Error("attempt 2 should have retry budget")
	}
	if job.RetryBudgetLeft(3) {
		t.Error("attempt 3 should have no retry budget")
	}

	noRetry := &Job{RetryCount: 0}
	if noRetry.RetryBudgetLeft(1) {
		t.Error("job without retries should have no budget")
	}
}

func TestJob_PastFailureThreshold(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"未达阈值", Job{MaxConsecutiveFailures: 3, FailureCount: 2}, false},
		{"刚达阈值", Job{MaxConsecutiveFailures: 3, FailureCount: 3}, true},
		{"超过阈值", Job{MaxConsecutiveFailures: 3, FailureCount: 5}, true},
		{"未配置阈值永不触发", Job{MaxConsecutiveFailures: 0, FailureCount: 100}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.PastFailureThreshold(); got != tt.want {
				t.Errorf("PastFailureThreshold() = %v, want %v", got, tt.want)
			}
		})
	}
}
